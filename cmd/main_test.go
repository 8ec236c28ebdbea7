package main

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tokengate/host/internal/auth"
	"github.com/tokengate/host/internal/config"
)

const testPassword = "correct horse battery"

func runWithArgs(args []string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

// setupHome points HOME at a temp dir with a fresh config and cheap bcrypt.
func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(config.EnvPrefix+"_BCRYPT_COST", "4")
	t.Setenv(passwordEnv, testPassword)

	path := filepath.Join(home, ".tokengate", "config.toml")
	if err := config.WriteDefault(path); err != nil {
		t.Fatalf("WriteDefault: %v", err)
	}
	return home
}

func withStdin(t *testing.T, s string) {
	t.Helper()
	old := stdin
	stdin = strings.NewReader(s)
	t.Cleanup(func() { stdin = old })
}

func mustRun(t *testing.T, args ...string) string {
	t.Helper()
	code, out, errOut := runWithArgs(append([]string{"tokengate"}, args...))
	if code != 0 {
		t.Fatalf("%v: exit %d\nstdout: %s\nstderr: %s", args, code, out, errOut)
	}
	return out
}

func fieldValue(out, label string) string {
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, label) {
			return strings.TrimSpace(strings.TrimPrefix(line, label))
		}
	}
	return ""
}

func TestRunUsage(t *testing.T) {
	code, out, _ := runWithArgs([]string{"tokengate"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, "Usage:") {
		t.Fatalf("expected usage output, got %q", out)
	}
}

func TestRunVersion(t *testing.T) {
	code, out, _ := runWithArgs([]string{"tokengate", "version"})
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(out, Version) {
		t.Fatalf("expected version in output, got %q", out)
	}
}

func TestRunUnknownCommand(t *testing.T) {
	code, out, _ := runWithArgs([]string{"tokengate", "nope"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(out, "Unknown command") {
		t.Fatalf("expected unknown command output, got %q", out)
	}
}

func TestRunMissingSubcommand(t *testing.T) {
	for _, group := range []string{"admin", "tokens", "identities"} {
		t.Run(group, func(t *testing.T) {
			code, out, _ := runWithArgs([]string{"tokengate", group})
			if code != 1 {
				t.Fatalf("expected exit code 1, got %d", code)
			}
			if !strings.Contains(out, "Usage: tokengate "+group) {
				t.Fatalf("expected %s usage, got %q", group, out)
			}
		})
	}
}

func TestTokensIssueHelp(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runTokensIssue([]string{"--help"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit code 0, got %d", code)
	}
	if !strings.Contains(stderr.String(), "Usage: tokengate tokens issue") {
		t.Fatalf("expected tokens issue usage, got %q", stderr.String())
	}
}

func TestServeInvalidFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := runServe([]string{"--tls=maybe"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if stderr.Len() == 0 {
		t.Fatal("expected error output for invalid flag")
	}
}

func TestTokensIssueRequiresAdmin(t *testing.T) {
	setupHome(t)

	code, _, errOut := runWithArgs([]string{"tokengate", "tokens", "issue"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut, "--admin is required") {
		t.Fatalf("expected --admin error, got %q", errOut)
	}
}

func TestCommandsRejectMissingSecrets(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	code, _, errOut := runWithArgs([]string{"tokengate", "admin", "list"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut, "access_token_secret") {
		t.Fatalf("expected secret error, got %q", errOut)
	}
}

func TestInitCreatesConfigAndRoot(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv(config.EnvPrefix+"_BCRYPT_COST", "4")
	withStdin(t, testPassword+"\n")

	out := mustRun(t, "init", "--email", "Root@Example.com", "--password-stdin")
	if !strings.Contains(out, "Created config: "+filepath.Join(home, ".tokengate", "config.toml")) {
		t.Fatalf("expected config path, got %q", out)
	}
	if !strings.Contains(out, "Created root administrator root@example.com") {
		t.Fatalf("expected root creation, got %q", out)
	}

	out = mustRun(t, "init")
	if !strings.Contains(out, "Using existing config") {
		t.Fatalf("expected existing config, got %q", out)
	}

	withStdin(t, "another password\n")
	code, _, errOut := runWithArgs([]string{"tokengate", "init", "--email", "second@example.com", "--password-stdin"})
	if code != 1 {
		t.Fatalf("expected second root to fail, got %d", code)
	}
	if !strings.Contains(errOut, "admin.root_exists") {
		t.Fatalf("expected root_exists code, got %q", errOut)
	}
}

func TestAdminCommands(t *testing.T) {
	setupHome(t)

	mustRun(t, "admin", "create", "--root", "root@example.com")
	out := mustRun(t, "admin", "create", "ops@example.com")
	if !strings.Contains(out, "Created administrator ops@example.com") {
		t.Fatalf("unexpected create output %q", out)
	}

	code, _, errOut := runWithArgs([]string{"tokengate", "admin", "create", "OPS@example.com"})
	if code != 1 || !strings.Contains(errOut, "admin.email_taken") {
		t.Fatalf("expected email_taken, got %d %q", code, errOut)
	}

	withStdin(t, "brand new password\n")
	out = mustRun(t, "admin", "passwd", "--password-stdin", "ops@example.com")
	if !strings.Contains(out, "Password updated for ops@example.com") {
		t.Fatalf("unexpected passwd output %q", out)
	}

	code, _, errOut = runWithArgs([]string{"tokengate", "admin", "deactivate", "root@example.com"})
	if code != 1 || !strings.Contains(errOut, "auth.forbidden") {
		t.Fatalf("expected root deactivation to be forbidden, got %d %q", code, errOut)
	}

	mustRun(t, "admin", "deactivate", "ops@example.com")

	out = mustRun(t, "admin", "list")
	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header, rule and 2 rows, got %q", out)
	}
	if !strings.Contains(out, "ops@example.com") || !strings.Contains(out, "root@example.com") {
		t.Fatalf("expected both admins listed, got %q", out)
	}
}

func TestAdminCreateRequiresPassword(t *testing.T) {
	setupHome(t)
	t.Setenv(passwordEnv, "")

	code, _, errOut := runWithArgs([]string{"tokengate", "admin", "create", "ops@example.com"})
	if code != 1 {
		t.Fatalf("expected exit code 1, got %d", code)
	}
	if !strings.Contains(errOut, "password required") {
		t.Fatalf("expected password error, got %q", errOut)
	}
}

func TestTokenLifecycle(t *testing.T) {
	setupHome(t)
	mustRun(t, "admin", "create", "--root", "root@example.com")

	out := mustRun(t, "tokens", "issue", "--admin", "root@example.com", "--days", "7", "--description", "field team", "--qr")
	value := fieldValue(out, "Token:")
	id := fieldValue(out, "ID:")
	if !auth.ValidLibraryTokenValue(value) {
		t.Fatalf("expected a library token, got %q", value)
	}
	if id == "" {
		t.Fatalf("expected token id in %q", out)
	}
	if strings.Count(out, "\n") < 10 {
		t.Fatalf("expected QR code output, got %q", out)
	}

	code, _, errOut := runWithArgs([]string{"tokengate", "tokens", "issue", "--admin", "root@example.com", "--days", "400"})
	if code != 1 || !strings.Contains(errOut, "request.invalid") {
		t.Fatalf("expected validity error, got %d %q", code, errOut)
	}

	out = mustRun(t, "tokens", "list", "--admin", "root@example.com")
	if !strings.Contains(out, value[:8]+"…") {
		t.Fatalf("expected token prefix in listing, got %q", out)
	}
	if strings.Contains(out, value) {
		t.Fatalf("listing must not show the full token: %q", out)
	}
	if !strings.Contains(out, "field team") || !strings.Contains(out, "active") {
		t.Fatalf("unexpected listing %q", out)
	}

	out = mustRun(t, "identities", "list", "--admin", "root@example.com", id)
	if !strings.Contains(out, "No app identities found.") {
		t.Fatalf("unexpected identities listing %q", out)
	}

	mustRun(t, "tokens", "revoke", "--admin", "root@example.com", id)
	out = mustRun(t, "tokens", "list", "--admin", "root@example.com")
	if !strings.Contains(out, "revoked") {
		t.Fatalf("expected revoked status, got %q", out)
	}

	code, _, errOut = runWithArgs([]string{"tokengate", "tokens", "revoke", "--admin", "root@example.com", id})
	if code != 1 || !strings.Contains(errOut, "token.already_inactive") {
		t.Fatalf("expected already_inactive, got %d %q", code, errOut)
	}

	code, _, errOut = runWithArgs([]string{"tokengate", "tokens", "list", "--admin", "ghost@example.com"})
	if code != 1 || !strings.Contains(errOut, "storage.not_found") {
		t.Fatalf("expected unknown admin error, got %d %q", code, errOut)
	}
}

func TestStatsJSON(t *testing.T) {
	setupHome(t)
	mustRun(t, "admin", "create", "--root", "root@example.com")
	mustRun(t, "tokens", "issue", "--admin", "root@example.com")

	out := mustRun(t, "stats", "--json")
	if !strings.Contains(out, `"library_tokens": 1`) || !strings.Contains(out, `"admins": 1`) {
		t.Fatalf("unexpected stats %q", out)
	}

	out = mustRun(t, "stats")
	if !strings.Contains(out, "Library tokens:  1 (1 active, 0 expired, 0 revoked)") {
		t.Fatalf("unexpected stats %q", out)
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "ok")
	})
	srv := &http.Server{Handler: mux}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, srv, ln, false) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Fatalf("expected ok, got %q", body)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not stop after cancel")
	}
}

func TestFormatAgo(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	at := func(d time.Duration) *time.Time {
		v := now.Add(-d)
		return &v
	}

	tests := []struct {
		t    *time.Time
		want string
	}{
		{nil, "never"},
		{at(-time.Minute), "in the future"},
		{at(10 * time.Second), "just now"},
		{at(5 * time.Minute), "5m ago"},
		{at(3 * time.Hour), "3h ago"},
		{at(72 * time.Hour), "3d ago"},
	}
	for _, tt := range tests {
		if got := formatAgo(now, tt.t); got != tt.want {
			t.Errorf("formatAgo(%v) = %q, want %q", tt.t, got, tt.want)
		}
	}
}
