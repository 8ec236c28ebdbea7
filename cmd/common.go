// Package main is the tokengate command-line tool. Every command except
// serve works directly on the local credential store, so it must run on the
// machine that owns ~/.tokengate.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/tokengate/host/internal/auth"
	"github.com/tokengate/host/internal/config"
	tgErrors "github.com/tokengate/host/internal/errors"
	"github.com/tokengate/host/internal/logger"
	"github.com/tokengate/host/internal/storage"
)

// commandTimeout bounds a single non-serve command.
const commandTimeout = 30 * time.Second

// passwordEnv supplies a password non-interactively when --password-stdin is
// not given.
const passwordEnv = config.EnvPrefix + "_ADMIN_PASSWORD"

// stdin is where --password-stdin reads from. Tests replace it.
var stdin io.Reader = os.Stdin

// storeFlags are accepted by every command that opens the credential store.
type storeFlags struct {
	configPath string
	database   string
}

func (f *storeFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&f.configPath, "config", "", "Path to config file (default: ~/.tokengate/config.toml)")
	fs.StringVar(&f.database, "database", "", "Path to the SQLite store (default: from config)")
}

// loadConfig reads and validates the configuration, applying --database.
func (f *storeFlags) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.database != "" {
		cfg.Database = f.database
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// cliEnv is an opened store plus the service on top of it.
type cliEnv struct {
	cfg     *config.Config
	store   *storage.SQLiteStore
	svc     *auth.Service
	restore func()
}

// open loads config, opens the store and builds the service. CLI commands log
// warnings and above only; their results go to stdout.
func (f *storeFlags) open() (*cliEnv, error) {
	cfg, err := f.loadConfig()
	if err != nil {
		return nil, err
	}

	restore, err := logger.Init(logger.Options{Level: "warn", Format: cfg.LogFormat, File: cfg.LogFile})
	if err != nil {
		return nil, err
	}

	store, err := storage.NewSQLiteStore(cfg.Database)
	if err != nil {
		restore()
		return nil, fmt.Errorf("failed to open storage: %w", err)
	}

	svc, err := auth.NewService(serviceConfig(cfg, store))
	if err != nil {
		store.Close()
		restore()
		return nil, err
	}

	return &cliEnv{cfg: cfg, store: store, svc: svc, restore: restore}, nil
}

func (e *cliEnv) Close() {
	e.store.Close()
	e.restore()
}

// adminID resolves an administrator's email to its ID.
func (e *cliEnv) adminID(ctx context.Context, email string) (string, error) {
	admin, err := e.store.GetAdminByEmail(ctx, email)
	if err != nil {
		return "", err
	}
	if admin == nil {
		return "", tgErrors.NotFound("administrator", storage.NormalizeEmail(email))
	}
	return admin.ID, nil
}

// serviceConfig maps the file configuration onto the auth service.
func serviceConfig(cfg *config.Config, store auth.Store) auth.ServiceConfig {
	return auth.ServiceConfig{
		Store:                      store,
		AccessKey:                  []byte(cfg.AccessTokenSecret),
		RefreshKey:                 []byte(cfg.RefreshTokenSecret),
		Issuer:                     cfg.Issuer,
		Audience:                   cfg.Audience,
		AdminSessionTTL:            cfg.AdminSessionTTL,
		DeviceAccessTTL:            cfg.DeviceAccessTTL,
		DeviceRefreshTTL:           cfg.DeviceRefreshTTL,
		StoreTimeout:               cfg.StoreTimeout,
		LockoutMaxAttempts:         cfg.LockoutMaxAttempts,
		LockoutDuration:            cfg.LockoutDuration,
		BcryptCost:                 cfg.BcryptCost,
		RefreshRevalidatesIdentity: cfg.RefreshRevalidatesIdentity,
		MinAppVersion:              cfg.MinAppVersion,
	}
}

// readPassword returns the password from stdin when fromStdin is set, and
// from TOKENGATE_ADMIN_PASSWORD otherwise.
func readPassword(fromStdin bool) (string, error) {
	if fromStdin {
		line, err := bufio.NewReader(stdin).ReadString('\n')
		if err != nil && !errors.Is(err, io.EOF) {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return "", errors.New("no password on stdin")
		}
		return line, nil
	}
	if pw := os.Getenv(passwordEnv); pw != "" {
		return pw, nil
	}
	return "", fmt.Errorf("password required: use --password-stdin or set %s", passwordEnv)
}

// printError writes err and, for coded errors, the recovery hint.
func printError(stderr io.Writer, err error) {
	coded := tgErrors.As(err)
	if coded == nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return
	}
	fmt.Fprintf(stderr, "Error: %s (%s)\n", coded.Message, coded.Code)
	if next := tgErrors.GetNextAction(coded.Code); next != "" {
		fmt.Fprintf(stderr, "  Next: %s\n", next)
	}
}

// parseFlags parses args, printing usage for --help. It returns false with
// the exit code when the command should stop.
func parseFlags(fs *flag.FlagSet, args []string) (int, bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0, false
		}
		return 1, false
	}
	return 0, true
}

// formatAgo formats how long ago t was, e.g. "just now", "5m ago", "3d ago".
func formatAgo(now time.Time, t *time.Time) string {
	if t == nil {
		return "never"
	}
	d := now.Sub(*t)
	switch {
	case d < 0:
		return "in the future"
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
