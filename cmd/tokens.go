package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/skip2/go-qrcode"
)

func runTokensIssue(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tokens issue", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)
	adminEmail := fs.String("admin", "", "Email of the issuing administrator (required)")
	days := fs.Int("days", 30, "Validity in days (1-365)")
	description := fs.String("description", "", "Free-text note shown in listings")
	qr := fs.Bool("qr", false, "Also print the token as a QR code")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokengate tokens issue --admin <email> [options]\n\nMint a library token. The full value is shown only once.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *adminEmail == "" {
		fmt.Fprintln(stderr, "Error: --admin is required")
		return 1
	}

	env, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	adminID, err := env.adminID(ctx, *adminEmail)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	token, err := env.svc.IssueLibraryToken(ctx, adminID, *days, *description)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "Token:   %s\n", token.Value)
	fmt.Fprintf(stdout, "ID:      %s\n", token.ID)
	fmt.Fprintf(stdout, "Expires: %s\n", token.ExpiresAt.Local().Format(time.RFC1123))

	if *qr {
		displayQRCode(stdout, token.Value)
	}
	return 0
}

// displayQRCode prints value as a terminal QR code so a device can scan it.
func displayQRCode(w io.Writer, value string) {
	code, err := qrcode.New(value, qrcode.Medium)
	if err != nil {
		fmt.Fprintf(w, "Error generating QR code: %v\n", err)
		return
	}
	fmt.Fprintln(w, "")
	fmt.Fprint(w, code.ToSmallString(false))
}

func runTokensList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tokens list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)
	adminEmail := fs.String("admin", "", "Email of the owning administrator (required)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokengate tokens list --admin <email> [options]\n\nList an administrator's library tokens, newest first.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *adminEmail == "" {
		fmt.Fprintln(stderr, "Error: --admin is required")
		return 1
	}

	env, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	adminID, err := env.adminID(ctx, *adminEmail)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	tokens, err := env.svc.ListLibraryTokens(ctx, adminID)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	if len(tokens) == 0 {
		fmt.Fprintln(stdout, "No library tokens found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tPREFIX\tSTATUS\tUSES\tLAST USED\tEXPIRES\tDESCRIPTION")
	fmt.Fprintln(w, "--\t------\t------\t----\t---------\t-------\t-----------")

	now := time.Now()
	for _, t := range tokens {
		status := "active"
		switch {
		case !t.Active:
			status = "revoked"
		case t.IsExpired(now):
			status = "expired"
		}
		fmt.Fprintf(w, "%s\t%s…\t%s\t%d\t%s\t%s\t%s\n",
			t.ID,
			t.Value[:8],
			status,
			t.UsageCount,
			formatAgo(now, t.LastUsedAt),
			t.ExpiresAt.Local().Format("2006-01-02"),
			t.Description,
		)
	}
	w.Flush()

	return 0
}

func runTokensRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("tokens revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)
	adminEmail := fs.String("admin", "", "Email of the owning administrator (required)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokengate tokens revoke --admin <email> [options] <token-id>\n\nDeactivate a library token. Devices can no longer exchange it.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if *adminEmail == "" || fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	env, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	adminID, err := env.adminID(ctx, *adminEmail)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	if _, err := env.svc.DeactivateLibraryToken(ctx, fs.Arg(0), adminID); err != nil {
		printError(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "Token %s revoked\n", fs.Arg(0))
	return 0
}
