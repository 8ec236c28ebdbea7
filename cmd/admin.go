package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

func runAdminCreate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin create", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)
	root := fs.Bool("root", false, "Make this the root administrator (only one may exist)")
	passwordStdin := fs.Bool("password-stdin", false, "Read the password from stdin (default: "+passwordEnv+")")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokengate admin create [options] <email>\n\nCreate an administrator.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	password, err := readPassword(*passwordStdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
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

	admin, err := env.svc.CreateAdmin(ctx, fs.Arg(0), password, *root)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	kind := "administrator"
	if admin.IsRoot {
		kind = "root administrator"
	}
	fmt.Fprintf(stdout, "Created %s %s (%s)\n", kind, admin.Email, admin.ID)
	return 0
}

func runAdminPasswd(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin passwd", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)
	passwordStdin := fs.Bool("password-stdin", false, "Read the new password from stdin (default: "+passwordEnv+")")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokengate admin passwd [options] <email>\n\nReset an administrator's password and clear any lockout.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}

	password, err := readPassword(*passwordStdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
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

	if err := env.svc.ResetPassword(ctx, fs.Arg(0), password); err != nil {
		printError(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "Password updated for %s\n", fs.Arg(0))
	return 0
}

func runAdminDeactivate(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin deactivate", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokengate admin deactivate [options] <email>\n\nDeactivate an administrator. Their sessions stop working immediately.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
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

	admin, err := env.svc.DeactivateAdmin(ctx, fs.Arg(0))
	if err != nil {
		printError(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "Deactivated %s\n", admin.Email)
	return 0
}

func runAdminList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("admin list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokengate admin list [options]\n\nList administrators.\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	env, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	admins, err := env.svc.ListAdmins(ctx)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	if len(admins) == 0 {
		fmt.Fprintln(stdout, "No administrators. Run 'tokengate init --email <email>' to create the root.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EMAIL\tROOT\tACTIVE\tLAST LOGIN\tID")
	fmt.Fprintln(w, "-----\t----\t------\t----------\t--")

	now := time.Now()
	for _, a := range admins {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			a.Email,
			yesNo(a.IsRoot),
			yesNo(a.Active),
			formatAgo(now, a.LastLoginAt),
			a.ID,
		)
	}
	w.Flush()

	return 0
}
