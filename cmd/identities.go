package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"text/tabwriter"
	"time"
)

func runIdentitiesList(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("identities list", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)
	adminEmail := fs.String("admin", "", "Email of the token's administrator (required)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokengate identities list --admin <email> [options] <token-id>\n\nList the app identities bound to a library token.\n\nOptions:\n")
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

	identities, err := env.svc.ListAppIdentities(ctx, fs.Arg(0), adminID)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	if len(identities) == 0 {
		fmt.Fprintln(stdout, "No app identities found.")
		return 0
	}

	w := tabwriter.NewWriter(stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tAPP\tVERSION\tPLATFORM\tACTIVE\tAUTHS\tLAST AUTH")
	fmt.Fprintln(w, "--\t---\t-------\t--------\t------\t-----\t---------")

	now := time.Now()
	for _, id := range identities {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\n",
			id.ID,
			id.Name,
			id.Version,
			id.Metadata.Platform,
			yesNo(id.Active),
			id.AuthCount,
			formatAgo(now, &id.LastAuthAt),
		)
	}
	w.Flush()

	return 0
}

func runIdentitiesRevoke(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("identities revoke", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)
	adminEmail := fs.String("admin", "", "Email of the token's administrator (required)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokengate identities revoke --admin <email> [options] <identity-id>\n\nDeactivate an app identity. Its access tokens stop validating.\n\nOptions:\n")
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

	identity, err := env.svc.DeactivateAppIdentity(ctx, fs.Arg(0), adminID)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "App identity %s (%s %s) revoked\n", identity.ID, identity.Name, identity.Version)
	return 0
}
