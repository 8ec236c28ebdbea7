package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
)

func runStats(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: tokengate stats [options]\n\nShow credential store statistics.\n\nOptions:\n")
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

	st, err := env.svc.Stats(ctx)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	if *jsonOutput {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		enc.Encode(st)
		return 0
	}

	fmt.Fprintf(stdout, "Administrators:  %d (%d active, %d locked)\n", st.Admins, st.ActiveAdmins, st.LockedAdmins)
	fmt.Fprintf(stdout, "Library tokens:  %d (%d active, %d expired, %d revoked)\n",
		st.LibraryTokens, st.ActiveLibraryTokens, st.ExpiredTokens, st.InactiveTokens)
	fmt.Fprintf(stdout, "Token uses:      %d\n", st.TotalTokenUsage)
	fmt.Fprintf(stdout, "App identities:  %d (%d active)\n", st.AppIdentities, st.ActiveIdentities)

	if len(st.TopApps) > 0 {
		fmt.Fprintf(stdout, "\nTop apps:\n")
		for _, app := range st.TopApps {
			fmt.Fprintf(stdout, "  %-24s %6d auths  %d identities\n", app.Name, app.AuthCount, app.Identities)
		}
	}

	return 0
}
