package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/tokengate/host/internal/config"
)

// runInit implements "tokengate init":
//  1. Writes a config file with fresh signing secrets unless one exists
//  2. Creates the root administrator when --email is given
func runInit(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var sf storeFlags
	sf.register(fs)
	email := fs.String("email", "", "Create the root administrator with this email")
	passwordStdin := fs.Bool("password-stdin", false, "Read the root password from stdin (default: "+passwordEnv+")")

	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: tokengate init [options]

Create the configuration file with generated signing secrets and, with
--email, the single root administrator.

Options:
`)
		fs.PrintDefaults()
	}

	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	path := sf.configPath
	if path == "" {
		var err error
		path, err = config.DefaultConfigPath()
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := config.WriteDefault(path); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Created config: %s\n", path)
	} else {
		fmt.Fprintf(stdout, "Using existing config: %s\n", path)
	}

	if *email == "" {
		return 0
	}

	password, err := readPassword(*passwordStdin)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	sf.configPath = path
	env, err := sf.open()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	admin, err := env.svc.CreateAdmin(ctx, *email, password, true)
	if err != nil {
		printError(stderr, err)
		return 1
	}

	fmt.Fprintf(stdout, "Created root administrator %s (%s)\n", admin.Email, admin.ID)
	return 0
}
