package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v1.0.0" ./cmd
var Version = "dev"

const usage = `tokengate - admin-issued library tokens exchanged for device sessions

Usage:
  tokengate <command> [options]

Commands:
  init                        Create ~/.tokengate/config.toml and the root administrator
  serve                       Run the HTTP API
  admin create <email>        Create an administrator
  admin passwd <email>        Reset an administrator's password
  admin deactivate <email>    Deactivate an administrator
  admin list                  List administrators
  tokens issue                Mint a library token
  tokens list                 List an administrator's library tokens
  tokens revoke <token-id>    Deactivate a library token
  identities list <token-id>  List app identities bound to a token
  identities revoke <id>      Deactivate an app identity
  stats                       Show credential store statistics
  version                     Print the version
Run 'tokengate <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "init":
		return runInit(args[2:], stdout, stderr)
	case "serve":
		return runServe(args[2:], stdout, stderr)
	case "admin":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: tokengate admin <create|passwd|deactivate|list>")
			return 1
		}
		switch args[2] {
		case "create":
			return runAdminCreate(args[3:], stdout, stderr)
		case "passwd":
			return runAdminPasswd(args[3:], stdout, stderr)
		case "deactivate":
			return runAdminDeactivate(args[3:], stdout, stderr)
		case "list":
			return runAdminList(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown admin command: %s\n", args[2])
			return 1
		}
	case "tokens":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: tokengate tokens <issue|list|revoke>")
			return 1
		}
		switch args[2] {
		case "issue":
			return runTokensIssue(args[3:], stdout, stderr)
		case "list":
			return runTokensList(args[3:], stdout, stderr)
		case "revoke":
			return runTokensRevoke(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown tokens command: %s\n", args[2])
			return 1
		}
	case "identities":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: tokengate identities <list|revoke>")
			return 1
		}
		switch args[2] {
		case "list":
			return runIdentitiesList(args[3:], stdout, stderr)
		case "revoke":
			return runIdentitiesRevoke(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown identities command: %s\n", args[2])
			return 1
		}
	case "stats":
		return runStats(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "tokengate %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
