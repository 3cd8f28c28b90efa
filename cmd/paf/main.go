package main

import (
	"fmt"
	"os"

	"github.com/allaspectsdev/paf/internal/version"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "start":
		cmdStart(os.Args[2:])
	case "stop":
		cmdStop()
	case "status":
		cmdStatus()
	case "list":
		cmdList(os.Args[2:])
	case "activate":
		cmdActivate(os.Args[2:])
	case "secret":
		cmdSecret(os.Args[2:])
	case "init-config":
		cmdInitConfig()
	case "version":
		fmt.Println(version.String())
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: paf <command> [options]

Commands:
  start            Start the proxy daemon
  stop             Stop the running daemon
  status           Show daemon status and active configurations
  list <service>   List endpoint configurations (claude or codex)
  activate <service> <name>
                   Activate a configuration for manual mode
  secret <set|delete> <account>
                   Manage keychain secrets referenced as keyring:<account>
  init-config      Generate the default system config file
  version          Print version information
  help             Show this help message

Options:
  --foreground     Run in foreground (with 'start')`)
}
