package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `scalar-service - background service for Scalar enlistments

Usage:
  scalar-service <command> [options]

Commands:
  start                 Run the service until interrupted
  ui                    Run the per-session notification receiver
  register <root>       Register an enlistment with the service
  unregister <root>     Unregister an enlistment
  list                  List active registrations
  status <root>         Show the mount status of an enlistment
  unmount <root>        Unmount an enlistment
  maintenance <task>    Run one maintenance sweep locally
  pause [<duration>|off]  Pause maintenance, resume it, or show the pause
  history               Show recorded maintenance runs
  version               Print the version
Run 'scalar-service <command> --help' for more information on a command.
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
	case "start":
		return runStart(args[2:], stdout, stderr)
	case "ui":
		return runUI(args[2:], stdout, stderr)
	case "register":
		return runRegister(args[2:], stdout, stderr)
	case "unregister":
		return runUnregister(args[2:], stdout, stderr)
	case "list":
		return runList(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "unmount":
		return runUnmount(args[2:], stdout, stderr)
	case "maintenance":
		return runMaintenance(args[2:], stdout, stderr)
	case "pause":
		return runPause(args[2:], stdout, stderr)
	case "history":
		return runHistory(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "scalar-service %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
