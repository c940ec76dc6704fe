package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/pflag"
)

// runPause implements "scalar-service pause [<duration>|off]". Without an
// argument it reports the current pause.
func runPause(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("pause", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var s settings
	s.AddFlags(fs)
	fs.Usage = func() {
		fmt.Fprintf(stderr, `Usage: scalar-service pause [<duration>|off] [options]

Pause maintenance (except config) for a duration such as 2h or 30m,
resume it with "off", or show the current pause.

Options:
`)
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() > 1 {
		fs.Usage()
		return 1
	}

	cfg, err := s.resolve()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	logger, logCloser, err := newLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	reg := newRegistry(cfg, logger)
	ctx := context.Background()

	switch arg := fs.Arg(0); arg {
	case "":
		until, paused, err := reg.MaintenancePausedUntil(ctx)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if !paused {
			fmt.Fprintln(stdout, "Maintenance is not paused.")
			return 0
		}
		fmt.Fprintf(stdout, "Maintenance is paused until %s.\n", until.Format(time.RFC3339))
	case "off":
		if err := reg.RemovePause(ctx); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintln(stdout, "Maintenance resumed.")
	default:
		d, err := time.ParseDuration(arg)
		if err != nil || d <= 0 {
			fmt.Fprintf(stderr, "Error: invalid duration %q\n", arg)
			return 1
		}
		until := time.Now().Add(d)
		if err := reg.PauseMaintenanceUntil(ctx, until); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		fmt.Fprintf(stdout, "Maintenance paused until %s.\n", until.Format(time.RFC3339))
	}
	return 0
}
