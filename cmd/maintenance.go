package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/scalar/service/internal/dispatch"
	"github.com/scalar/service/internal/service"
)

// runMaintenance implements "scalar-service maintenance <task>": one sweep
// for one owner, run in this process without a service. Runs are recorded
// in the audit database like scheduled ones.
func runMaintenance(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("maintenance", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var s settings
	s.AddFlags(fs)
	owner := fs.String("owner", "", "Owner whose enlistments are maintained (default: current uid)")
	jsonOutput := fs.Bool("json", false, "Output the sweep report in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: scalar-service maintenance <task> [options]\n\nTasks: ")
		for i, t := range dispatch.Tasks {
			if i > 0 {
				fmt.Fprint(stderr, ", ")
			}
			fmt.Fprint(stderr, t)
		}
		fmt.Fprint(stderr, "\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}
	if fs.NArg() != 1 {
		fs.Usage()
		return 1
	}
	task, err := dispatch.ParseTask(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
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

	store, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open audit database: %v\n", err)
		return 1
	}
	defer store.Close()

	launcher, err := dispatch.NewLauncher(cfg.LaunchStrategy)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	svc := service.New(service.Options{
		Registry: newRegistry(cfg, logger),
		Dispatcher: dispatch.New(dispatch.Options{
			Executable:  cfg.ScalarExecutable,
			ServiceName: cfg.ServiceName,
			Launcher:    launcher,
			Recorder:    store,
			Timeout:     cfg.MaintenanceTimeout(),
			Logger:      logger,
		}),
		Workers:         cfg.SweepWorkers,
		DisableSchedule: true,
		Logger:          logger,
	})

	if *owner == "" {
		*owner = strconv.Itoa(os.Getuid())
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Without a mounter, registering the user only makes it the sweep owner.
	svc.RegisterActiveUser(ctx, *owner, "")
	report, err := svc.RunSweep(ctx, task)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	if *jsonOutput {
		writeJSON(stdout, report)
	} else {
		writeSweepReport(stdout, report)
	}
	if len(report.Failed) > 0 {
		return 1
	}
	return 0
}

func writeSweepReport(w io.Writer, r service.SweepReport) {
	fmt.Fprintf(w, "Sweep %s: %s for %s\n", r.SweepID, r.Task, r.Owner)
	if r.Paused {
		fmt.Fprintln(w, "  Maintenance is paused.")
	}
	fmt.Fprintf(w, "  Registered:  %d\n", r.InRegistry)
	fmt.Fprintf(w, "  Maintained:  %d\n", r.Maintained)
	fmt.Fprintf(w, "  Skipped:     %d\n", r.Skipped)
	fmt.Fprintf(w, "  Removed:     %d\n", r.Removed)
	if r.RemovalFailures > 0 {
		fmt.Fprintf(w, "  Not removed: %d\n", r.RemovalFailures)
	}
	fmt.Fprintf(w, "  Failed:      %d\n", len(r.Failed))
	for _, root := range r.Failed {
		fmt.Fprintf(w, "    %s\n", root)
	}
	fmt.Fprintf(w, "  Took %s\n", r.Duration.Round(time.Millisecond))
}
