package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"
)

// runHistory implements "scalar-service history": recorded maintenance runs,
// newest first, or a per-task summary with --summary.
func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("history", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var s settings
	s.AddFlags(fs)
	root := fs.String("root", "", "Only show runs for this enlistment")
	limit := fs.Int("limit", 20, "Maximum number of runs to show (0 for all)")
	summary := fs.Duration("summary", 0, "Summarize runs per task over this window (e.g. 24h)")
	jsonOutput := fs.Bool("json", false, "Output in JSON format")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: scalar-service history [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
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

	if *summary > 0 {
		sums, err := store.SummarizeMaintenance(*summary)
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
		if *jsonOutput {
			writeJSON(stdout, sums)
			return 0
		}
		if len(sums) == 0 {
			fmt.Fprintf(stdout, "No maintenance runs in the last %s.\n", *summary)
			return 0
		}
		tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TASK\tRUNS\tFAILURES\tLAST RUN")
		for _, sum := range sums {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\n", sum.Task, sum.Total, sum.Failures, sum.LastRunAt.Local().Format(time.RFC3339))
		}
		tw.Flush()
		return 0
	}

	filter := *root
	if filter != "" {
		if filter, err = absRoot(filter); err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}
	runs, err := store.ListMaintenanceRuns(filter, *limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *jsonOutput {
		writeJSON(stdout, runs)
		return 0
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "No maintenance runs recorded.")
		return 0
	}
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "STARTED\tTASK\tENLISTMENT\tRESULT\tDURATION")
	for _, r := range runs {
		result := "ok"
		if !r.Success {
			result = fmt.Sprintf("failed (exit %d)", r.ExitCode)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			r.StartedAt.Local().Format(time.RFC3339), r.Task, r.EnlistmentRoot, result, r.Duration)
	}
	tw.Flush()
	return 0
}
