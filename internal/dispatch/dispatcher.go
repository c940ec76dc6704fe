package dispatch

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/scalar/service/internal/errors"
	"github.com/scalar/service/internal/logging"
	"github.com/scalar/service/internal/storage"
)

// DefaultServiceName is passed to the helper when Options.ServiceName is empty.
const DefaultServiceName = "Scalar.Service"

// Recorder receives every dispatch outcome. storage.SQLiteStore implements it.
type Recorder interface {
	RecordMaintenance(run *storage.MaintenanceRun) error
}

// Options configures a Dispatcher.
type Options struct {
	// Executable is the maintenance helper, invoked as
	// "<Executable> maintenance <root> --task <task> --internal_use_only <json>".
	Executable string

	ServiceName string

	Launcher Launcher
	Resolve  Resolver // defaults to ResolveIdentity
	Recorder Recorder // optional

	// Timeout bounds a single run. Zero means no limit beyond ctx.
	Timeout time.Duration

	Logger zerolog.Logger
}

// Job is one requested maintenance run.
type Job struct {
	Task     Task
	RepoRoot string
	Owner    string
	SweepID  string // groups runs of one sweep in the audit log
}

// Outcome describes a finished (or refused) run.
type Outcome struct {
	RunID   string
	Job     Job
	Result  Result
	Success bool
}

// Dispatcher launches the maintenance helper. It never retries; the next
// scheduled sweep is the retry.
type Dispatcher struct {
	opts   Options
	logger zerolog.Logger

	mu       sync.Mutex
	inFlight map[string]int
}

// New creates a Dispatcher. A nil Launcher falls back to CredentialLauncher.
func New(opts Options) *Dispatcher {
	if opts.Launcher == nil {
		opts.Launcher = CredentialLauncher{}
	}
	if opts.Resolve == nil {
		opts.Resolve = ResolveIdentity
	}
	if opts.ServiceName == "" {
		opts.ServiceName = DefaultServiceName
	}
	return &Dispatcher{
		opts:     opts,
		logger:   logging.Component(opts.Logger, "dispatch"),
		inFlight: make(map[string]int),
	}
}

// CallMaintenance runs one task for one repository and reports success.
// Failures are logged and recorded, never returned.
func (d *Dispatcher) CallMaintenance(ctx context.Context, task Task, repoRoot, owner string) bool {
	out, _ := d.Run(ctx, Job{Task: task, RepoRoot: repoRoot, Owner: owner})
	return out.Success
}

// Run executes a job and returns its outcome. The error is nil exactly when
// the helper exited 0.
func (d *Dispatcher) Run(ctx context.Context, job Job) (Outcome, error) {
	out := Outcome{RunID: uuid.NewString(), Job: job, Result: Result{ExitCode: -1}}
	started := time.Now()

	log := d.logger.With().
		Str("run_id", out.RunID).
		Str("task", string(job.Task)).
		Str("enlistment_root", job.RepoRoot).
		Str("owner", job.Owner).
		Logger()
	if job.SweepID != "" {
		log = log.With().Str("sweep_id", job.SweepID).Logger()
	}

	err := d.run(ctx, job, &out)
	if out.Result.Duration == 0 {
		out.Result.Duration = time.Since(started)
	}
	out.Success = err == nil

	if err != nil {
		log.Error().Err(err).
			Int("exit_code", out.Result.ExitCode).
			Str("stderr", out.Result.Stderr).
			Str("stdout", out.Result.Stdout).
			Msg("maintenance failed")
	} else {
		log.Info().Dur("duration", out.Result.Duration).Msg("maintenance completed")
	}
	d.record(log, started, out, err)
	return out, err
}

func (d *Dispatcher) run(ctx context.Context, job Job, out *Outcome) error {
	args, err := BuildArgs(job.Task, job.RepoRoot, InternalParams{
		ServiceName:      d.opts.ServiceName,
		StartedByService: true,
	})
	if err != nil {
		return err
	}
	if d.opts.Executable == "" {
		return apperrors.New(apperrors.CodeDispatchLaunchFailed, "no maintenance executable configured")
	}

	id, err := d.opts.Resolve(job.Owner)
	if err != nil {
		return err
	}

	if d.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.opts.Timeout)
		defer cancel()
	}

	d.track(job.RepoRoot, 1)
	defer d.track(job.RepoRoot, -1)

	res, err := d.opts.Launcher.LaunchAs(ctx, id, Command{
		Path: d.opts.Executable,
		Args: args,
		Dir:  job.RepoRoot,
	})
	out.Result = res
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return apperrors.NonZeroExit(res.ExitCode, firstNonEmpty(res.Stderr, res.Stdout))
	}
	return nil
}

func (d *Dispatcher) record(log zerolog.Logger, started time.Time, out Outcome, runErr error) {
	if d.opts.Recorder == nil {
		return
	}
	run := &storage.MaintenanceRun{
		RunID:          out.RunID,
		SweepID:        out.Job.SweepID,
		Task:           string(out.Job.Task),
		EnlistmentRoot: out.Job.RepoRoot,
		Owner:          out.Job.Owner,
		ExitCode:       out.Result.ExitCode,
		Success:        out.Success,
		Stdout:         out.Result.Stdout,
		Stderr:         out.Result.Stderr,
		StartedAt:      started,
		Duration:       out.Result.Duration,
	}
	if runErr != nil {
		run.Error = runErr.Error()
	}
	if err := d.opts.Recorder.RecordMaintenance(run); err != nil {
		log.Warn().Err(err).Msg("failed to record maintenance run")
	}
}

func (d *Dispatcher) track(root string, delta int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.inFlight[root] += delta
	if d.inFlight[root] <= 0 {
		delete(d.inFlight, root)
	}
}

// InFlight returns the number of helper processes currently running for root.
func (d *Dispatcher) InFlight(root string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inFlight[root]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
