package dispatch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/scalar/service/internal/errors"
)

// Command is one process to run on behalf of an identity.
type Command struct {
	Path string
	Args []string
	Dir  string
	Env  []string // appended after the identity's HOME/USER entries
}

func (c Command) String() string {
	return strings.Join(append([]string{c.Path}, c.Args...), " ")
}

// Result is what a finished process left behind. Stdout and Stderr hold the
// tail of each stream.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Launcher runs commands as another local account.
//
// LaunchAs waits for the process and returns its result; a non-zero exit is
// reported through Result, not as an error. StartAs starts the process
// detached and returns its pid.
type Launcher interface {
	LaunchAs(ctx context.Context, id Identity, cmd Command) (Result, error)
	StartAs(id Identity, cmd Command) (int, error)
}

// Launch strategies accepted by NewLauncher.
const (
	StrategyCredential = "credential"
	StrategySudo       = "sudo"
	StrategyDirect     = "direct"
)

// NewLauncher returns the launcher for a configured strategy name.
func NewLauncher(strategy string) (Launcher, error) {
	switch strings.ToLower(strategy) {
	case "", StrategyCredential:
		return CredentialLauncher{}, nil
	case StrategySudo:
		return SudoLauncher{}, nil
	case StrategyDirect:
		return DirectLauncher{}, nil
	default:
		return nil, fmt.Errorf("unknown launch strategy %q (expected credential, sudo or direct)", strategy)
	}
}

// CredentialLauncher switches uid, gid and groups in the child. The service
// must run as root unless the identity is its own.
type CredentialLauncher struct{}

func (l CredentialLauncher) build(ctx context.Context, id Identity, cmd Command) (*exec.Cmd, error) {
	c := newExecCmd(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = mergeEnv(os.Environ(), id.Env(), cmd.Env)
	if id.IsCurrent() {
		return c, nil
	}
	if os.Geteuid() != 0 {
		return nil, identityMismatch(id, "switching accounts requires root")
	}
	setCredential(c, id)
	return c, nil
}

func (l CredentialLauncher) LaunchAs(ctx context.Context, id Identity, cmd Command) (Result, error) {
	c, err := l.build(ctx, id, cmd)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	return runCommand(ctx, c)
}

func (l CredentialLauncher) StartAs(id Identity, cmd Command) (int, error) {
	c, err := l.build(context.Background(), id, cmd)
	if err != nil {
		return 0, err
	}
	return startDetached(c)
}

// SudoLauncher wraps the command in a non-interactive sudo.
type SudoLauncher struct {
	// SudoPath defaults to "sudo" on PATH.
	SudoPath string
}

// Wrap returns the command sudo would be invoked with.
func (l SudoLauncher) Wrap(id Identity, cmd Command) Command {
	if id.IsCurrent() {
		return cmd
	}
	sudo := l.SudoPath
	if sudo == "" {
		sudo = "sudo"
	}
	args := []string{"-n", "-H", "-u", "#" + strconv.FormatUint(uint64(id.UID), 10), "--", cmd.Path}
	return Command{
		Path: sudo,
		Args: append(args, cmd.Args...),
		Dir:  cmd.Dir,
		Env:  cmd.Env,
	}
}

func (l SudoLauncher) build(ctx context.Context, id Identity, cmd Command) *exec.Cmd {
	wrapped := l.Wrap(id, cmd)
	c := newExecCmd(ctx, wrapped.Path, wrapped.Args...)
	c.Dir = wrapped.Dir
	c.Env = mergeEnv(os.Environ(), wrapped.Env)
	return c
}

func (l SudoLauncher) LaunchAs(ctx context.Context, id Identity, cmd Command) (Result, error) {
	return runCommand(ctx, l.build(ctx, id, cmd))
}

func (l SudoLauncher) StartAs(id Identity, cmd Command) (int, error) {
	return startDetached(l.build(context.Background(), id, cmd))
}

// DirectLauncher runs as the service's own account and refuses any other
// identity.
type DirectLauncher struct{}

func (l DirectLauncher) build(ctx context.Context, id Identity, cmd Command) (*exec.Cmd, error) {
	if !id.IsCurrent() {
		return nil, identityMismatch(id, "direct launch only runs as the current user")
	}
	c := newExecCmd(ctx, cmd.Path, cmd.Args...)
	c.Dir = cmd.Dir
	c.Env = mergeEnv(os.Environ(), cmd.Env)
	return c, nil
}

func (l DirectLauncher) LaunchAs(ctx context.Context, id Identity, cmd Command) (Result, error) {
	c, err := l.build(ctx, id, cmd)
	if err != nil {
		return Result{ExitCode: -1}, err
	}
	return runCommand(ctx, c)
}

func (l DirectLauncher) StartAs(id Identity, cmd Command) (int, error) {
	c, err := l.build(context.Background(), id, cmd)
	if err != nil {
		return 0, err
	}
	return startDetached(c)
}

// newExecCmd binds the process to ctx. Detached starts pass
// context.Background so the child outlives the caller.
func newExecCmd(ctx context.Context, path string, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, path, args...)
}

// runCommand waits for c and captures the tail of both streams.
func runCommand(ctx context.Context, c *exec.Cmd) (Result, error) {
	stdout := newTailBuffer(defaultTailLines)
	stderr := newTailBuffer(defaultTailLines)
	c.Stdout = stdout
	c.Stderr = stderr

	start := time.Now()
	err := c.Run()
	res := Result{
		ExitCode: 0,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	if err == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		if ctx.Err() != nil {
			return res, apperrors.LaunchFailed(c.Path, ctx.Err())
		}
		return res, nil
	}
	res.ExitCode = -1
	return res, apperrors.LaunchFailed(c.Path, err)
}

// startDetached starts c in its own process group and reaps it in the
// background.
func startDetached(c *exec.Cmd) (int, error) {
	detach(c)
	if err := c.Start(); err != nil {
		return 0, apperrors.LaunchFailed(c.Path, err)
	}
	pid := c.Process.Pid
	go func() { _ = c.Wait() }()
	return pid, nil
}

// mergeEnv appends env groups in order; a later KEY= replaces an earlier one.
func mergeEnv(groups ...[]string) []string {
	index := make(map[string]int)
	var out []string
	for _, group := range groups {
		for _, kv := range group {
			key, _, _ := strings.Cut(kv, "=")
			if i, ok := index[key]; ok {
				out[i] = kv
				continue
			}
			index[key] = len(out)
			out = append(out, kv)
		}
	}
	return out
}

func identityMismatch(id Identity, reason string) error {
	return apperrors.New(apperrors.CodeDispatchIdentityMismatch,
		fmt.Sprintf("cannot run as %s (uid %d): %s", id.Owner, id.UID, reason))
}
