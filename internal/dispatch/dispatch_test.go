package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/scalar/service/internal/errors"
	"github.com/scalar/service/internal/storage"
)

func TestParseTask(t *testing.T) {
	tests := []struct {
		in      string
		want    Task
		wantErr bool
	}{
		{"fetch", TaskFetch, false},
		{"Loose-Objects", TaskLooseObjects, false},
		{" pack-files ", TaskPackFiles, false},
		{"commit-graph", TaskCommitGraph, false},
		{"config", TaskConfig, false},
		{"gc", "", true},
		{"", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTask(tt.in)
			if tt.wantErr {
				if !apperrors.IsCode(err, apperrors.CodeDispatchInvalidTask) {
					t.Fatalf("ParseTask(%q) error = %v, want invalid_task", tt.in, err)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Fatalf("ParseTask(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
			}
		})
	}
}

func TestRespectsPause(t *testing.T) {
	if TaskConfig.RespectsPause() {
		t.Error("config should ignore the maintenance pause")
	}
	if !TaskFetch.RespectsPause() {
		t.Error("fetch should respect the maintenance pause")
	}
}

func TestBuildArgs(t *testing.T) {
	args, err := BuildArgs(TaskPackFiles, "/repos/a", InternalParams{ServiceName: "Scalar.Service", StartedByService: true})
	if err != nil {
		t.Fatalf("BuildArgs failed: %v", err)
	}
	want := []string{
		"maintenance", "/repos/a",
		"--task", "pack-files",
		"--internal_use_only", `{"ServiceName":"Scalar.Service","StartedByService":true}`,
	}
	if strings.Join(args, "\x00") != strings.Join(want, "\x00") {
		t.Fatalf("BuildArgs = %q, want %q", args, want)
	}

	var params InternalParams
	if err := json.Unmarshal([]byte(args[5]), &params); err != nil || !params.StartedByService {
		t.Errorf("internal params did not round-trip: %+v, %v", params, err)
	}

	if _, err := BuildArgs("defrag", "/repos/a", InternalParams{}); err == nil {
		t.Error("expected error for unknown task")
	}
}

func TestTailBuffer(t *testing.T) {
	b := newTailBuffer(3)
	b.Write([]byte("one\ntwo\r\nthr"))
	b.Write([]byte("ee\nfour\nfive"))

	got := b.Lines()
	want := []string{"two", "three", "four", "five"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("Lines() = %q, want %q", got, want)
	}
	if b.String() != "two\nthree\nfour\nfive" {
		t.Errorf("String() = %q", b.String())
	}
}

func TestTailBufferEmpty(t *testing.T) {
	if got := newTailBuffer(0).String(); got != "" {
		t.Errorf("empty buffer String() = %q", got)
	}
}

func TestMergeEnv(t *testing.T) {
	got := mergeEnv(
		[]string{"PATH=/bin", "HOME=/root"},
		[]string{"HOME=/home/u", "USER=u"},
		nil,
	)
	want := "PATH=/bin,HOME=/home/u,USER=u"
	if strings.Join(got, ",") != want {
		t.Fatalf("mergeEnv = %q, want %s", got, want)
	}
}

func TestIdentityEnv(t *testing.T) {
	id := Identity{Username: "dev", HomeDir: "/home/dev"}
	want := "HOME=/home/dev,USER=dev,LOGNAME=dev"
	if got := strings.Join(id.Env(), ","); got != want {
		t.Errorf("Env() = %s, want %s", got, want)
	}
}

func TestResolveIdentityRejectsEmpty(t *testing.T) {
	_, err := ResolveIdentity("  ")
	if !apperrors.IsCode(err, apperrors.CodeDispatchInvalidIdentity) {
		t.Fatalf("expected invalid_identity, got %v", err)
	}
}

func TestResolveIdentityUnknownName(t *testing.T) {
	_, err := ResolveIdentity("no-such-user-scalar-test")
	if !apperrors.IsCode(err, apperrors.CodeDispatchInvalidIdentity) {
		t.Fatalf("expected invalid_identity, got %v", err)
	}
}

func TestSudoLauncherWrap(t *testing.T) {
	other := Identity{Owner: "501", UID: uint32(os.Getuid()) + 1}
	cmd := Command{Path: "/usr/local/bin/scalar", Args: []string{"maintenance", "/r"}, Dir: "/r"}

	wrapped := SudoLauncher{}.Wrap(other, cmd)
	want := "sudo -n -H -u #" + strconv.FormatUint(uint64(other.UID), 10) + " -- /usr/local/bin/scalar maintenance /r"
	if wrapped.String() != want {
		t.Fatalf("Wrap = %q, want %q", wrapped.String(), want)
	}
	if wrapped.Dir != "/r" {
		t.Errorf("Dir = %q, want /r", wrapped.Dir)
	}

	self := currentIdentity()
	if got := (SudoLauncher{SudoPath: "/usr/bin/sudo"}).Wrap(self, cmd); got.Path != cmd.Path {
		t.Errorf("wrapping the current user should be a no-op, got %q", got.String())
	}
}

func TestNewLauncher(t *testing.T) {
	for name, want := range map[string]Launcher{
		"":           CredentialLauncher{},
		"credential": CredentialLauncher{},
		"SUDO":       SudoLauncher{},
		"direct":     DirectLauncher{},
	} {
		got, err := NewLauncher(name)
		if err != nil {
			t.Fatalf("NewLauncher(%q) failed: %v", name, err)
		}
		if got != want {
			t.Errorf("NewLauncher(%q) = %T, want %T", name, got, want)
		}
	}
	if _, err := NewLauncher("launchctl"); err == nil {
		t.Error("expected error for unknown strategy")
	}
}

func TestDirectLauncherRefusesOtherUser(t *testing.T) {
	other := Identity{Owner: "someone", UID: uint32(os.Getuid()) + 1}
	_, err := DirectLauncher{}.LaunchAs(context.Background(), other, Command{Path: "/bin/true"})
	if !apperrors.IsCode(err, apperrors.CodeDispatchIdentityMismatch) {
		t.Fatalf("expected identity_mismatch, got %v", err)
	}
}

func TestDirectLauncherCapturesExit(t *testing.T) {
	res, err := DirectLauncher{}.LaunchAs(context.Background(), currentIdentity(), Command{
		Path: "/bin/sh",
		Args: []string{"-c", "echo out; echo err >&2; exit 3"},
		Dir:  t.TempDir(),
	})
	if err != nil {
		t.Fatalf("LaunchAs failed: %v", err)
	}
	if res.ExitCode != 3 || res.Stdout != "out" || res.Stderr != "err" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestDirectLauncherMissingExecutable(t *testing.T) {
	res, err := DirectLauncher{}.LaunchAs(context.Background(), currentIdentity(), Command{Path: "/nonexistent/scalar"})
	if !apperrors.IsCode(err, apperrors.CodeDispatchLaunchFailed) {
		t.Fatalf("expected launch_failed, got %v", err)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
}

func TestDirectLauncherStartAs(t *testing.T) {
	pid, err := DirectLauncher{}.StartAs(currentIdentity(), Command{Path: "/bin/sh", Args: []string{"-c", "exit 0"}})
	if err != nil {
		t.Fatalf("StartAs failed: %v", err)
	}
	if pid <= 0 {
		t.Errorf("pid = %d", pid)
	}
}

// fakeLauncher records calls and returns a canned result.
type fakeLauncher struct {
	mu      sync.Mutex
	calls   []Command
	ids     []Identity
	result  Result
	err     error
	block   chan struct{}
	started chan struct{}
}

func (f *fakeLauncher) LaunchAs(ctx context.Context, id Identity, cmd Command) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	f.ids = append(f.ids, id)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.block != nil {
		<-f.block
	}
	return f.result, f.err
}

func (f *fakeLauncher) StartAs(id Identity, cmd Command) (int, error) {
	return 0, errors.New("not used")
}

type fakeRecorder struct {
	mu   sync.Mutex
	runs []*storage.MaintenanceRun
}

func (r *fakeRecorder) RecordMaintenance(run *storage.MaintenanceRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, run)
	return nil
}

func staticResolver(id Identity) Resolver {
	return func(owner string) (Identity, error) {
		id.Owner = owner
		return id, nil
	}
}

func newTestDispatcher(l Launcher, rec Recorder) *Dispatcher {
	return New(Options{
		Executable: "/usr/local/bin/scalar",
		Launcher:   l,
		Resolve:    staticResolver(Identity{UID: 501, GID: 20}),
		Recorder:   rec,
		Logger:     zerolog.Nop(),
	})
}

func TestDispatcherSuccess(t *testing.T) {
	launcher := &fakeLauncher{result: Result{ExitCode: 0, Duration: time.Second}}
	rec := &fakeRecorder{}
	d := newTestDispatcher(launcher, rec)

	if !d.CallMaintenance(context.Background(), TaskFetch, "/repos/a", "501") {
		t.Fatal("CallMaintenance should succeed on exit 0")
	}

	if len(launcher.calls) != 1 {
		t.Fatalf("expected 1 launch, got %d", len(launcher.calls))
	}
	call := launcher.calls[0]
	if call.Path != "/usr/local/bin/scalar" || call.Dir != "/repos/a" {
		t.Errorf("unexpected command: %+v", call)
	}
	if call.Args[0] != "maintenance" || call.Args[3] != "fetch" {
		t.Errorf("unexpected args: %q", call.Args)
	}
	if !strings.Contains(call.Args[5], `"ServiceName":"Scalar.Service"`) {
		t.Errorf("default service name missing: %s", call.Args[5])
	}
	if launcher.ids[0].Owner != "501" {
		t.Errorf("launched as %q, want 501", launcher.ids[0].Owner)
	}

	if len(rec.runs) != 1 || !rec.runs[0].Success || rec.runs[0].Task != "fetch" || rec.runs[0].RunID == "" {
		t.Fatalf("unexpected recorded runs: %+v", rec.runs)
	}
}

func TestDispatcherNonZeroExit(t *testing.T) {
	launcher := &fakeLauncher{result: Result{ExitCode: 2, Stderr: "fatal: not a git repository"}}
	rec := &fakeRecorder{}
	d := newTestDispatcher(launcher, rec)

	out, err := d.Run(context.Background(), Job{Task: TaskCommitGraph, RepoRoot: "/repos/b", Owner: "501", SweepID: "s1"})
	if !apperrors.IsCode(err, apperrors.CodeDispatchNonZeroExit) {
		t.Fatalf("expected non_zero_exit, got %v", err)
	}
	if out.Success || out.Result.ExitCode != 2 {
		t.Errorf("unexpected outcome: %+v", out)
	}
	if !strings.Contains(err.Error(), "not a git repository") {
		t.Errorf("error should carry stderr: %v", err)
	}
	if len(rec.runs) != 1 || rec.runs[0].Success || rec.runs[0].SweepID != "s1" || rec.runs[0].Error == "" {
		t.Fatalf("unexpected recorded runs: %+v", rec.runs)
	}
}

func TestDispatcherLaunchFailure(t *testing.T) {
	launcher := &fakeLauncher{result: Result{ExitCode: -1}, err: apperrors.LaunchFailed("scalar", errors.New("exec format error"))}
	d := newTestDispatcher(launcher, nil)

	if d.CallMaintenance(context.Background(), TaskFetch, "/repos/a", "501") {
		t.Fatal("CallMaintenance should fail when the launch fails")
	}
}

func TestDispatcherRejectsBeforeLaunch(t *testing.T) {
	launcher := &fakeLauncher{}
	rec := &fakeRecorder{}
	d := newTestDispatcher(launcher, rec)

	_, err := d.Run(context.Background(), Job{Task: "gc", RepoRoot: "/repos/a", Owner: "501"})
	if !apperrors.IsCode(err, apperrors.CodeDispatchInvalidTask) {
		t.Fatalf("expected invalid_task, got %v", err)
	}

	d.opts.Resolve = func(owner string) (Identity, error) { return Identity{}, apperrors.InvalidIdentity(owner, nil) }
	_, err = d.Run(context.Background(), Job{Task: TaskFetch, RepoRoot: "/repos/a", Owner: "ghost"})
	if !apperrors.IsCode(err, apperrors.CodeDispatchInvalidIdentity) {
		t.Fatalf("expected invalid_identity, got %v", err)
	}

	if len(launcher.calls) != 0 {
		t.Errorf("launcher should not be called, got %d calls", len(launcher.calls))
	}
	if len(rec.runs) != 2 {
		t.Errorf("refused runs should still be recorded, got %d", len(rec.runs))
	}
}

func TestDispatcherNoExecutable(t *testing.T) {
	d := New(Options{Launcher: &fakeLauncher{}, Resolve: staticResolver(Identity{}), Logger: zerolog.Nop()})
	_, err := d.Run(context.Background(), Job{Task: TaskFetch, RepoRoot: "/r", Owner: "1"})
	if !apperrors.IsCode(err, apperrors.CodeDispatchLaunchFailed) {
		t.Fatalf("expected launch_failed, got %v", err)
	}
}

func TestDispatcherInFlight(t *testing.T) {
	launcher := &fakeLauncher{block: make(chan struct{}), started: make(chan struct{}, 1)}
	d := newTestDispatcher(launcher, nil)

	done := make(chan bool)
	go func() { done <- d.CallMaintenance(context.Background(), TaskFetch, "/repos/a", "501") }()

	<-launcher.started
	if got := d.InFlight("/repos/a"); got != 1 {
		t.Errorf("InFlight during run = %d, want 1", got)
	}
	close(launcher.block)
	<-done

	if got := d.InFlight("/repos/a"); got != 0 {
		t.Errorf("InFlight after run = %d, want 0", got)
	}
}

func currentIdentity() Identity {
	return Identity{Owner: "self", UID: uint32(os.Getuid()), GID: uint32(os.Getgid())}
}
