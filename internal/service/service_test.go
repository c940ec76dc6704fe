package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/scalar/service/internal/dispatch"
	apperrors "github.com/scalar/service/internal/errors"
	"github.com/scalar/service/internal/ipc"
	"github.com/scalar/service/internal/message"
	"github.com/scalar/service/internal/registry"
)

// fakeMounter mounts instantly unless a gate is set.
type fakeMounter struct {
	mu          sync.Mutex
	mountGate   chan struct{}
	unmountGate chan struct{}
	mountErr    error
	unmountErr  error
	info        MountInfo
	mounted     []string
	unmounted   []string
}

func (f *fakeMounter) Mount(ctx context.Context, root, owner string) (MountInfo, error) {
	f.mu.Lock()
	gate := f.mountGate
	f.mounted = append(f.mounted, root)
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return MountInfo{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.info, f.mountErr
}

func (f *fakeMounter) set(fn func(*fakeMounter)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeMounter) Unmount(ctx context.Context, root string) error {
	f.mu.Lock()
	gate := f.unmountGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unmounted = append(f.unmounted, root)
	return f.unmountErr
}

func (f *fakeMounter) unmountedRoots() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unmounted...)
}

type fakeMaintainer struct {
	mu       sync.Mutex
	jobs     []dispatch.Job
	fail     map[string]bool
	inFlight int
}

func (f *fakeMaintainer) Run(ctx context.Context, job dispatch.Job) (dispatch.Outcome, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, job)
	if f.fail[job.RepoRoot] {
		return dispatch.Outcome{Job: job}, apperrors.NonZeroExit(1, "boom")
	}
	return dispatch.Outcome{Job: job, Success: true}, nil
}

func (f *fakeMaintainer) InFlight(root string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inFlight
}

func (f *fakeMaintainer) roots() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, j := range f.jobs {
		out = append(out, j.RepoRoot)
	}
	return out
}

type sentNotification struct {
	session string
	req     message.NotificationRequest
}

type fakeRelay struct {
	sent chan sentNotification
}

func (f *fakeRelay) SendNotification(ctx context.Context, sessionID string, req message.NotificationRequest) {
	f.sent <- sentNotification{session: sessionID, req: req}
}

type harness struct {
	svc     *Service
	reg     *registry.Registry
	channel string
	mounter *fakeMounter
	maint   *fakeMaintainer
	relay   *fakeRelay
	done    chan error
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	return registry.New(registry.Options{
		DataDir:   t.TempDir(),
		Normalize: registry.CleanOnly,
		Logger:    zerolog.Nop(),
	})
}

func tempSocketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("/tmp", "scalar-svc-")
	if err != nil {
		dir = t.TempDir()
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "service.sock")
}

func startService(t *testing.T, configure func(*Options)) *harness {
	t.Helper()
	h := &harness{
		reg:     newRegistry(t),
		channel: tempSocketPath(t),
		mounter: &fakeMounter{info: MountInfo{RepoURL: "https://example.com/repo", DiskLayoutVersion: "1.0"}},
		maint:   &fakeMaintainer{},
		relay:   &fakeRelay{sent: make(chan sentNotification, 16)},
		done:    make(chan error, 1),
	}
	opts := Options{
		Registry:        h.reg,
		Dispatcher:      h.maint,
		Relay:           h.relay,
		Mounter:         h.mounter,
		Channel:         h.channel,
		Authorize:       allowAnyOwner,
		DisableSchedule: true,
		Logger:          zerolog.Nop(),
	}
	if configure != nil {
		configure(&opts)
	}
	h.svc = New(opts)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { h.done <- h.svc.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(5 * time.Second):
			t.Error("service did not stop")
		}
	})

	eventually(t, func() bool {
		_, err := os.Stat(h.channel)
		return err == nil
	})
	return h
}

// allowAnyOwner lets tests register owners that are not local accounts.
func allowAnyOwner(ipc.PeerCred, string) error { return nil }

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met within 5s")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (h *harness) request(t *testing.T, msg message.Message) message.Message {
	t.Helper()
	conn, err := ipc.Connect(context.Background(), h.channel, time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer conn.Close()
	reply, err := conn.Request(msg)
	if err != nil {
		t.Fatalf("Request(%s) failed: %v", msg.Header, err)
	}
	return reply
}

func (h *harness) register(t *testing.T, root, owner string) message.RegisterRepoResponse {
	t.Helper()
	msg, err := message.RegisterRepoRequest{EnlistmentRoot: root, OwnerSID: owner}.ToMessage()
	if err != nil {
		t.Fatal(err)
	}
	reply := h.request(t, msg)
	if reply.Header != message.HeaderRegisterRepoResponse {
		t.Fatalf("reply header = %q", reply.Header)
	}
	resp, err := message.Unmarshal[message.RegisterRepoResponse](reply)
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func (h *harness) status(t *testing.T, root string) message.Message {
	t.Helper()
	msg, _ := message.GetStatusRequest{EnlistmentRoot: root}.ToMessage()
	return h.request(t, msg)
}

func (h *harness) mountStatus(t *testing.T, root string) string {
	t.Helper()
	reply := h.status(t, root)
	if reply.Header == message.HeaderMountNotReady {
		return message.HeaderMountNotReady
	}
	resp, err := message.Unmarshal[message.GetStatusResponse](reply)
	if err != nil {
		t.Fatalf("bad status reply %q: %v", reply.String(), err)
	}
	return resp.MountStatus
}

func TestRegisterMountsAndReportsStatus(t *testing.T) {
	gate := make(chan struct{})
	h := startService(t, nil)
	h.mounter.set(func(m *fakeMounter) { m.mountGate = gate })
	h.maint.mu.Lock()
	h.maint.inFlight = 2
	h.maint.mu.Unlock()

	if got := h.mountStatus(t, "/repos/a"); got != message.HeaderMountNotReady {
		t.Fatalf("status before register = %q, want MountNotReady", got)
	}

	resp := h.register(t, "/repos/a", "U1")
	if resp.State != message.Success {
		t.Fatalf("register failed: %+v", resp)
	}

	if got := h.mountStatus(t, "/repos/a"); got != message.StatusMounting {
		t.Fatalf("status while mounting = %q, want Mounting", got)
	}
	close(gate)
	eventually(t, func() bool { return h.mountStatus(t, "/repos/a") == message.StatusReady })

	status, err := message.Unmarshal[message.GetStatusResponse](h.status(t, "/repos/a"))
	if err != nil {
		t.Fatal(err)
	}
	if status.EnlistmentRoot != "/repos/a" || status.RepoUrl != "https://example.com/repo" ||
		status.DiskLayoutVersion != "1.0" || status.BackgroundOperationCount != 2 {
		t.Errorf("unexpected status: %+v", status)
	}

	if got := h.mountStatus(t, "/repos/other"); got != message.HeaderMountNotReady {
		t.Errorf("unknown root status = %q, want MountNotReady", got)
	}
}

func TestRegisteredWithoutMounterIsNotReady(t *testing.T) {
	h := startService(t, func(o *Options) { o.Mounter = nil })

	if resp := h.register(t, "/repos/a", "U1"); resp.State != message.Success {
		t.Fatalf("register failed: %+v", resp)
	}
	if got := h.mountStatus(t, "/repos/a"); got != message.HeaderMountNotReady {
		t.Errorf("status = %q, want MountNotReady", got)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	h := startService(t, nil)

	h.register(t, "/repos/a", "U1")
	resp := h.register(t, "/repos/a/", "U2")
	if resp.State != message.Failure || !strings.Contains(resp.ErrorMessage, "is already registered") {
		t.Fatalf("expected already_registered failure, got %+v", resp)
	}
}

func TestMalformedBodyGetsFailure(t *testing.T) {
	h := startService(t, nil)

	reply := h.request(t, message.New(message.HeaderRegisterRepo, "{not json"))
	resp, err := message.Unmarshal[message.RegisterRepoResponse](reply)
	if err != nil {
		t.Fatal(err)
	}
	if resp.State != message.Failure || !strings.Contains(resp.ErrorMessage, "malformed body") {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestUnknownHeader(t *testing.T) {
	h := startService(t, nil)

	reply := h.request(t, message.New("UnknownHeader", "{}"))
	if reply.String() != message.HeaderUnknownRequest {
		t.Fatalf("reply = %q, want UnknownRequest", reply.String())
	}
}

func TestGetActiveRepoList(t *testing.T) {
	h := startService(t, func(o *Options) { o.Mounter = nil })
	h.register(t, "/repos/a", "U1")
	h.register(t, "/repos/b", "U2")
	h.register(t, "/repos/c", "u1")

	list := func(body *message.GetActiveRepoListRequest) []string {
		msg := message.NewHeaderOnly(message.HeaderGetActiveRepoList)
		if body != nil {
			msg, _ = body.ToMessage()
		}
		resp, err := message.Unmarshal[message.GetActiveRepoListResponse](h.request(t, msg))
		if err != nil {
			t.Fatal(err)
		}
		if resp.State != message.Success {
			t.Fatalf("list failed: %+v", resp)
		}
		return resp.RepoList
	}

	if got := strings.Join(list(nil), ","); got != "/repos/a,/repos/b,/repos/c" {
		t.Errorf("all = %s", got)
	}
	if got := strings.Join(list(&message.GetActiveRepoListRequest{OwnerSID: "U1"}), ","); got != "/repos/a,/repos/c" {
		t.Errorf("U1 = %s", got)
	}
	if got := list(&message.GetActiveRepoListRequest{OwnerSID: "nobody"}); len(got) != 0 {
		t.Errorf("nobody = %v", got)
	}
}

func TestUnregisterUnmountsAndRemoves(t *testing.T) {
	h := startService(t, nil)
	h.register(t, "/repos/a", "U1")
	eventually(t, func() bool { return h.mountStatus(t, "/repos/a") == message.StatusReady })

	unregister := func() message.UnregisterRepoResponse {
		msg, _ := message.UnregisterRepoRequest{EnlistmentRoot: "/repos/a"}.ToMessage()
		resp, err := message.Unmarshal[message.UnregisterRepoResponse](h.request(t, msg))
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	if resp := unregister(); resp.State != message.Success {
		t.Fatalf("unregister failed: %+v", resp)
	}
	if got := h.mounter.unmountedRoots(); len(got) != 1 || got[0] != "/repos/a" {
		t.Errorf("unmounted = %v", got)
	}
	if got := h.mountStatus(t, "/repos/a"); got != message.HeaderMountNotReady {
		t.Errorf("status after unregister = %q", got)
	}
	regs, _ := h.reg.GetAll(context.Background())
	if len(regs) != 0 {
		t.Errorf("registry not empty: %+v", regs)
	}

	if resp := unregister(); resp.State != message.Success {
		t.Errorf("second unregister should succeed: %+v", resp)
	}
}

func unmountRequest(t *testing.T, channel, root string) (*ipc.Conn, message.Message) {
	t.Helper()
	conn, err := ipc.Connect(context.Background(), channel, time.Second)
	if err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	msg, _ := message.UnmountRequest{EnlistmentRoot: root}.ToMessage()
	reply, err := conn.Request(msg)
	if err != nil {
		conn.Close()
		t.Fatalf("Unmount request failed: %v", err)
	}
	return conn, reply
}

func TestUnmountStateMachine(t *testing.T) {
	h := startService(t, nil)

	conn, reply := unmountRequest(t, h.channel, "/repos/a")
	conn.Close()
	if reply.Header != message.UnmountNotMounted {
		t.Fatalf("unknown root reply = %q, want NotMounted", reply.Header)
	}

	h.register(t, "/repos/a", "U1")
	eventually(t, func() bool { return h.mountStatus(t, "/repos/a") == message.StatusReady })

	gate := make(chan struct{})
	h.mounter.set(func(m *fakeMounter) { m.unmountGate = gate })

	first, reply := unmountRequest(t, h.channel, "/repos/a")
	defer first.Close()
	if reply.Header != message.UnmountAcknowledged {
		t.Fatalf("first reply = %q, want Acknowledged", reply.Header)
	}

	if got := h.mountStatus(t, "/repos/a"); got != message.StatusUnmounting {
		t.Errorf("status during unmount = %q", got)
	}
	second, reply := unmountRequest(t, h.channel, "/repos/a")
	second.Close()
	if reply.Header != message.UnmountAlreadyUnmounting {
		t.Fatalf("concurrent reply = %q, want AlreadyUnmounting", reply.Header)
	}

	close(gate)
	done, err := first.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if done.Header != message.UnmountCompleted {
		t.Fatalf("final reply = %q, want Completed", done.Header)
	}

	regs, _ := h.reg.GetAll(context.Background())
	if len(regs) != 1 || regs[0].IsActive {
		t.Errorf("registration should remain but be inactive: %+v", regs)
	}
}

func TestUnmountWhileMounting(t *testing.T) {
	gate := make(chan struct{})
	defer close(gate)
	h := startService(t, nil)
	h.mounter.set(func(m *fakeMounter) { m.mountGate = gate })

	h.register(t, "/repos/a", "U1")
	conn, reply := unmountRequest(t, h.channel, "/repos/a")
	conn.Close()
	if reply.Header != message.UnmountNotMounted {
		t.Fatalf("reply = %q, want NotMounted", reply.Header)
	}
}

func TestUnmountFailureRestoresState(t *testing.T) {
	h := startService(t, nil)
	h.register(t, "/repos/a", "U1")
	eventually(t, func() bool { return h.mountStatus(t, "/repos/a") == message.StatusReady })

	h.mounter.set(func(m *fakeMounter) { m.unmountErr = errors.New("busy") })

	conn, reply := unmountRequest(t, h.channel, "/repos/a")
	defer conn.Close()
	if reply.Header != message.UnmountAcknowledged {
		t.Fatalf("reply = %q", reply.Header)
	}
	if _, err := conn.Receive(); err == nil {
		t.Error("expected the connection to close without Completed")
	}
	if got := h.mountStatus(t, "/repos/a"); got != message.StatusReady {
		t.Errorf("status after failed unmount = %q, want Ready", got)
	}
}

func TestMountOutcomeNotifiesActiveSession(t *testing.T) {
	h := startService(t, nil)
	h.svc.RegisterActiveUser(context.Background(), "U1", "17")

	h.register(t, "/repos/a", "U1")
	select {
	case n := <-h.relay.sent:
		if n.session != "17" || n.req.Id != message.MountSuccess || n.req.Enlistment != "/repos/a" {
			t.Errorf("unexpected notification: %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no mount notification")
	}

	h.mounter.set(func(m *fakeMounter) { m.mountErr = errors.New("no disk") })
	h.register(t, "/repos/b", "U1")
	select {
	case n := <-h.relay.sent:
		if n.req.Id != message.MountFailure || n.req.Enlistment != "/repos/b" {
			t.Errorf("unexpected notification: %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no failure notification")
	}
	eventually(t, func() bool { return h.mountStatus(t, "/repos/b") == message.StatusMountFailed })
}

func TestRegisterActiveUserAutomounts(t *testing.T) {
	h := startService(t, nil)
	ctx := context.Background()
	for _, root := range []string{"/repos/a", "/repos/b"} {
		if err := h.reg.TryRegister(ctx, root, "U1"); err != nil {
			t.Fatal(err)
		}
	}
	if err := h.reg.TryRegister(ctx, "/repos/other", "U2"); err != nil {
		t.Fatal(err)
	}

	h.svc.RegisterActiveUser(ctx, "U1", "3")

	select {
	case n := <-h.relay.sent:
		if n.req.Id != message.AutomountStart || n.req.EnlistmentCount != 2 {
			t.Errorf("unexpected first notification: %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no automount notification")
	}
	eventually(t, func() bool {
		return h.mountStatus(t, "/repos/a") == message.StatusReady && h.mountStatus(t, "/repos/b") == message.StatusReady
	})
	if got := h.mountStatus(t, "/repos/other"); got != message.HeaderMountNotReady {
		t.Errorf("other user's repo should not be mounted: %q", got)
	}

	owner, session, ok := h.svc.ActiveUser()
	if !ok || owner != "U1" || session != "3" {
		t.Errorf("ActiveUser() = %q, %q, %v", owner, session, ok)
	}
}

func TestNotificationRequestIsRelayed(t *testing.T) {
	h := startService(t, nil)

	send := func() {
		msg, _ := message.NotificationRequest{Id: message.UpgradeAvailable, NewVersion: "2.0"}.ToMessage()
		conn, err := ipc.Connect(context.Background(), h.channel, time.Second)
		if err != nil {
			t.Fatal(err)
		}
		defer conn.Close()
		if err := conn.Send(msg); err != nil {
			t.Fatal(err)
		}
		// The service closes without replying.
		if _, err := conn.Receive(); err == nil {
			t.Error("expected no reply to a notification")
		}
	}

	send()
	select {
	case n := <-h.relay.sent:
		t.Fatalf("notification without an active user should be dropped, got %+v", n)
	default:
	}

	h.svc.RegisterActiveUser(context.Background(), "U1", "5")
	send()
	select {
	case n := <-h.relay.sent:
		if n.session != "5" || n.req.NewVersion != "2.0" {
			t.Errorf("unexpected notification: %+v", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("notification not relayed")
	}
}

func TestShutdownStopsRun(t *testing.T) {
	reg := newRegistry(t)
	channel := tempSocketPath(t)
	svc := New(Options{Registry: reg, Channel: channel, DisableSchedule: true, Logger: zerolog.Nop()})

	done := make(chan error, 1)
	go func() { done <- svc.Run(context.Background()) }()
	eventually(t, func() bool {
		_, err := os.Stat(channel)
		return err == nil
	})

	svc.Shutdown()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after Shutdown")
	}
	if _, err := os.Stat(channel); !os.IsNotExist(err) {
		t.Errorf("socket should be removed, stat err = %v", err)
	}
}

func TestRunFailsWhenChannelInUse(t *testing.T) {
	h := startService(t, nil)
	svc := New(Options{Registry: h.reg, Channel: h.channel, DisableSchedule: true, Logger: zerolog.Nop()})
	err := svc.Run(context.Background())
	if !errors.Is(err, ipc.ErrInUse) {
		t.Fatalf("expected ErrInUse, got %v", err)
	}
}

func TestServiceSocketAcceptsAnyLocalAccount(t *testing.T) {
	h := startService(t, nil)

	info, err := os.Stat(h.channel)
	if err != nil {
		t.Fatalf("Stat failed: %v", err)
	}
	if info.Mode().Perm() != 0666 {
		t.Errorf("service socket mode = %o, want 0666", info.Mode().Perm())
	}
}

func TestRegisterChecksPeerCredentials(t *testing.T) {
	peers := make(chan ipc.PeerCred, 1)
	h := startService(t, func(o *Options) {
		o.Authorize = func(peer ipc.PeerCred, owner string) error {
			peers <- peer
			return apperrors.OwnerNotPermitted(owner, peer.UID, nil)
		}
	})

	resp := h.register(t, "/repos/a", "0")
	if resp.State != message.Failure || !strings.Contains(resp.ErrorMessage, "may not register") {
		t.Fatalf("expected refusal, got %+v", resp)
	}
	select {
	case peer := <-peers:
		if int(peer.UID) != os.Getuid() {
			t.Errorf("peer uid = %d, want %d", peer.UID, os.Getuid())
		}
	default:
		t.Fatal("authorizer was not consulted")
	}

	regs, _ := h.reg.GetAll(context.Background())
	if len(regs) != 0 {
		t.Errorf("refused registration was stored: %+v", regs)
	}
	h.mounter.set(func(f *fakeMounter) {
		if len(f.mounted) != 0 {
			t.Errorf("refused registration was mounted: %v", f.mounted)
		}
	})
}

func TestAuthorizeOwner(t *testing.T) {
	resolve := func(owner string) (dispatch.Identity, error) {
		switch owner {
		case "alice":
			return dispatch.Identity{Owner: owner, UID: 1000}, nil
		case "bob":
			return dispatch.Identity{Owner: owner, UID: 1001}, nil
		}
		return dispatch.Identity{}, apperrors.InvalidIdentity(owner, nil)
	}
	authorize := AuthorizeOwner(resolve)

	tests := []struct {
		name    string
		peerUID uint32
		owner   string
		allowed bool
	}{
		{"root for anyone", 0, "1000", true},
		{"root for a name", 0, "bob", true},
		{"self by uid", 1000, "1000", true},
		{"self by name", 1000, "alice", true},
		{"root owner from user", 1000, "0", false},
		{"other uid", 1000, "1001", false},
		{"other name", 1000, "bob", false},
		{"unknown name", 1000, "mallory", false},
		{"empty owner", 1000, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := authorize(ipc.PeerCred{UID: tt.peerUID}, tt.owner)
			if tt.allowed && err != nil {
				t.Errorf("expected allowed, got %v", err)
			}
			if !tt.allowed && !apperrors.IsCode(err, apperrors.CodeServiceNotPermitted) {
				t.Errorf("expected not permitted, got %v", err)
			}
		})
	}
}
