// Package service is the long-running control loop: it owns the registry
// and the service channel, routes requests, tracks mounts and runs
// maintenance sweeps for the active user.
package service

import (
	"context"
	"errors"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/scalar/service/internal/dispatch"
	"github.com/scalar/service/internal/ipc"
	"github.com/scalar/service/internal/logging"
	"github.com/scalar/service/internal/message"
	"github.com/scalar/service/internal/registry"
)

const (
	// DefaultWorkers bounds concurrent dispatches within one sweep.
	DefaultWorkers = 4

	// DefaultRequestTimeout bounds how long one request may take once it has
	// been received.
	DefaultRequestTimeout = 30 * time.Second

	// receiveTimeout bounds how long a client may take to send its request.
	receiveTimeout = 10 * time.Second
)

// Maintainer runs maintenance jobs. *dispatch.Dispatcher implements it.
type Maintainer interface {
	Run(ctx context.Context, job dispatch.Job) (dispatch.Outcome, error)
	InFlight(root string) int
}

// Notifier delivers notifications to a session's UI. *notify.Relay
// implements it.
type Notifier interface {
	SendNotification(ctx context.Context, sessionID string, req message.NotificationRequest)
}

// Options wires a Service. Registry and Channel are required.
type Options struct {
	Registry   *registry.Registry
	Dispatcher Maintainer
	Relay      Notifier // optional
	Mounter    Mounter  // optional; without it nothing is ever mounted

	// Channel is the service socket. Listen defaults to
	// ipc.PublicListenOptions so unprivileged clients can connect.
	Channel string
	Listen  ipc.ListenOptions

	// Authorize checks registrations against the peer's credentials.
	// Defaults to AuthorizeOwner(nil).
	Authorize Authorizer

	// Limiter gates accepted connections. Nil means unlimited.
	Limiter *rate.Limiter

	Workers        int
	RequestTimeout time.Duration

	// Schedule lists recurring sweeps. Nil uses DefaultSchedule; set
	// DisableSchedule to run none.
	Schedule        []ScheduledTask
	DisableSchedule bool

	Logger zerolog.Logger
}

// Service is the control loop. Create it with New and start it with Run.
type Service struct {
	opts   Options
	logger zerolog.Logger

	mounts *mountTable
	user   activeUser

	// sweepMu lets one sweep run at a time.
	sweepMu sync.Mutex

	// wg tracks connection handlers, background mounts and the scheduler.
	wg sync.WaitGroup

	mu     sync.Mutex
	cancel context.CancelFunc
	runCtx context.Context

	// dirExists is replaced in tests.
	dirExists func(path string) bool
}

// New creates a Service. It does not touch the filesystem.
func New(opts Options) *Service {
	if opts.Workers <= 0 {
		opts.Workers = DefaultWorkers
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	if opts.Schedule == nil {
		opts.Schedule = DefaultSchedule
	}
	if opts.Listen == (ipc.ListenOptions{}) {
		opts.Listen = ipc.PublicListenOptions
	}
	if opts.Authorize == nil {
		opts.Authorize = AuthorizeOwner(nil)
	}
	return &Service{
		opts:      opts,
		logger:    logging.Component(opts.Logger, "service"),
		mounts:    newMountTable(),
		runCtx:    context.Background(),
		dirExists: dirExists,
	}
}

// Run listens on the service channel and serves until ctx is cancelled or
// Shutdown is called. It returns after in-flight requests, mounts and the
// current sweep have finished.
func (s *Service) Run(ctx context.Context) error {
	l, err := ipc.Listen(s.opts.Channel, s.opts.Listen)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.runCtx = ctx
	s.mu.Unlock()

	defer func() {
		cancel()
		l.Close()
		s.wg.Wait()
		s.logger.Info().Strs("mounts", s.mounts.roots()).Msg("service stopped")
	}()

	s.logRegistered(ctx)

	if err := s.opts.Registry.Watch(ctx, func() { s.onRegistryChanged(ctx) }); err != nil {
		s.logger.Warn().Err(err).Msg("registry watch unavailable")
	}

	if !s.opts.DisableSchedule && len(s.opts.Schedule) > 0 {
		sched := newScheduler(s.opts.Schedule, s.runScheduled, s.logger)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sched.run(ctx)
		}()
	}

	s.logger.Info().Str("channel", l.Name()).Msg("service listening")
	for {
		if s.opts.Limiter != nil {
			if err := s.opts.Limiter.Wait(ctx); err != nil {
				return nil
			}
		}
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ipc.ErrListenerClosed) {
				return nil
			}
			s.logger.Warn().Err(err).Msg("accept failed")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleConnection(ctx, conn)
		}()
	}
}

// Shutdown stops accepting connections and cancels pending mounts and
// scheduled sweeps. Run returns once in-flight work has drained.
func (s *Service) Shutdown() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// backgroundContext is the context mounts and sweeps started by requests
// run under.
func (s *Service) backgroundContext() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

func (s *Service) logRegistered(ctx context.Context) {
	regs, err := s.opts.Registry.GetAll(ctx)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load registry; continuing with an empty registry")
	}
	s.logger.Info().Int("count", len(regs)).Msg("loaded registry")
	for _, reg := range regs {
		s.logger.Info().
			Str("enlistment_root", reg.EnlistmentRoot).
			Str("owner", reg.OwnerSID).
			Bool("active", reg.IsActive).
			Msg("registered repo")
	}
}

func (s *Service) onRegistryChanged(ctx context.Context) {
	regs, err := s.opts.Registry.GetAll(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("registry changed but could not be read")
		return
	}
	s.logger.Debug().Int("count", len(regs)).Msg("registry changed")
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
