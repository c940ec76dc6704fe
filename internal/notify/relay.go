// Package notify delivers desktop notifications from the service to the
// per-user UI process, and implements the UI side that displays them.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	apperrors "github.com/scalar/service/internal/errors"
	"github.com/scalar/service/internal/ipc"
	"github.com/scalar/service/internal/logging"
	"github.com/scalar/service/internal/message"
	"github.com/scalar/service/internal/storage"
)

// DefaultRelaunchDelay is how long the relay waits for a relaunched UI
// process to start listening.
const DefaultRelaunchDelay = 2 * time.Second

// UIProcessManager stops and starts the UI process for a session.
type UIProcessManager interface {
	Kill(ctx context.Context) error
	Launch(ctx context.Context, sessionID string) error
}

// Recorder receives one entry per delivery. storage.SQLiteStore implements it.
type Recorder interface {
	RecordNotification(entry *storage.NotificationAuditEntry) error
}

// RelayOptions configures a Relay.
type RelayOptions struct {
	Channel string // the UI process's socket

	// ChannelFor, when set, resolves the socket of a session's UI and
	// overrides Channel. Each session's UI listens in its owner's runtime
	// directory.
	ChannelFor func(sessionID string) (string, error)

	Dialer        ipc.Dialer
	Processes     UIProcessManager
	RelaunchDelay time.Duration
	Recorder      Recorder // optional
	Logger        zerolog.Logger
}

// Relay sends notifications to the UI. Delivery is best effort: the relay
// relaunches a missing UI once and then gives up.
type Relay struct {
	opts   RelayOptions
	logger zerolog.Logger

	// sleep is replaced in tests.
	sleep func(ctx context.Context, d time.Duration)
}

// NewRelay creates a Relay. A nil Dialer uses ipc.SocketDialer.
func NewRelay(opts RelayOptions) *Relay {
	if opts.Dialer == nil {
		opts.Dialer = ipc.SocketDialer{Timeout: ipc.DefaultConnectTimeout}
	}
	if opts.RelaunchDelay <= 0 {
		opts.RelaunchDelay = DefaultRelaunchDelay
	}
	return &Relay{
		opts:   opts,
		logger: logging.Component(opts.Logger, "notify"),
		sleep:  sleepCtx,
	}
}

// SendNotification delivers req to the UI of sessionID. It never returns an
// error and never panics; failures are logged and recorded.
func (r *Relay) SendNotification(ctx context.Context, sessionID string, req message.NotificationRequest) {
	entry := &storage.NotificationAuditEntry{
		DeliveryID:     uuid.NewString(),
		NotificationID: int(req.Id),
		SessionID:      sessionID,
		At:             time.Now(),
	}
	log := r.logger.With().
		Str("delivery_id", entry.DeliveryID).
		Str("session_id", sessionID).
		Stringer("notification", req.Id).
		Logger()

	defer func() {
		if p := recover(); p != nil {
			entry.Delivered = false
			entry.Error = fmt.Sprintf("panic: %v", p)
			log.Error().Interface("panic", p).Msg("notification delivery panicked")
		}
		r.record(log, entry)
	}()

	if err := r.deliver(ctx, sessionID, req, entry, log); err != nil {
		entry.Error = err.Error()
		log.Warn().Err(err).Str("title", req.Title).Msg("notification dropped")
		return
	}
	entry.Delivered = true
	log.Debug().Msg("notification delivered")
}

func (r *Relay) deliver(ctx context.Context, sessionID string, req message.NotificationRequest, entry *storage.NotificationAuditEntry, log zerolog.Logger) error {
	msg, err := req.ToMessage()
	if err != nil {
		return err
	}

	channel := r.opts.Channel
	if r.opts.ChannelFor != nil {
		if channel, err = r.opts.ChannelFor(sessionID); err != nil {
			return apperrors.DeliveryFailed("session "+sessionID, err)
		}
	}

	conn, err := r.opts.Dialer.Dial(ctx, channel)
	if err != nil {
		log.Info().Err(err).Str("channel", channel).Msg("UI not reachable, relaunching")
		entry.Relaunched = true
		if err := r.relaunch(ctx, sessionID, log); err != nil {
			return err
		}
		conn, err = r.opts.Dialer.Dial(ctx, channel)
		if err != nil {
			return apperrors.DeliveryFailed(channel, err)
		}
	}
	defer conn.Close()

	if err := conn.Send(msg); err != nil {
		return apperrors.Wrap(apperrors.CodeNotificationSendFailed, "send notification", err)
	}
	return nil
}

func (r *Relay) relaunch(ctx context.Context, sessionID string, log zerolog.Logger) error {
	if r.opts.Processes == nil {
		return apperrors.DeliveryFailed("session "+sessionID, apperrors.New(apperrors.CodeNotificationRelaunchFailed, "no UI process manager configured"))
	}
	if err := r.opts.Processes.Kill(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to stop stale UI process")
	}
	if err := r.opts.Processes.Launch(ctx, sessionID); err != nil {
		return apperrors.Wrap(apperrors.CodeNotificationRelaunchFailed, "relaunch UI process", err)
	}
	r.sleep(ctx, r.opts.RelaunchDelay)
	return nil
}

func (r *Relay) record(log zerolog.Logger, entry *storage.NotificationAuditEntry) {
	if r.opts.Recorder == nil {
		return
	}
	if err := r.opts.Recorder.RecordNotification(entry); err != nil {
		log.Warn().Err(err).Msg("failed to record notification")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
