package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"github.com/scalar/service/internal/ipc"
	"github.com/scalar/service/internal/logging"
	"github.com/scalar/service/internal/message"
)

const receiveTimeout = 10 * time.Second

// Receiver is the UI side of the relay: it listens on the UI channel and
// shows every Notification it is sent.
type Receiver struct {
	Channel string
	Listen  ipc.ListenOptions
	Toaster Toaster
	Logger  zerolog.Logger
}

// Run serves until ctx is cancelled. Connections are handled one at a time.
func (r *Receiver) Run(ctx context.Context) error {
	l, err := ipc.Listen(r.Channel, r.Listen)
	if err != nil {
		return err
	}
	defer l.Close()

	log := logging.Component(r.Logger, "ui").With().Str("channel", r.Channel).Logger()
	log.Info().Msg("listening for notifications")

	for {
		conn, err := l.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, ipc.ErrListenerClosed) {
				return nil
			}
			log.Warn().Err(err).Msg("accept failed")
			continue
		}
		r.handle(ctx, conn, log)
	}
}

func (r *Receiver) handle(ctx context.Context, conn *ipc.Conn, log zerolog.Logger) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(receiveTimeout))

	msg, err := conn.Receive()
	if err != nil {
		log.Warn().Err(err).Msg("receive failed")
		return
	}
	if msg.Header != message.HeaderNotification {
		log.Warn().Str("header", msg.Header).Msg("ignoring unexpected message")
		return
	}
	req, err := message.Unmarshal[message.NotificationRequest](msg)
	if err != nil {
		log.Warn().Err(err).Msg("malformed notification")
		return
	}

	toast, ok := Render(req)
	if !ok {
		log.Debug().Stringer("notification", req.Id).Msg("nothing to show")
		return
	}
	if r.Toaster == nil {
		log.Info().Str("title", toast.Title).Str("message", toast.Message).Msg("notification")
		return
	}
	if err := r.Toaster.Show(ctx, toast); err != nil {
		log.Warn().Err(err).Msg("failed to show notification")
	}
}
