// Package ipc provides the local channel transport used between the
// service, the CLI and the per-session UI process.
//
// A channel is a Unix domain socket addressed by its filesystem path. Each
// frame is an encoded message.Message followed by an ETX byte. Socket files
// and their directories are created with restrictive permissions, so the
// identity owning the directory controls who can connect.
package ipc

import (
	"context"
	"path/filepath"
	"time"

	apperrors "github.com/scalar/service/internal/errors"
)

// ETX terminates every frame on the wire.
const ETX byte = 0x03

// MaxFrameSize bounds a single received frame.
const MaxFrameSize = 1 << 20

// DefaultConnectTimeout is used by Dialers that were not given one.
const DefaultConnectTimeout = 3 * time.Second

// Sentinel errors. Returned errors carry the same code with a cause, so
// errors.Is matches them.
var (
	ErrConnectionRefused = apperrors.New(apperrors.CodeChannelRefused, "connection refused")
	ErrTimeout           = apperrors.New(apperrors.CodeChannelTimeout, "channel timed out")
	ErrBrokenConnection  = apperrors.New(apperrors.CodeChannelBroken, "connection broken")
	ErrListenerClosed    = apperrors.New(apperrors.CodeChannelClosed, "listener closed")
	ErrInUse             = apperrors.New(apperrors.CodeChannelInUse, "channel already in use")
	ErrPeerUnknown       = apperrors.New(apperrors.CodeChannelPeerUnknown, "peer credentials unavailable")
)

// PublicListenOptions let every local account connect. The service channel
// uses them; access control happens per request from the peer's credentials.
var PublicListenOptions = ListenOptions{SocketMode: 0666, DirMode: 0755}

// Dialer opens client connections to named channels.
type Dialer interface {
	Dial(ctx context.Context, name string) (*Conn, error)
}

// SocketDialer dials Unix domain sockets.
type SocketDialer struct {
	Timeout time.Duration
}

// Dial connects to name with the dialer's timeout.
func (d SocketDialer) Dial(ctx context.Context, name string) (*Conn, error) {
	timeout := d.Timeout
	if timeout <= 0 {
		timeout = DefaultConnectTimeout
	}
	return Connect(ctx, name, timeout)
}

// MountChannelName returns the per-enlistment mount channel. It lives
// under the enlistment's control directory.
func MountChannelName(enlistmentRoot string) string {
	return filepath.Join(enlistmentRoot, ".scalar", "mount.sock")
}
