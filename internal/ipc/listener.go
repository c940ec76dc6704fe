package ipc

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	apperrors "github.com/scalar/service/internal/errors"
)

const (
	defaultSocketMode os.FileMode = 0600
	defaultDirMode    os.FileMode = 0700

	// acceptPoll bounds how long Accept blocks before rechecking its context.
	acceptPoll = 250 * time.Millisecond
)

// ListenOptions controls filesystem permissions of a channel.
type ListenOptions struct {
	// SocketMode is applied to the socket file. Default 0600.
	SocketMode os.FileMode

	// DirMode is used when the parent directory has to be created.
	// Default 0700.
	DirMode os.FileMode
}

// Listener accepts connections on a named channel.
type Listener struct {
	// name is the filesystem location of the Unix socket.
	name string

	// ln is the underlying Unix socket listener.
	ln *net.UnixListener

	// mu guards closed.
	mu     sync.Mutex
	closed bool
}

// Listen binds a channel at name. It removes a stale socket file left by a
// previous process but fails if another process is still accepting on it.
func Listen(name string, opts ListenOptions) (*Listener, error) {
	if err := validateSocketPath(name); err != nil {
		return nil, err
	}
	if opts.SocketMode == 0 {
		opts.SocketMode = defaultSocketMode
	}
	if opts.DirMode == 0 {
		opts.DirMode = defaultDirMode
	}

	if err := prepareSocketDir(name, opts.DirMode); err != nil {
		return nil, err
	}
	if err := ensureSocketAvailable(name); err != nil {
		return nil, err
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: name, Net: "unix"})
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeChannelSetupFailed, "failed to listen on channel "+name, err)
	}
	// Close must not unlink; Listener.Close removes the file itself.
	ln.SetUnlinkOnClose(false)

	if err := os.Chmod(name, opts.SocketMode); err != nil {
		ln.Close()
		_ = os.Remove(name)
		return nil, apperrors.Wrap(apperrors.CodeChannelSetupFailed, "failed to set channel permissions", err)
	}

	return &Listener{name: name, ln: ln}, nil
}

// Name returns the channel name.
func (l *Listener) Name() string {
	return l.name
}

// Accept waits for the next connection. It returns ErrListenerClosed once
// the listener is closed and ctx.Err() when ctx is done.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if l.isClosed() {
			return nil, ErrListenerClosed
		}

		_ = l.ln.SetDeadline(time.Now().Add(acceptPoll))
		c, err := l.ln.Accept()
		if err == nil {
			return newConn(c), nil
		}

		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			continue
		}
		if errors.Is(err, net.ErrClosed) || l.isClosed() {
			return nil, ErrListenerClosed
		}
		return nil, apperrors.Wrap(apperrors.CodeChannelBroken, "accept on "+l.name, err)
	}
}

// Close stops accepting and removes the socket file. It is safe to call
// more than once.
func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	var closeErr error
	if err := l.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		closeErr = fmt.Errorf("failed to close channel listener: %w", err)
	}
	if err := os.Remove(l.name); err != nil && !os.IsNotExist(err) && closeErr == nil {
		closeErr = fmt.Errorf("failed to remove channel socket: %w", err)
	}
	return closeErr
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func prepareSocketDir(name string, mode os.FileMode) error {
	dir := filepath.Dir(name)
	if _, err := os.Stat(dir); err == nil {
		return nil
	}
	if err := os.MkdirAll(dir, mode); err != nil {
		return apperrors.Wrap(apperrors.CodeChannelSetupFailed, "failed to create channel directory", err)
	}
	if err := os.Chmod(dir, mode); err != nil {
		return apperrors.Wrap(apperrors.CodeChannelSetupFailed, "failed to set channel directory permissions", err)
	}
	return nil
}

func ensureSocketAvailable(name string) error {
	info, err := os.Stat(name)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return apperrors.Wrap(apperrors.CodeChannelSetupFailed, "failed to stat channel socket", err)
	}

	if info.Mode()&os.ModeSocket == 0 {
		return apperrors.New(apperrors.CodeChannelSetupFailed, "channel path is not a socket: "+name)
	}

	conn, err := net.DialTimeout("unix", name, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return apperrors.New(apperrors.CodeChannelInUse, "channel already in use: "+name)
	}
	if errors.Is(err, os.ErrPermission) {
		return apperrors.Wrap(apperrors.CodeChannelSetupFailed, "permission denied accessing channel socket", err)
	}

	if err := os.Remove(name); err != nil && !os.IsNotExist(err) {
		return apperrors.Wrap(apperrors.CodeChannelSetupFailed, "failed to remove stale channel socket", err)
	}
	return nil
}
