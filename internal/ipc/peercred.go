package ipc

import (
	"net"

	apperrors "github.com/scalar/service/internal/errors"
)

// PeerCred identifies the process on the other end of a connection.
type PeerCred struct {
	UID uint32
	GID uint32
	PID int32 // zero where the kernel does not report it
}

// PeerCredentials asks the kernel which account is connected. Errors match
// ErrPeerUnknown.
func (c *Conn) PeerCredentials() (PeerCred, error) {
	uc, ok := c.c.(*net.UnixConn)
	if !ok {
		return PeerCred{}, apperrors.New(apperrors.CodeChannelPeerUnknown, "connection is not a Unix socket")
	}
	raw, err := uc.SyscallConn()
	if err != nil {
		return PeerCred{}, apperrors.Wrap(apperrors.CodeChannelPeerUnknown, "peer credentials", err)
	}

	var (
		cred    PeerCred
		credErr error
	)
	if err := raw.Control(func(fd uintptr) {
		cred, credErr = peerCred(int(fd))
	}); err != nil {
		return PeerCred{}, apperrors.Wrap(apperrors.CodeChannelPeerUnknown, "peer credentials", err)
	}
	if credErr != nil {
		return PeerCred{}, apperrors.Wrap(apperrors.CodeChannelPeerUnknown, "peer credentials", credErr)
	}
	return cred, nil
}
