//go:build !linux && !darwin

package ipc

import "errors"

func peerCred(fd int) (PeerCred, error) {
	return PeerCred{}, errors.New("peer credentials are not supported on this platform")
}
