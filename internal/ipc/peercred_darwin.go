//go:build darwin

package ipc

import "golang.org/x/sys/unix"

func peerCred(fd int) (PeerCred, error) {
	xucred, err := unix.GetsockoptXucred(fd, unix.SOL_LOCAL, unix.LOCAL_PEERCRED)
	if err != nil {
		return PeerCred{}, err
	}
	cred := PeerCred{UID: xucred.Uid}
	if xucred.Ngroups > 0 {
		cred.GID = xucred.Groups[0]
	}
	return cred, nil
}
