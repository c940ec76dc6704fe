//go:build unix

package ipc

import (
	"fmt"

	"golang.org/x/sys/unix"

	apperrors "github.com/scalar/service/internal/errors"
)

// socketPathLimit is sun_path including the trailing NUL.
const socketPathLimit = len(unix.RawSockaddrUnix{}.Path)

func validateSocketPath(path string) error {
	if path == "" {
		return apperrors.New(apperrors.CodeChannelInvalidName, "channel name is empty")
	}
	limit := socketPathLimit - 1
	if len(path) > limit {
		return apperrors.New(apperrors.CodeChannelInvalidName,
			fmt.Sprintf("channel path exceeds %d bytes: %s", limit, path))
	}
	return nil
}
