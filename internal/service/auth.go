package service

import (
	"strconv"
	"strings"

	"github.com/scalar/service/internal/dispatch"
	apperrors "github.com/scalar/service/internal/errors"
	"github.com/scalar/service/internal/ipc"
)

// Authorizer decides whether the connected peer may act for owner.
type Authorizer func(peer ipc.PeerCred, owner string) error

// AuthorizeOwner lets root act for any owner and every other account only
// for itself. Numeric owners are compared as uids without a lookup; names
// are resolved with resolve, or dispatch.ResolveIdentity when nil.
func AuthorizeOwner(resolve dispatch.Resolver) Authorizer {
	if resolve == nil {
		resolve = dispatch.ResolveIdentity
	}
	return func(peer ipc.PeerCred, owner string) error {
		if peer.UID == 0 {
			return nil
		}
		owner = strings.TrimSpace(owner)
		uid, err := strconv.ParseUint(owner, 10, 32)
		if err != nil {
			id, resolveErr := resolve(owner)
			if resolveErr != nil {
				return apperrors.OwnerNotPermitted(owner, peer.UID, resolveErr)
			}
			uid = uint64(id.UID)
		}
		if uint32(uid) != peer.UID {
			return apperrors.OwnerNotPermitted(owner, peer.UID, nil)
		}
		return nil
	}
}
