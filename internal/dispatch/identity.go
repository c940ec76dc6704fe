package dispatch

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"

	apperrors "github.com/scalar/service/internal/errors"
)

// Identity is a resolved local account that maintenance runs as.
type Identity struct {
	Owner    string // the owner string stored in the registry
	UID      uint32
	GID      uint32
	Groups   []uint32
	Username string
	HomeDir  string
}

// IsCurrent reports whether the identity is the account running this process.
func (id Identity) IsCurrent() bool {
	return int(id.UID) == os.Getuid()
}

// Env returns the environment entries that make a child look like a login
// of this identity.
func (id Identity) Env() []string {
	var env []string
	if id.HomeDir != "" {
		env = append(env, "HOME="+id.HomeDir)
	}
	if id.Username != "" {
		env = append(env, "USER="+id.Username, "LOGNAME="+id.Username)
	}
	return env
}

// Resolver maps a registry owner to a local identity.
type Resolver func(owner string) (Identity, error)

// ResolveIdentity accepts a numeric uid or a user name.
func ResolveIdentity(owner string) (Identity, error) {
	owner = strings.TrimSpace(owner)
	if owner == "" {
		return Identity{}, apperrors.InvalidIdentity(owner, nil)
	}

	var (
		u   *user.User
		err error
	)
	if _, convErr := strconv.ParseUint(owner, 10, 32); convErr == nil {
		u, err = user.LookupId(owner)
	} else {
		u, err = user.Lookup(owner)
	}
	if err != nil {
		return Identity{}, apperrors.InvalidIdentity(owner, err)
	}
	return identityFromUser(owner, u)
}

// CurrentIdentity resolves the account running this process.
func CurrentIdentity() (Identity, error) {
	u, err := user.Current()
	if err != nil {
		return Identity{}, apperrors.InvalidIdentity("current", err)
	}
	return identityFromUser(u.Uid, u)
}

func identityFromUser(owner string, u *user.User) (Identity, error) {
	uid, err := parseID(u.Uid)
	if err != nil {
		return Identity{}, apperrors.InvalidIdentity(owner, fmt.Errorf("uid %q: %w", u.Uid, err))
	}
	gid, err := parseID(u.Gid)
	if err != nil {
		return Identity{}, apperrors.InvalidIdentity(owner, fmt.Errorf("gid %q: %w", u.Gid, err))
	}

	id := Identity{
		Owner:    owner,
		UID:      uid,
		GID:      gid,
		Username: u.Username,
		HomeDir:  u.HomeDir,
	}

	// Supplementary groups are best effort; some NSS backends can't list them.
	if groups, err := u.GroupIds(); err == nil {
		for _, g := range groups {
			if n, err := parseID(g); err == nil {
				id.Groups = append(id.Groups, n)
			}
		}
	}
	return id, nil
}

func parseID(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
