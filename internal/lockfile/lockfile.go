// Package lockfile provides a cross-process lock backed by an exclusively
// created file holding the owner's PID and acquisition time.
//
// A lock left behind by a crashed process is recovered: it is considered
// stale when its content cannot be parsed, when its PID no longer names a
// live process, or when it is older than StaleAfter. A stale lock is
// claimed by renaming it aside, so of several processes breaking the same
// lock only one proceeds, and acquisition is attempted once more.
package lockfile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	apperrors "github.com/scalar/service/internal/errors"
)

// DefaultStaleAfter is the age past which a lock is stale even if its PID
// is alive. It guards against PID reuse.
const DefaultStaleAfter = time.Hour

// malformedGrace covers the window between another process creating the
// file and writing its content.
const malformedGrace = 2 * time.Second

// ErrLocked is matched by errors returned when a live process holds the lock.
var ErrLocked = apperrors.New(apperrors.CodeRegistryLocked, "lock is held by another process")

// Lockfile is a file-based lock. It is not safe for concurrent use; callers
// serialize in-process access with their own mutex.
type Lockfile struct {
	path string

	// StaleAfter overrides DefaultStaleAfter when positive.
	StaleAfter time.Duration

	// processAlive and now are replaced in tests.
	processAlive func(pid int) bool
	now          func() time.Time

	file   *os.File
	locked bool
}

// New returns an unlocked Lockfile for path.
func New(path string) *Lockfile {
	return &Lockfile{
		path:         path,
		processAlive: isProcessRunning,
		now:          time.Now,
	}
}

// Path returns the lockfile path.
func (l *Lockfile) Path() string {
	return l.path
}

// Locked reports whether this instance holds the lock.
func (l *Lockfile) Locked() bool {
	return l.locked
}

// TryAcquire makes a single attempt to take the lock.
func (l *Lockfile) TryAcquire() error {
	if l.locked {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(l.path), 0755); err != nil {
		return fmt.Errorf("failed to create lockfile directory: %w", err)
	}

	err := l.create()
	if err == nil || !os.IsExist(err) {
		return err
	}

	stale, reason, seen := l.checkStale()
	if !stale {
		return apperrors.New(apperrors.CodeRegistryLocked, reason)
	}
	if seen != nil {
		if err := l.breakStale(seen, reason); err != nil {
			return err
		}
	}

	if err := l.create(); err != nil {
		if os.IsExist(err) {
			return apperrors.Wrap(apperrors.CodeRegistryLocked, "lock taken after stale recovery", err)
		}
		return err
	}
	return nil
}

// Acquire polls TryAcquire with backoff until it succeeds or ctx is done.
func (l *Lockfile) Acquire(ctx context.Context) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 10 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	b.MaxElapsedTime = 0

	op := func() error {
		err := l.TryAcquire()
		if err != nil && !errors.Is(err, ErrLocked) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b, ctx)); err != nil {
		if errors.Is(err, ErrLocked) || ctx.Err() != nil {
			return apperrors.Wrap(apperrors.CodeRegistryLocked, "timed out waiting for "+l.path, err)
		}
		return err
	}
	return nil
}

// Release drops the lock. It is a no-op when the lock is not held.
func (l *Lockfile) Release() error {
	if !l.locked {
		return nil
	}

	var err error
	if l.file != nil {
		err = l.file.Close()
		l.file = nil
	}
	if removeErr := os.Remove(l.path); removeErr != nil && !os.IsNotExist(removeErr) {
		err = errors.Join(err, fmt.Errorf("failed to remove lockfile: %w", removeErr))
	}
	l.locked = false
	return err
}

// breakStale moves the lock at l.path to a unique name and deletes it if it
// still holds seen. Rename is atomic, so only one of several concurrent
// breakers gets the stale file; the rest see it missing or find a fresh
// lock, which is put back.
func (l *Lockfile) breakStale(seen []byte, reason string) error {
	claimed := l.path + ".stale-" + uuid.NewString()
	if err := os.Rename(l.path, claimed); err != nil {
		if os.IsNotExist(err) {
			return apperrors.New(apperrors.CodeRegistryLocked, "stale lock was broken by another process")
		}
		return fmt.Errorf("failed to break stale lockfile (%s): %w", reason, err)
	}

	current, err := os.ReadFile(claimed)
	if err != nil || !bytes.Equal(current, seen) {
		// A fresh lock replaced the stale one after it was judged.
		if linkErr := os.Link(claimed, l.path); linkErr != nil && !os.IsExist(linkErr) {
			err = errors.Join(err, linkErr)
		}
		_ = os.Remove(claimed)
		return apperrors.Wrap(apperrors.CodeRegistryLocked, "lockfile changed during stale check", err)
	}
	if err := os.Remove(claimed); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove stale lockfile (%s): %w", reason, err)
	}
	return nil
}

func (l *Lockfile) create() error {
	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return err
	}
	l.file = file
	l.locked = true

	content := fmt.Sprintf("%d\n%s\n", os.Getpid(), l.now().UTC().Format(time.RFC3339))
	if _, err := file.WriteString(content); err != nil {
		_ = l.Release()
		return fmt.Errorf("failed to write lockfile: %w", err)
	}
	if err := file.Sync(); err != nil {
		_ = l.Release()
		return fmt.Errorf("failed to sync lockfile: %w", err)
	}
	return nil
}

func (l *Lockfile) staleAfter() time.Duration {
	if l.StaleAfter > 0 {
		return l.StaleAfter
	}
	return DefaultStaleAfter
}

// checkStale reports whether the existing lock may be broken, with the
// reason either way and the content it judged. A nil content means the
// file is already gone.
func (l *Lockfile) checkStale() (bool, string, []byte) {
	info, err := os.Stat(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lockfile vanished", nil
		}
		return false, "cannot stat lockfile", nil
	}
	data, err := os.ReadFile(l.path)
	if err != nil {
		if os.IsNotExist(err) {
			return true, "lockfile vanished", nil
		}
		return false, "cannot read lockfile", nil
	}

	malformed := func(reason string) (bool, string, []byte) {
		if l.now().Sub(info.ModTime()) < malformedGrace {
			return false, "lockfile is being written", nil
		}
		return true, reason, data
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	pid, err := strconv.Atoi(strings.TrimSpace(lines[0]))
	if err != nil || pid <= 0 {
		return malformed("invalid PID in lockfile")
	}
	if len(lines) < 2 {
		return malformed("lockfile has no timestamp")
	}
	stamp, err := time.Parse(time.RFC3339, strings.TrimSpace(lines[1]))
	if err != nil {
		return malformed("invalid timestamp in lockfile")
	}

	if !l.processAlive(pid) {
		return true, fmt.Sprintf("process %d is not running", pid), data
	}
	if age := l.now().Sub(stamp); age > l.staleAfter() {
		return true, fmt.Sprintf("lockfile is %s old", age.Round(time.Second)), data
	}
	return false, fmt.Sprintf("lock held by process %d", pid), nil
}
