// Package registry persists the set of registered enlistments.
//
// Every read and write takes the in-process mutex and then the cross-process
// lockfile, in that order, so a reader never observes a write in progress.
// The file is always replaced atomically; a crash mid-write leaves the
// previous version in place.
package registry

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/rs/zerolog"

	apperrors "github.com/scalar/service/internal/errors"
	"github.com/scalar/service/internal/lockfile"
	"github.com/scalar/service/internal/logging"
	"github.com/scalar/service/internal/retry"
)

// File names inside the data directory.
const (
	FileName      = "repo-registry"
	LockFileName  = "repo-registry.lock"
	PauseFileName = "maintenance-delay"
)

const defaultLockTimeout = 10 * time.Second

// Options configures a Registry.
type Options struct {
	// DataDir holds the registry, its lock and the pause file.
	DataDir string

	// Normalize maps a caller-supplied root to its registry key.
	// Defaults to Normalize.
	Normalize Normalizer

	// LockStaleAfter is passed to the lockfile. Zero keeps its default.
	LockStaleAfter time.Duration

	// LockTimeout bounds how long an operation waits for the lockfile.
	LockTimeout time.Duration

	// WritePolicy retries file replacement. Defaults to retry.DefaultPolicy.
	WritePolicy retry.Policy

	Logger zerolog.Logger
}

// Registry is the durable table of registrations. It is safe for
// concurrent use.
type Registry struct {
	dataDir   string
	path      string
	pausePath string

	normalize   Normalizer
	lockTimeout time.Duration
	writePolicy retry.Policy
	logger      zerolog.Logger

	// now is replaced in tests.
	now func() time.Time

	mu   sync.Mutex
	lock *lockfile.Lockfile
}

// New returns a Registry rooted at opts.DataDir. Nothing is touched on disk
// until the first operation.
func New(opts Options) *Registry {
	if opts.Normalize == nil {
		opts.Normalize = Normalize
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = defaultLockTimeout
	}
	if opts.WritePolicy.Attempts == 0 {
		opts.WritePolicy = retry.DefaultPolicy
	}

	lock := lockfile.New(filepath.Join(opts.DataDir, LockFileName))
	lock.StaleAfter = opts.LockStaleAfter

	return &Registry{
		dataDir:     opts.DataDir,
		path:        filepath.Join(opts.DataDir, FileName),
		pausePath:   filepath.Join(opts.DataDir, PauseFileName),
		normalize:   opts.Normalize,
		lockTimeout: opts.LockTimeout,
		writePolicy: opts.WritePolicy,
		logger:      logging.Component(opts.Logger, "registry"),
		now:         time.Now,
		lock:        lock,
	}
}

// Path returns the registry file path.
func (r *Registry) Path() string {
	return r.path
}

// DataDir returns the directory holding the registry.
func (r *Registry) DataDir() string {
	return r.dataDir
}

// TryRegister records root as owned by owner. An active registration for the
// same root is rejected; an inactive one is reactivated for the new owner.
func (r *Registry) TryRegister(ctx context.Context, root, owner string) error {
	key, err := r.Key(root)
	if err != nil {
		return err
	}
	if owner == "" {
		return apperrors.New(apperrors.CodeRegistryInvalidRoot, "owner identity is empty")
	}

	return r.mutate(ctx, func(regs []Registration) ([]Registration, bool, error) {
		for i := range regs {
			if regs[i].EnlistmentRoot != key {
				continue
			}
			if regs[i].IsActive {
				return nil, false, apperrors.AlreadyRegistered(key)
			}
			regs[i].IsActive = true
			regs[i].OwnerSID = owner
			r.logger.Info().Str("enlistment_root", key).Str("owner", owner).Msg("reactivated registration")
			return regs, true, nil
		}
		r.logger.Info().Str("enlistment_root", key).Str("owner", owner).Msg("registered repo")
		return append(regs, Registration{EnlistmentRoot: key, OwnerSID: owner, IsActive: true}), true, nil
	})
}

// TryUnregister removes root. Removing a root that is not registered
// succeeds without touching the file.
func (r *Registry) TryUnregister(ctx context.Context, root string) error {
	key, err := r.Key(root)
	if err != nil {
		return err
	}

	return r.mutate(ctx, func(regs []Registration) ([]Registration, bool, error) {
		for i := range regs {
			if regs[i].EnlistmentRoot == key {
				r.logger.Info().Str("enlistment_root", key).Msg("unregistered repo")
				return append(regs[:i], regs[i+1:]...), true, nil
			}
		}
		return regs, false, nil
	})
}

// SetActive flips the IsActive flag of an existing registration.
func (r *Registry) SetActive(ctx context.Context, root string, active bool) error {
	key, err := r.Key(root)
	if err != nil {
		return err
	}

	return r.mutate(ctx, func(regs []Registration) ([]Registration, bool, error) {
		for i := range regs {
			if regs[i].EnlistmentRoot != key {
				continue
			}
			if regs[i].IsActive == active {
				return regs, false, nil
			}
			regs[i].IsActive = active
			return regs, true, nil
		}
		return nil, false, apperrors.RegistrationNotFound(key)
	})
}

// GetAll returns every registration in file order. If the file is corrupt
// the result is empty and the error has code registry.corrupt.
func (r *Registry) GetAll(ctx context.Context) ([]Registration, error) {
	var out []Registration
	err := r.withLock(ctx, func() error {
		regs, err := r.load()
		out = regs
		return err
	})
	return out, err
}

// GetAllForOwner returns the registrations of owner, active or not, in file
// order. Owners compare case-insensitively.
func (r *Registry) GetAllForOwner(ctx context.Context, owner string) ([]Registration, error) {
	all, err := r.GetAll(ctx)
	return filter(all, func(reg Registration) bool {
		return strings.EqualFold(reg.OwnerSID, owner)
	}), err
}

// GetActiveForOwner is GetAllForOwner restricted to active registrations.
// An empty owner matches every active registration.
func (r *Registry) GetActiveForOwner(ctx context.Context, owner string) ([]Registration, error) {
	all, err := r.GetAll(ctx)
	return filter(all, func(reg Registration) bool {
		return reg.IsActive && (owner == "" || strings.EqualFold(reg.OwnerSID, owner))
	}), err
}

func filter(regs []Registration, keep func(Registration) bool) []Registration {
	var out []Registration
	for _, reg := range regs {
		if keep(reg) {
			out = append(out, reg)
		}
	}
	return out
}

// Key returns the registry key for root: the normalized path that every
// operation stores and compares.
func (r *Registry) Key(root string) (string, error) {
	if strings.TrimSpace(root) == "" {
		return "", apperrors.New(apperrors.CodeRegistryInvalidRoot, "enlistment root is empty")
	}
	key, err := r.normalize(root)
	if err != nil {
		return "", apperrors.Wrap(apperrors.CodeRegistryInvalidRoot,
			fmt.Sprintf("cannot normalize enlistment root '%s'", root), err)
	}
	return key, nil
}

// withLock runs fn holding the mutex and then the lockfile.
func (r *Registry) withLock(ctx context.Context, fn func() error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dataDir, 0755); err != nil {
		return apperrors.RegistryIO("create data directory", err)
	}

	lockCtx, cancel := context.WithTimeout(ctx, r.lockTimeout)
	defer cancel()
	if err := r.lock.Acquire(lockCtx); err != nil {
		return err
	}
	defer func() {
		if err := r.lock.Release(); err != nil {
			r.logger.Warn().Err(err).Msg("failed to release registry lock")
		}
	}()

	return fn()
}

// mutate loads the registry, applies fn and persists the result when fn
// reports a change. A corrupt file is set aside and treated as empty so
// the registry can recover.
func (r *Registry) mutate(ctx context.Context, fn func([]Registration) ([]Registration, bool, error)) error {
	return r.withLock(ctx, func() error {
		regs, err := r.load()
		if err != nil {
			if !apperrors.IsCode(err, apperrors.CodeRegistryCorrupt) {
				return err
			}
			r.quarantine(err)
			regs = nil
		}

		updated, changed, err := fn(regs)
		if err != nil || !changed {
			return err
		}
		return r.store(ctx, updated)
	})
}

// load reads the registry file. Callers hold the lock.
func (r *Registry) load() ([]Registration, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, apperrors.RegistryIO("read", err)
	}
	regs, err := decode(data)
	if err != nil {
		return nil, apperrors.RegistryCorrupt(r.path, err)
	}
	return regs, nil
}

// store atomically replaces the registry file. Callers hold the lock.
func (r *Registry) store(ctx context.Context, regs []Registration) error {
	data, err := encode(regs)
	if err != nil {
		return apperrors.RegistryIO("encode", err)
	}

	err = retry.DoNotify(ctx, r.writePolicy, func() error {
		return atomic.WriteFile(r.path, bytes.NewReader(data))
	}, func(err error, wait time.Duration) {
		r.logger.Debug().Err(err).Dur("wait", wait).Msg("retrying registry write")
	})
	if err != nil {
		return apperrors.RegistryIO("write", err)
	}
	return nil
}

func (r *Registry) quarantine(cause error) {
	backup := fmt.Sprintf("%s.corrupt-%d", r.path, r.now().Unix())
	if err := os.Rename(r.path, backup); err != nil {
		r.logger.Error().Err(err).AnErr("cause", cause).Msg("corrupt registry could not be set aside, overwriting")
		return
	}
	r.logger.Error().Err(cause).Str("backup", backup).Msg("corrupt registry set aside, starting empty")
}
