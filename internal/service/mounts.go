package service

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"github.com/scalar/service/internal/message"
)

// Mounter is the external virtualization engine.
type Mounter interface {
	Mount(ctx context.Context, root, owner string) (MountInfo, error)
	Unmount(ctx context.Context, root string) error
}

// MountInfo is what a successful mount reports about itself.
type MountInfo struct {
	LocalCacheRoot    string
	RepoURL           string
	CacheServer       string
	DiskLayoutVersion string
}

type mountEntry struct {
	state string
	owner string
	info  MountInfo
	err   error
}

// mountTable tracks the lifecycle of every mount the service started:
//
//	Mounting -> Ready | MountFailed
//	Ready | MountFailed -> Unmounting -> (removed)
type mountTable struct {
	mu      sync.Mutex
	entries map[string]*mountEntry
}

func newMountTable() *mountTable {
	return &mountTable{entries: make(map[string]*mountEntry)}
}

// begin moves root to Mounting. It refuses while a mount is in progress,
// live or being torn down; a failed mount may be retried.
func (t *mountTable) begin(root, owner string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[root]; ok && e.state != message.StatusMountFailed {
		return false
	}
	t.entries[root] = &mountEntry{state: message.StatusMounting, owner: owner}
	return true
}

// finish records the outcome of a mount started by begin. An entry that
// disappeared meanwhile stays gone.
func (t *mountTable) finish(root string, info MountInfo, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[root]
	if !ok || e.state != message.StatusMounting {
		return
	}
	if err != nil {
		e.state = message.StatusMountFailed
		e.err = err
		return
	}
	e.state = message.StatusReady
	e.info = info
}

func (t *mountTable) get(root string) (mountEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[root]
	if !ok {
		return mountEntry{}, false
	}
	return *e, true
}

// beginUnmount moves a Ready or MountFailed entry to Unmounting and
// returns the state it was in before. Any other state is returned
// unchanged with ok false.
func (t *mountTable) beginUnmount(root string) (prev string, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, found := t.entries[root]
	if !found {
		return "", false
	}
	switch e.state {
	case message.StatusReady, message.StatusMountFailed:
		prev = e.state
		e.state = message.StatusUnmounting
		return prev, true
	default:
		return e.state, false
	}
}

// restore undoes beginUnmount after a failed unmount.
func (t *mountTable) restore(root, state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if e, ok := t.entries[root]; ok && e.state == message.StatusUnmounting {
		e.state = state
	}
}

func (t *mountTable) remove(root string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.entries, root)
}

// roots returns every tracked root in sorted order.
func (t *mountTable) roots() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.entries))
	for root := range t.entries {
		out = append(out, root)
	}
	sort.Strings(out)
	return out
}

// startMount mounts root in the background unless a mount for it is
// already in progress or live. The outcome is announced on the active UI.
func (s *Service) startMount(root, owner string) {
	if s.opts.Mounter == nil {
		return
	}
	if !s.mounts.begin(root, owner) {
		return
	}

	ctx := s.backgroundContext()
	log := s.logger.With().Str("enlistment_root", root).Str("owner", owner).Logger()
	log.Info().Msg("mounting")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		info, err := s.opts.Mounter.Mount(ctx, root, owner)
		s.mounts.finish(root, info, err)

		notifyCtx := context.WithoutCancel(ctx)
		if err != nil {
			log.Error().Err(err).Msg("mount failed")
			s.notify(notifyCtx, message.NotificationRequest{Id: message.MountFailure, Enlistment: root})
			return
		}
		log.Info().Msg("mounted")
		s.notify(notifyCtx, message.NotificationRequest{Id: message.MountSuccess, Enlistment: root})
	}()
}

// unmount asks the engine to unmount a root already moved to Unmounting.
// On failure the entry returns to prev.
func (s *Service) unmount(ctx context.Context, root, prev string, log zerolog.Logger) error {
	if err := s.opts.Mounter.Unmount(ctx, root); err != nil {
		s.mounts.restore(root, prev)
		log.Error().Err(err).Msg("unmount failed")
		return err
	}
	s.mounts.remove(root)
	log.Info().Msg("unmounted")
	return nil
}
