package service

import (
	"context"
	"sync"

	"github.com/scalar/service/internal/message"
)

// activeUser is the logged-in user whose repos are maintained and whose UI
// receives notifications.
type activeUser struct {
	mu      sync.RWMutex
	owner   string
	session string
}

func (u *activeUser) set(owner, session string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.owner, u.session = owner, session
}

func (u *activeUser) get() (owner, session string, ok bool) {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.owner, u.session, u.owner != ""
}

// RegisterActiveUser records the logged-in user and mounts that user's
// active registrations, announcing the attempt on the user's UI.
func (s *Service) RegisterActiveUser(ctx context.Context, owner, sessionID string) {
	s.user.set(owner, sessionID)
	log := s.logger.With().Str("owner", owner).Str("session_id", sessionID).Logger()
	log.Info().Msg("registered active user")

	regs, err := s.opts.Registry.GetActiveForOwner(ctx, owner)
	if err != nil {
		log.Error().Err(err).Msg("cannot read registry for automount")
		return
	}
	if len(regs) == 0 || s.opts.Mounter == nil {
		return
	}

	s.notify(ctx, message.NotificationRequest{Id: message.AutomountStart, EnlistmentCount: len(regs)})
	for _, reg := range regs {
		s.startMount(reg.EnlistmentRoot, reg.OwnerSID)
	}
}

// ActiveUser returns the registered user and session, if any.
func (s *Service) ActiveUser() (owner, sessionID string, ok bool) {
	return s.user.get()
}

// notify relays req to the active session's UI. Without a relay or an
// active session the notification is dropped.
func (s *Service) notify(ctx context.Context, req message.NotificationRequest) {
	if s.opts.Relay == nil {
		return
	}
	_, session, ok := s.user.get()
	if !ok {
		s.logger.Debug().Stringer("notification", req.Id).Msg("no active session; notification dropped")
		return
	}
	s.opts.Relay.SendNotification(ctx, session, req)
}
