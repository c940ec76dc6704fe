package service

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	apperrors "github.com/scalar/service/internal/errors"
	"github.com/scalar/service/internal/ipc"
	"github.com/scalar/service/internal/message"
)

// responder is any structured response.
type responder interface {
	ToMessage() (message.Message, error)
}

// handleConnection serves exactly one request and closes the connection.
func (s *Service) handleConnection(ctx context.Context, conn *ipc.Conn) {
	defer conn.Close()

	_ = conn.SetDeadline(time.Now().Add(receiveTimeout))
	msg, err := conn.Receive()
	if err != nil {
		if apperrors.KindOf(err) == apperrors.KindBrokenConnection {
			s.logger.Debug().Err(err).Msg("client disconnected before sending a request")
		} else {
			s.logger.Warn().Err(err).Msg("failed to receive request")
		}
		return
	}
	_ = conn.SetDeadline(time.Time{})

	// Requests finish even when shutdown starts underneath them.
	reqCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.opts.RequestTimeout)
	defer cancel()

	log := s.logger.With().Str("header", msg.Header).Logger()
	log.Debug().Msg("request received")

	var reply message.Message
	switch msg.Header {
	case message.HeaderRegisterRepo:
		reply = s.encode(log, s.handleRegister(reqCtx, conn, msg, log))
	case message.HeaderUnregisterRepo:
		reply = s.encode(log, s.handleUnregister(reqCtx, msg, log))
	case message.HeaderGetActiveRepoList:
		reply = s.encode(log, s.handleGetActiveRepoList(reqCtx, msg, log))
	case message.HeaderGetStatus:
		reply = s.handleGetStatus(reqCtx, msg, log)
	case message.HeaderUnmount:
		s.handleUnmount(reqCtx, conn, msg, log)
		return
	case message.HeaderNotification:
		s.handleNotification(reqCtx, msg, log)
		return
	default:
		log.Warn().Msg("unknown request")
		reply = message.NewHeaderOnly(message.HeaderUnknownRequest)
	}

	if err := conn.Send(reply); err != nil {
		log.Warn().Err(err).Msg("failed to send response")
	}
}

// encode renders a response. A response that cannot be encoded is a bug in
// a handler; the client gets UnknownRequest rather than a torn frame.
func (s *Service) encode(log zerolog.Logger, r responder) message.Message {
	m, err := r.ToMessage()
	if err != nil {
		log.Error().Err(err).Msg("failed to encode response")
		return message.NewHeaderOnly(message.HeaderUnknownRequest)
	}
	return m
}

// failed turns err into a Failure response. The code is logged; the client
// gets the message.
func failed(log zerolog.Logger, what string, err error) message.BaseResponse {
	code, msg := apperrors.ToCodeAndMessage(err)
	log.Warn().Err(err).Str("code", code).Msg(what)
	return message.Failed(msg)
}

// handleRegister records a registration for the owner in the request. The
// peer must be that owner or root; otherwise maintenance for the root would
// run as an account the caller does not control.
func (s *Service) handleRegister(ctx context.Context, conn *ipc.Conn, msg message.Message, log zerolog.Logger) message.RegisterRepoResponse {
	req, err := message.Unmarshal[message.RegisterRepoRequest](msg)
	if err != nil {
		return message.RegisterRepoResponse{BaseResponse: failed(log, "malformed request", err)}
	}
	log = log.With().Str("enlistment_root", req.EnlistmentRoot).Str("owner", req.OwnerSID).Logger()

	peer, err := conn.PeerCredentials()
	if err != nil {
		return message.RegisterRepoResponse{BaseResponse: failed(log, "cannot identify peer", err)}
	}
	if err := s.opts.Authorize(peer, req.OwnerSID); err != nil {
		return message.RegisterRepoResponse{BaseResponse: failed(log.With().Uint32("peer_uid", peer.UID).Logger(), "register refused", err)}
	}

	if err := s.opts.Registry.TryRegister(ctx, req.EnlistmentRoot, req.OwnerSID); err != nil {
		return message.RegisterRepoResponse{BaseResponse: failed(log, "register failed", err)}
	}

	if key, err := s.opts.Registry.Key(req.EnlistmentRoot); err == nil {
		s.startMount(key, req.OwnerSID)
	}
	return message.RegisterRepoResponse{BaseResponse: message.Succeeded()}
}

func (s *Service) handleUnregister(ctx context.Context, msg message.Message, log zerolog.Logger) message.UnregisterRepoResponse {
	req, err := message.Unmarshal[message.UnregisterRepoRequest](msg)
	if err != nil {
		return message.UnregisterRepoResponse{BaseResponse: failed(log, "malformed request", err)}
	}
	key, err := s.opts.Registry.Key(req.EnlistmentRoot)
	if err != nil {
		return message.UnregisterRepoResponse{BaseResponse: failed(log, "invalid enlistment root", err)}
	}
	log = log.With().Str("enlistment_root", key).Logger()

	if prev, ok := s.mounts.beginUnmount(key); ok {
		if err := s.unmount(ctx, key, prev, log); err != nil {
			return message.UnregisterRepoResponse{BaseResponse: failed(log, "unmount before unregister failed", err)}
		}
	}

	if err := s.opts.Registry.TryUnregister(ctx, key); err != nil {
		return message.UnregisterRepoResponse{BaseResponse: failed(log, "unregister failed", err)}
	}
	return message.UnregisterRepoResponse{BaseResponse: message.Succeeded()}
}

func (s *Service) handleGetActiveRepoList(ctx context.Context, msg message.Message, log zerolog.Logger) message.GetActiveRepoListResponse {
	var req message.GetActiveRepoListRequest
	if msg.HasBody() {
		r, err := message.Unmarshal[message.GetActiveRepoListRequest](msg)
		if err != nil {
			return message.GetActiveRepoListResponse{BaseResponse: failed(log, "malformed request", err)}
		}
		req = r
	}

	regs, err := s.opts.Registry.GetActiveForOwner(ctx, req.OwnerSID)
	if err != nil {
		return message.GetActiveRepoListResponse{BaseResponse: failed(log, "cannot read registry", err)}
	}

	resp := message.GetActiveRepoListResponse{BaseResponse: message.Succeeded(), RepoList: []string{}}
	for _, reg := range regs {
		resp.RepoList = append(resp.RepoList, reg.EnlistmentRoot)
	}
	return resp
}

// handleGetStatus reports the live mount for a root, or MountNotReady when
// the service holds no mount for it.
func (s *Service) handleGetStatus(ctx context.Context, msg message.Message, log zerolog.Logger) message.Message {
	notReady := message.NewHeaderOnly(message.HeaderMountNotReady)

	req, err := message.Unmarshal[message.GetStatusRequest](msg)
	if err != nil {
		log.Warn().Err(err).Msg("malformed request")
		return notReady
	}
	key, err := s.opts.Registry.Key(req.EnlistmentRoot)
	if err != nil {
		return notReady
	}
	entry, ok := s.mounts.get(key)
	if !ok {
		return notReady
	}

	status := message.GetStatusResponse{
		MountStatus:       entry.state,
		EnlistmentRoot:    key,
		LocalCacheRoot:    entry.info.LocalCacheRoot,
		RepoUrl:           entry.info.RepoURL,
		CacheServer:       entry.info.CacheServer,
		DiskLayoutVersion: entry.info.DiskLayoutVersion,
	}
	if s.opts.Dispatcher != nil {
		status.BackgroundOperationCount = s.opts.Dispatcher.InFlight(key)
	}
	return s.encode(log, status)
}

// handleUnmount answers with plain-text headers. A live mount gets
// Acknowledged immediately and Completed once the engine has unmounted.
func (s *Service) handleUnmount(ctx context.Context, conn *ipc.Conn, msg message.Message, log zerolog.Logger) {
	reply := func(header string) {
		if err := conn.Send(message.NewHeaderOnly(header)); err != nil {
			log.Warn().Err(err).Str("reply", header).Msg("failed to send unmount reply")
		}
	}

	req, err := message.Unmarshal[message.UnmountRequest](msg)
	if err != nil {
		log.Warn().Err(err).Msg("malformed request")
		reply(message.UnmountNotMounted)
		return
	}
	key, err := s.opts.Registry.Key(req.EnlistmentRoot)
	if err != nil {
		reply(message.UnmountNotMounted)
		return
	}
	log = log.With().Str("enlistment_root", key).Logger()

	prev, ok := s.mounts.beginUnmount(key)
	if !ok {
		switch prev {
		case "", message.StatusMounting:
			reply(message.UnmountNotMounted)
		case message.StatusUnmounting:
			reply(message.UnmountAlreadyUnmounting)
		default:
			reply(message.HeaderUnknownScalarState)
		}
		return
	}

	reply(message.UnmountAcknowledged)
	if err := s.unmount(ctx, key, prev, log); err != nil {
		return
	}
	if err := s.opts.Registry.SetActive(ctx, key, false); err != nil {
		log.Warn().Err(err).Msg("failed to deactivate registration")
	}
	reply(message.UnmountCompleted)
}

func (s *Service) handleNotification(ctx context.Context, msg message.Message, log zerolog.Logger) {
	req, err := message.Unmarshal[message.NotificationRequest](msg)
	if err != nil {
		log.Warn().Err(err).Msg("malformed notification")
		return
	}
	s.notify(ctx, req)
}
