package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/scalar/service/internal/dispatch"
	apperrors "github.com/scalar/service/internal/errors"
	"github.com/scalar/service/internal/ipc"
	"github.com/scalar/service/internal/message"
	"github.com/scalar/service/internal/retry"
)

// DefaultReadyPolicy polls a freshly started mount process for readiness.
var DefaultReadyPolicy = retry.Policy{
	Attempts: 20,
	Initial:  250 * time.Millisecond,
	Max:      2 * time.Second,
}

// ExecMounter drives the mount engine through its command line and the
// per-enlistment mount channel. Mount runs "<Executable> mount <root>" as
// the owner, then waits until the mount process reports Ready.
type ExecMounter struct {
	Executable string
	Launcher   dispatch.Launcher
	Resolve    dispatch.Resolver // defaults to dispatch.ResolveIdentity
	Dialer     ipc.Dialer        // defaults to ipc.SocketDialer
	Ready      retry.Policy      // defaults to DefaultReadyPolicy
	Logger     zerolog.Logger
}

func (m *ExecMounter) Mount(ctx context.Context, root, owner string) (MountInfo, error) {
	if m.Executable == "" || m.Launcher == nil {
		return MountInfo{}, apperrors.New(apperrors.CodeServiceMountFailed, "no mount executable configured")
	}
	resolve := m.Resolve
	if resolve == nil {
		resolve = dispatch.ResolveIdentity
	}
	id, err := resolve(owner)
	if err != nil {
		return MountInfo{}, err
	}

	res, err := m.Launcher.LaunchAs(ctx, id, dispatch.Command{
		Path: m.Executable,
		Args: []string{"mount", root},
		Dir:  root,
	})
	if err != nil {
		return MountInfo{}, apperrors.Wrap(apperrors.CodeServiceMountFailed, "start mount for "+root, err)
	}
	if res.ExitCode != 0 {
		return MountInfo{}, apperrors.Wrap(apperrors.CodeServiceMountFailed, "mount "+root,
			apperrors.NonZeroExit(res.ExitCode, res.Stderr))
	}
	m.Logger.Debug().Str("enlistment_root", root).Dur("duration", res.Duration).Msg("mount process started; waiting for ready")
	return m.waitUntilReady(ctx, root)
}

func (m *ExecMounter) waitUntilReady(ctx context.Context, root string) (MountInfo, error) {
	policy := m.Ready
	if policy.Attempts == 0 {
		policy = DefaultReadyPolicy
	}

	var info MountInfo
	err := retry.Do(ctx, policy, func() error {
		status, err := m.status(ctx, root)
		if err != nil {
			return err
		}
		switch status.MountStatus {
		case message.StatusReady:
			info = MountInfo{
				LocalCacheRoot:    status.LocalCacheRoot,
				RepoURL:           status.RepoUrl,
				CacheServer:       status.CacheServer,
				DiskLayoutVersion: status.DiskLayoutVersion,
			}
			return nil
		case message.StatusMountFailed:
			return retry.Permanent(apperrors.New(apperrors.CodeServiceMountFailed, "mount process reported failure"))
		default:
			return fmt.Errorf("mount is %s", status.MountStatus)
		}
	})
	if err != nil {
		return MountInfo{}, apperrors.Wrap(apperrors.CodeServiceMountFailed, "wait for mount of "+root, err)
	}
	return info, nil
}

// status asks the mount process for its GetStatus.
func (m *ExecMounter) status(ctx context.Context, root string) (message.GetStatusResponse, error) {
	conn, err := m.dialer().Dial(ctx, ipc.MountChannelName(root))
	if err != nil {
		return message.GetStatusResponse{}, err
	}
	defer conn.Close()

	reply, err := conn.Request(message.NewHeaderOnly(message.HeaderGetStatus))
	if err != nil {
		return message.GetStatusResponse{}, err
	}
	if reply.Header == message.HeaderMountNotReady {
		return message.GetStatusResponse{MountStatus: message.StatusMounting}, nil
	}
	return message.Unmarshal[message.GetStatusResponse](reply)
}

// Unmount sends Unmount to the mount process and waits for Completed. A
// mount process that is already gone counts as unmounted.
func (m *ExecMounter) Unmount(ctx context.Context, root string) error {
	conn, err := m.dialer().Dial(ctx, ipc.MountChannelName(root))
	if err != nil {
		if errors.Is(err, ipc.ErrConnectionRefused) {
			return nil
		}
		return err
	}
	defer conn.Close()

	reply, err := conn.Request(message.NewHeaderOnly(message.HeaderUnmount))
	if err != nil {
		return err
	}
	switch reply.Header {
	case message.UnmountNotMounted:
		return nil
	case message.UnmountAcknowledged:
	default:
		return fmt.Errorf("unexpected unmount reply %q", reply.Header)
	}

	reply, err = conn.Receive()
	if err != nil {
		return err
	}
	if reply.Header != message.UnmountCompleted {
		return fmt.Errorf("unexpected unmount reply %q", reply.Header)
	}
	return nil
}

func (m *ExecMounter) dialer() ipc.Dialer {
	if m.Dialer != nil {
		return m.Dialer
	}
	return ipc.SocketDialer{Timeout: ipc.DefaultConnectTimeout}
}
