package notify

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/scalar/service/internal/dispatch"
)

// ExecUIManager kills the UI with pkill and starts it through a dispatch
// launcher so it runs as the session's user.
type ExecUIManager struct {
	ProcessName string
	Executable  string
	Channel     string // passed to the UI as --socket

	// ChannelFor, when set, picks the socket from the uid the UI runs as
	// and overrides Channel.
	ChannelFor func(uid uint32) string

	Launcher dispatch.Launcher
	Resolve  dispatch.Resolver

	// OwnerOf maps a session to the owner identity the UI runs as.
	OwnerOf func(sessionID string) string

	// KillCommand defaults to "pkill -x"; the process name is appended.
	KillCommand []string

	Logger zerolog.Logger
}

// Kill stops every process named ProcessName. No match is not an error.
func (m *ExecUIManager) Kill(ctx context.Context) error {
	if m.ProcessName == "" {
		return nil
	}
	argv := m.KillCommand
	if len(argv) == 0 {
		argv = []string{"pkill", "-x"}
	}
	cmd := exec.CommandContext(ctx, argv[0], append(argv[1:], m.ProcessName)...)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return nil
	}
	return fmt.Errorf("kill %s: %w: %s", m.ProcessName, err, strings.TrimSpace(string(out)))
}

// Launch starts the UI for sessionID without waiting for it.
func (m *ExecUIManager) Launch(ctx context.Context, sessionID string) error {
	if m.Executable == "" {
		return errors.New("no UI executable configured")
	}
	if m.Launcher == nil {
		return errors.New("no launcher configured")
	}

	owner := sessionID
	if m.OwnerOf != nil {
		if o := m.OwnerOf(sessionID); o != "" {
			owner = o
		}
	}
	resolve := m.Resolve
	if resolve == nil {
		resolve = dispatch.ResolveIdentity
	}
	id, err := resolve(owner)
	if err != nil {
		return err
	}

	channel := m.Channel
	if m.ChannelFor != nil {
		channel = m.ChannelFor(id.UID)
	}
	args := []string{"ui", "--session", sessionID}
	if channel != "" {
		args = append(args, "--socket", channel)
	}
	pid, err := m.Launcher.StartAs(id, dispatch.Command{Path: m.Executable, Args: args})
	if err != nil {
		return err
	}
	m.Logger.Info().Int("pid", pid).Str("session_id", sessionID).Str("owner", owner).Msg("started UI process")
	return nil
}
