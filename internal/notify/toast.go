package notify

import (
	"context"
	"fmt"
	"os/exec"

	"github.com/rs/zerolog"

	"github.com/scalar/service/internal/message"
)

const (
	upgradeTitleFormat = "New version %s is available"
	upgradeMessage     = "When ready, run 'scalar upgrade --confirm' to upgrade."
	automountTitle     = "Scalar Automount"
)

// Toast is what the desktop shows.
type Toast struct {
	Title   string
	Message string
}

// Render turns a request into a toast. The second result is false when the
// request carries nothing to show.
func Render(req message.NotificationRequest) (Toast, bool) {
	t := Toast{Title: req.Title, Message: req.Message}

	switch req.Id {
	case message.UpgradeAvailable:
		t.Title = fmt.Sprintf(upgradeTitleFormat, req.NewVersion)
		if t.Message == "" {
			t.Message = upgradeMessage
		}
	case message.AutomountStart:
		if t.Title == "" {
			t.Title = automountTitle
		}
		if t.Message == "" && req.EnlistmentCount > 0 {
			t.Message = fmt.Sprintf("Attempting to mount %d Scalar repos", req.EnlistmentCount)
		}
	case message.MountSuccess:
		if t.Title == "" {
			t.Title = automountTitle
		}
		if t.Message == "" && req.Enlistment != "" {
			t.Message = "The following Scalar repo is now mounted:\n" + req.Enlistment
		}
	case message.MountFailure:
		if t.Title == "" {
			t.Title = automountTitle
		}
		if t.Message == "" && req.Enlistment != "" {
			t.Message = "The following Scalar repo failed to mount:\n" + req.Enlistment
		}
	}

	if t.Title == "" || t.Message == "" {
		return Toast{}, false
	}
	return t, true
}

// Toaster displays toasts.
type Toaster interface {
	Show(ctx context.Context, t Toast) error
}

// CommandToaster shells out to a desktop notifier such as notify-send. When
// the command is not installed the toast is only logged.
type CommandToaster struct {
	Command string // defaults to "notify-send"
	Logger  zerolog.Logger
}

func (c CommandToaster) Show(ctx context.Context, t Toast) error {
	name := c.Command
	if name == "" {
		name = "notify-send"
	}
	path, err := exec.LookPath(name)
	if err != nil {
		c.Logger.Info().Str("title", t.Title).Str("message", t.Message).Msg("notification")
		return nil
	}
	out, err := exec.CommandContext(ctx, path, t.Title, t.Message).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", name, err, out)
	}
	return nil
}
