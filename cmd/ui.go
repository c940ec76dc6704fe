package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/scalar/service/internal/config"
	"github.com/scalar/service/internal/notify"
)

// runUI implements "scalar-service ui", the per-session process that shows
// notifications the service relays to it.
func runUI(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("ui", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var s settings
	s.AddFlags(fs)
	socket := fs.String("socket", "", "UI socket path (default: "+config.DefaultUISocket+")")
	session := fs.String("session", "", "Session this UI serves")
	notifier := fs.String("notifier", "", "Desktop notifier command (default: notify-send)")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: scalar-service ui [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	cfg, err := s.resolve()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	channel := cfg.UISocketFor(uint32(os.Getuid()))
	if *socket != "" {
		channel = *socket
	}

	logger, logCloser, err := newLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer logCloser.Close()
	if *session != "" {
		logger = logger.With().Str("session_id", *session).Logger()
	}

	receiver := &notify.Receiver{
		Channel: channel,
		Toaster: notify.CommandToaster{Command: *notifier, Logger: logger},
		Logger:  logger,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := receiver.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
