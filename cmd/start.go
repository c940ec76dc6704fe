package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"golang.org/x/time/rate"

	"github.com/scalar/service/internal/config"
	"github.com/scalar/service/internal/dispatch"
	"github.com/scalar/service/internal/logging"
	"github.com/scalar/service/internal/notify"
	"github.com/scalar/service/internal/service"
)

// runStart implements "scalar-service start": it wires the registry, the
// audit store, the dispatcher, the notification relay and the mount engine
// into a Service and runs it until SIGINT or SIGTERM.
//
// Unless --user is given, the invoking user becomes the active user, so a
// per-user service mounts and maintains that user's enlistments. A service
// started as root without --user has no active user and skips sweeps.
func runStart(args []string, stdout, stderr io.Writer) int {
	fs := pflag.NewFlagSet("start", pflag.ContinueOnError)
	fs.SetOutput(stderr)

	var s settings
	s.AddFlags(fs)
	socket := fs.String("socket", "", "Service socket path (default: "+config.DefaultServiceSocket+")")
	user := fs.String("user", "", "Owner identity (uid or user name) to register as the active user")
	session := fs.String("session", "", "Session ID of the active user's UI (default: $XDG_SESSION_ID)")
	disableSchedule := fs.Bool("disable-schedule", false, "Do not run recurring maintenance")
	writeConfig := fs.Bool("write-config", false, "Create a starter config file at the default location if missing")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: scalar-service start [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}
	if code, ok := parseFlags(fs, args); !ok {
		return code
	}

	if *writeConfig {
		path, err := config.DefaultConfigPath()
		if err == nil {
			err = config.WriteDefault(path)
		}
		if err != nil {
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1
		}
	}

	cfg, err := s.resolve()
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *socket != "" {
		cfg.ServiceSocket = *socket
	}
	// Booleans: the flag wins only when it was given explicitly.
	if fs.Changed("disable-schedule") {
		cfg.DisableSchedule = *disableSchedule
	}

	logger, logCloser, err := newLogger(cfg, stderr)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	defer logCloser.Close()

	store, err := openStore(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open audit database: %v\n", err)
		return 1
	}
	defer store.Close()

	launcher, err := dispatch.NewLauncher(cfg.LaunchStrategy)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	reg := newRegistry(cfg, logger)
	dispatcher := dispatch.New(dispatch.Options{
		Executable:  cfg.ScalarExecutable,
		ServiceName: cfg.ServiceName,
		Launcher:    launcher,
		Recorder:    store,
		Timeout:     cfg.MaintenanceTimeout(),
		Logger:      logger,
	})

	var svc *service.Service
	current := func() *service.Service { return svc }
	relay := notify.NewRelay(notify.RelayOptions{
		ChannelFor: func(sessionID string) (string, error) {
			owner := sessionOwner(current, sessionID)
			if owner == "" {
				owner = sessionID
			}
			id, err := dispatch.ResolveIdentity(owner)
			if err != nil {
				return "", err
			}
			return cfg.UISocketFor(id.UID), nil
		},
		Processes: uiManager(cfg, launcher, current, logger),
		Recorder:  store,
		Logger:    logger,
	})
	svc = service.New(service.Options{
		Registry:   reg,
		Dispatcher: dispatcher,
		Relay:      relay,
		Mounter: &service.ExecMounter{
			Executable: cfg.ScalarExecutable,
			Launcher:   launcher,
			Logger:     logging.Component(logger, "mount"),
		},
		Channel:         cfg.ServiceSocket,
		Limiter:         rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.RequestBurst),
		Workers:         cfg.SweepWorkers,
		DisableSchedule: cfg.DisableSchedule,
		Logger:          logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	owner, sessionID := activeUser(*user, *session)
	if owner != "" {
		svc.RegisterActiveUser(ctx, owner, sessionID)
	} else {
		logger.Info().Msg("no active user; maintenance sweeps are skipped until one is registered")
	}

	fmt.Fprintf(stdout, "Service listening on %s. Press Ctrl+C to stop.\n", cfg.ServiceSocket)
	if err := svc.Run(ctx); err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Fprintln(stdout, "Service stopped.")
	return 0
}

// activeUser picks the owner and session the service serves. Root is never
// picked implicitly.
func activeUser(user, session string) (owner, sessionID string) {
	owner = user
	if owner == "" && os.Getuid() != 0 {
		owner = strconv.Itoa(os.Getuid())
	}
	if owner == "" {
		return "", ""
	}
	sessionID = session
	if sessionID == "" {
		sessionID = os.Getenv("XDG_SESSION_ID")
	}
	if sessionID == "" {
		sessionID = owner
	}
	return owner, sessionID
}

// sessionOwner returns the active user when sessionID is theirs, or "".
func sessionOwner(svc func() *service.Service, sessionID string) string {
	if s := svc(); s != nil {
		if owner, session, ok := s.ActiveUser(); ok && session == sessionID {
			return owner
		}
	}
	return ""
}

// uiManager builds the process manager the relay uses to relaunch the UI.
// The UI runs as the active user of the session it serves.
func uiManager(cfg config.Config, launcher dispatch.Launcher, svc func() *service.Service, logger zerolog.Logger) *notify.ExecUIManager {
	exe := cfg.UIExecutable
	if exe == "" {
		if self, err := os.Executable(); err == nil {
			exe = self
		}
	}

	m := &notify.ExecUIManager{
		ProcessName: cfg.UIProcessName,
		Executable:  exe,
		ChannelFor:  cfg.UISocketFor,
		Launcher:    launcher,
		OwnerOf: func(sessionID string) string {
			return sessionOwner(svc, sessionID)
		},
		Logger: logger,
	}
	if m.ProcessName == "" && exe != "" {
		// Match "<binary> ui ..." by command line; the service shares the binary.
		m.ProcessName = filepath.Base(exe) + " ui"
		m.KillCommand = []string{"pkill", "-f"}
	}
	return m
}
