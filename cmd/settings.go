package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/scalar/service/internal/config"
	"github.com/scalar/service/internal/logging"
	"github.com/scalar/service/internal/registry"
	"github.com/scalar/service/internal/storage"
)

// settings holds the flags every command shares. Flag values take
// precedence over the config file.
type settings struct {
	ConfigPath string
	DataDir    string
	LogLevel   string
	LogFile    string
}

// AddFlags registers --config, --data-dir, --log-level and --log-file.
func (s *settings) AddFlags(fs *pflag.FlagSet) {
	fs.StringVar(&s.ConfigPath, "config", "", "Path to config file (default: ~/.scalar/service.toml)")
	fs.StringVar(&s.DataDir, "data-dir", "", "Directory holding the registry and audit database (default: ~/.scalar)")
	fs.StringVar(&s.LogLevel, "log-level", "", "Log level: debug, info, warn, error (default: info)")
	fs.StringVar(&s.LogFile, "log-file", "", "Append logs to this file instead of stderr")
}

// resolve loads the config file, applies flag overrides and fills defaults.
func (s *settings) resolve() (config.Config, error) {
	fileCfg, err := config.Load(s.ConfigPath)
	if err != nil {
		return config.Config{}, err
	}
	cfg := *fileCfg
	if s.DataDir != "" {
		cfg.DataDir = s.DataDir
	}
	if s.LogLevel != "" {
		cfg.LogLevel = s.LogLevel
	}
	if s.LogFile != "" {
		cfg.LogFile = s.LogFile
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	return cfg.WithDefaults(home), nil
}

// newLogger logs JSON to the log file, or human-readable lines to stderr.
func newLogger(cfg config.Config, stderr io.Writer) (zerolog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: cfg.LogFile == "",
		Output:  stderr,
	})
}

func newRegistry(cfg config.Config, logger zerolog.Logger) *registry.Registry {
	return registry.New(registry.Options{
		DataDir:        cfg.DataDir,
		LockStaleAfter: cfg.LockStaleAfter(),
		Logger:         logger,
	})
}

func openStore(cfg config.Config, logger zerolog.Logger) (*storage.SQLiteStore, error) {
	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	store, err := storage.NewSQLiteStore(cfg.AuditDB, logger)
	if err != nil {
		return nil, err
	}
	store.SetMaxRows(cfg.AuditMaxRows)
	return store, nil
}

// parseFlags parses args and reports whether the command should continue.
// The returned exit code is meaningful only when ok is false.
func parseFlags(fs *pflag.FlagSet, args []string) (code int, ok bool) {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return 0, false
		}
		return 1, false
	}
	return 0, true
}
