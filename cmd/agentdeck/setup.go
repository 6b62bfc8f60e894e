package main

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/m4xw311/agentdeck/config"
	"github.com/m4xw311/agentdeck/errors"
	"github.com/m4xw311/agentdeck/logging"
	"github.com/m4xw311/agentdeck/store"
	"github.com/m4xw311/agentdeck/store/jsonfile"
	"github.com/m4xw311/agentdeck/store/sqlite"
)

// load reads the configuration and builds the logger every command uses.
func load(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, nil, errors.Wrapf(err, "error loading configuration")
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	logger, err := logging.New(cfg.Logging, stderr)
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// openStore returns nil when persistence is turned off. Relative paths
// and the defaults live under the user's config directory.
func openStore(cfg config.Store) (store.Store, error) {
	if cfg.Kind == "none" {
		return nil, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, errors.Wrapf(err, "could not find home directory")
	}
	path := cfg.Path
	switch {
	case path == "" && cfg.Kind == "sqlite":
		path = "sessions.db"
	case path == "":
		path = "sessions"
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(home, config.Dir, path)
	}

	switch cfg.Kind {
	case "sqlite":
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.Wrapf(err, "could not create store directory")
		}
		return sqlite.New(path)
	case "json", "":
		return jsonfile.New(path)
	}
	return nil, errors.New("unknown store kind '%s'", cfg.Kind)
}

func requireStore(cfg config.Store) (store.Store, error) {
	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	if st == nil {
		return nil, errors.New("session storage is turned off (store.kind is none)")
	}
	return st, nil
}
