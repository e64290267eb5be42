package cli

import (
	"context"
	"encoding/json"
	"io"

	"github.com/kimhsiao/offlinesync/internal/config"
	"github.com/kimhsiao/offlinesync/internal/credential"
	"github.com/kimhsiao/offlinesync/internal/db"
	apperrors "github.com/kimhsiao/offlinesync/internal/errors"
	"github.com/kimhsiao/offlinesync/internal/logging"
	offsync "github.com/kimhsiao/offlinesync/internal/sync"
	"github.com/kimhsiao/offlinesync/internal/sync/network"
	"github.com/kimhsiao/offlinesync/internal/sync/transport"
)

func defaultConfigPath() string {
	return config.DefaultPath()
}

// app is the wired engine with its storage, built per command.
type app struct {
	cfg    *config.Config
	db     *db.DB
	engine *offsync.Engine
	log    *logging.Logger
}

// appMode selects how much of the engine a command needs.
type appMode int

const (
	// modeLocal reads and edits the local queue; the API is never called.
	modeLocal appMode = iota
	// modeRemote talks to the API and requires api.base_url.
	modeRemote
)

func loadConfig(opts *RootOptions) (*config.Config, error) {
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, opts *RootOptions, w io.Writer) *logging.Logger {
	level, err := logging.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logging.LevelInfo
	}
	if opts.Verbose {
		level = logging.LevelDebug
	}
	return logging.New(w, level)
}

func credentialStore(cfg *config.Config, opts *RootOptions) (*credential.Store, error) {
	if opts.Keyring != nil {
		return credential.NewStore(opts.Keyring), nil
	}
	ring, err := credential.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open keyring", err)
	}
	return credential.NewStore(ring), nil
}

// unconfigured stands in for the API when a command never sends requests.
// Its failures are retryable so nothing is dropped if it is reached.
var unconfigured = transport.Func(func(context.Context, string, string, json.RawMessage) (*transport.Result, error) {
	return nil, apperrors.New(apperrors.ErrNetwork, "api.base_url is not configured")
})

func openApp(ctx context.Context, opts *RootOptions, logOut io.Writer, mode appMode) (*app, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}
	log := newLogger(cfg, opts, logOut)

	var tr transport.Transport = unconfigured
	var prober network.Prober
	if mode == modeRemote {
		if cfg.API.BaseURL == "" {
			return nil, NewExitError(ExitCommandError, "api.base_url is required")
		}
		topts := []transport.Option{
			transport.WithLogger(log.Component("transport")),
			transport.WithUserAgent("offlinesync/" + Version),
		}
		if cfg.API.TokenKey != "" {
			creds, err := credentialStore(cfg, opts)
			if err != nil {
				return nil, err
			}
			topts = append(topts, transport.WithTokenSource(creds.TokenSource(cfg.API.TokenKey)))
		}
		httpTransport, err := transport.NewHTTPTransport(cfg.API.BaseURL, topts...)
		if err != nil {
			return nil, WrapExitError(ExitCommandError, "failed to create transport", err)
		}
		tr = httpTransport
		if url := cfg.ProbeURL(); cfg.EnablePing && url != "" {
			prober = network.NewHTTPProber(url)
		}
	}

	database, err := db.Open(cfg.Storage.DataDir)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open database", err)
	}

	engineOpts := []offsync.Option{offsync.WithLogger(log.Component("engine"))}
	if mode == modeLocal {
		engineOpts = append(engineOpts, offsync.WithInitialOnline(false))
	}
	engine, err := offsync.NewEngine(cfg.Engine(), offsync.Dependencies{
		Persister: db.NewQueueRepository(database),
		Cache:     db.NewCacheRepository(database),
		Transport: tr,
		Prober:    prober,
	}, engineOpts...)
	if err != nil {
		database.Close()
		return nil, err
	}

	if err := engine.Load(ctx); err != nil {
		engine.Close()
		database.Close()
		return nil, err
	}

	return &app{cfg: cfg, db: database, engine: engine, log: log}, nil
}

func (a *app) Close() {
	a.engine.Close()
	if err := a.db.Close(); err != nil {
		a.log.Warn("Failed to close database", map[string]interface{}{"error": err.Error()})
	}
}
