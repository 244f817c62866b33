package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"vectable/internal/config"
	"vectable/internal/datadir"
	"vectable/internal/embeddings"
	"vectable/internal/storage"
	"vectable/internal/table"
	"vectable/internal/trace"
)

// app is everything a command needs: the loaded config, an open database
// and the registry tables are reopened with.
type app struct {
	cfg      *config.Config
	dd       *datadir.DataDir
	store    *storage.SQLite
	db       *table.DB
	registry *embeddings.Registry
	shutdown func(context.Context) error
}

// loadConfig reads the config file named by --config, or the default one
// in the data directory.
func loadConfig() (*config.Config, *datadir.DataDir, error) {
	dd, err := datadir.New("")
	if err != nil {
		return nil, nil, err
	}
	path := cfgFile
	if path == "" {
		path = dd.ConfigFile()
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	if verbose {
		cfg.Debug.VerboseLogging = true
	}
	// data_dir from the file applies unless the environment overrides it
	if dd, err = datadir.New(cfg.DataDir); err != nil {
		return nil, nil, err
	}
	return cfg, dd, nil
}

func openApp(ctx context.Context) (*app, error) {
	cfg, dd, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := dd.EnsureDirs(); err != nil {
		return nil, err
	}

	endpoint := otlpEndpoint
	if endpoint == "" {
		endpoint = cfg.Trace.Endpoint
	}
	shutdown, err := trace.Init(ctx, trace.Config{
		Endpoint: endpoint,
		Insecure: cfg.Trace.Insecure,
		Headers:  cfg.Trace.Headers,
	})
	if err != nil {
		return nil, err
	}

	path := dbPath
	if path == "" {
		path = dd.DatabasePath(cfg.Database.Path)
	}
	store, err := storage.OpenSQLite(path)
	if err != nil {
		shutdown(ctx)
		return nil, err
	}
	if cfg.Debug.VerboseLogging {
		log.Printf("vectable: database %s", path)
	}

	// Instances created with cache: true share the database's embedding cache.
	registry := embeddings.Default()
	registry.SetCache(store)

	db := table.Connect(store,
		table.WithRegistry(registry),
		table.WithVerbose(cfg.Debug.VerboseLogging),
	)
	return &app{cfg: cfg, dd: dd, store: store, db: db, registry: registry, shutdown: shutdown}, nil
}

func (a *app) Close(ctx context.Context) error {
	return errors.Join(a.db.Close(ctx), a.shutdown(ctx))
}

// withApp opens the app for the duration of fn.
func withApp(ctx context.Context, fn func(*app) error) (err error) {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := a.Close(ctx); cerr != nil && err == nil {
			err = cerr
		}
	}()
	return fn(a)
}
