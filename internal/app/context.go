package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"taskpoints/internal/catalog"
	"taskpoints/internal/config"
	"taskpoints/internal/db"
	"taskpoints/internal/engine"
	"taskpoints/internal/logging"
	"taskpoints/internal/migrate"
	"taskpoints/internal/repo"
	"taskpoints/internal/reward"
)

// Overrides replace config values resolved from flags or env.
type Overrides struct {
	CatalogURL string
	LogLevel   string
	LogFormat  string
	LogFile    *string
	JWTSecret  string
}

// Context is an opened workspace: config, logger, database and the wired engine.
type Context struct {
	Workspace string
	Config    *config.Config
	Logger    *slog.Logger
	DB        *sql.DB
	Repo      repo.Repo
	Engine    engine.Engine

	closeLog func() error
}

// Open loads config from workspace (defaults when absent), opens and migrates
// the database and wires the reward pipeline into the engine.
func Open(ctx context.Context, workspace string, o Overrides) (*Context, error) {
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	applyOverrides(cfg, o)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
		Dir:    workspace,
	})
	if err != nil {
		return nil, fmt.Errorf("open log: %w", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	if _, err := migrate.Apply(ctx, conn); err != nil {
		_ = conn.Close()
		_ = closeLog()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	r := repo.Repo{DB: conn}
	return &Context{
		Workspace: workspace,
		Config:    cfg,
		Logger:    logger,
		DB:        conn,
		Repo:      r,
		Engine:    engine.New(conn, NewOrchestrator(cfg, r, logger), logger),
		closeLog:  closeLog,
	}, nil
}

// NewOrchestrator builds the reward pipeline from config.
func NewOrchestrator(cfg *config.Config, r repo.Repo, logger *slog.Logger) reward.Orchestrator {
	client := catalog.New(cfg.Catalog.BaseURL, cfg.Catalog.Timeout.Std())
	client.Logger = logger
	return reward.Orchestrator{
		Points:    reward.Aggregator{Source: r},
		Catalog:   client,
		Extractor: reward.Extractor{TrustedImagePrefix: cfg.Catalog.TrustedImagePrefix},
		Ledger:    reward.Ledger{Repo: r, Logger: logger},
		Logger:    logger,
	}
}

func applyOverrides(cfg *config.Config, o Overrides) {
	if o.CatalogURL != "" {
		cfg.Catalog.BaseURL = o.CatalogURL
	}
	if o.LogLevel != "" {
		cfg.Logging.Level = o.LogLevel
	}
	if o.LogFormat != "" {
		cfg.Logging.Format = o.LogFormat
	}
	if o.LogFile != nil {
		cfg.Logging.File = *o.LogFile
	}
	if o.JWTSecret != "" {
		cfg.Auth.JWTSecret = o.JWTSecret
	}
}

// Close releases the database and the log file.
func (c *Context) Close() error {
	var errs []error
	if c.DB != nil {
		errs = append(errs, c.DB.Close())
	}
	if c.closeLog != nil {
		errs = append(errs, c.closeLog())
	}
	return errors.Join(errs...)
}
