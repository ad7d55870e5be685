package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/wesm/ado-asana-sync/config"
	"github.com/wesm/ado-asana-sync/internal/api"
	"github.com/wesm/ado-asana-sync/internal/db"
	"github.com/wesm/ado-asana-sync/internal/identity"
	"github.com/wesm/ado-asana-sync/internal/sync"
	"github.com/wesm/ado-asana-sync/internal/telemetry"
)

// app holds the collaborators shared by the sync commands
type app struct {
	cfg       *config.Config
	db        *db.DB
	ado       *api.ADOClient
	asana     *api.AsanaClient
	tel       *telemetry.Telemetry
	logCloser io.Closer
}

// setup loads and validates the full configuration, then opens the store
func setup(ctx context.Context, envFile string) (*app, error) {
	cfg, err := config.Load(envFile)
	if err != nil {
		return nil, err
	}

	projects, err := config.LoadProjects(cfg.ProjectsFile)
	if err != nil {
		return nil, fmt.Errorf("%w (run `ado-asana-sync init` to create one)", err)
	}
	cfg.Projects = projects

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	a, err := newApp(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(cfg.DatabasePath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	database, err := db.New(cfg.DatabasePath)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Initialize(); err != nil {
		database.Close()
		a.Close()
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a.db = database

	return a, nil
}

// newApp installs logging and telemetry and builds the API clients
func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	tel, err := telemetry.SetupOTel(ctx, telemetry.OTelConfig{
		Endpoint:       cfg.OTelEndpoint,
		Headers:        cfg.OTelHeaders,
		ServiceName:    cfg.OTelServiceName,
		ServiceVersion: Version,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to set up telemetry: %w", err)
	}

	_, closer := telemetry.SetupLogger(telemetry.LogConfig{
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
		File:        cfg.LogFile,
		ServiceName: cfg.OTelServiceName,
		Export:      tel != nil,
	})

	return &app{
		cfg:       cfg,
		ado:       api.NewADOClient(cfg.ADOURL, cfg.ADOPAT),
		asana:     api.NewAsanaClient(api.AsanaBaseURL, cfg.AsanaToken),
		tel:       tel,
		logCloser: closer,
	}, nil
}

// syncer resolves the Asana workspace and builds the orchestrator
func (a *app) syncer(ctx context.Context) (*sync.Syncer, error) {
	workspace, err := a.asana.WorkspaceGID(ctx, a.cfg.AsanaWorkspaceName)
	if err != nil {
		return nil, err
	}

	matcher := identity.NewMatcher(a.asana, workspace, a.cfg.UserCacheTTL)

	return sync.New(a.ado, a.asana, a.db, matcher, a.cfg.Projects, sync.Options{
		WorkspaceGID:  workspace,
		TagName:       a.cfg.TagName,
		ClosedStates:  a.cfg.ClosedStates,
		RetentionDays: a.cfg.RetentionDays,
		Workers:       a.cfg.Workers,
	}), nil
}

func (a *app) Close() {
	if a.db != nil {
		a.db.Close()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.tel.Shutdown(shutdownCtx); err != nil {
		slog.Warn("Telemetry shutdown failed", "error", err)
	}
	if a.logCloser != nil {
		a.logCloser.Close()
	}
}
