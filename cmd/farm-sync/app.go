package main

import (
	"fmt"
	"log/slog"

	"github.com/alexjbarnes/farm-sync/internal/config"
	"github.com/alexjbarnes/farm-sync/internal/connectivity"
	"github.com/alexjbarnes/farm-sync/internal/engine"
	"github.com/alexjbarnes/farm-sync/internal/models"
	"github.com/alexjbarnes/farm-sync/internal/remote"
	"github.com/alexjbarnes/farm-sync/internal/resolve"
	"github.com/alexjbarnes/farm-sync/internal/retry"
	"github.com/alexjbarnes/farm-sync/internal/status"
	"github.com/alexjbarnes/farm-sync/internal/store"
	"github.com/alexjbarnes/farm-sync/internal/syncer"
)

// app holds the wired engine components.
type app struct {
	store     *store.Store
	retries   *retry.Scheduler
	monitor   *connectivity.Monitor
	orch      *engine.Orchestrator
	loop      *engine.Loop
	projector *status.Projector
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	st, err := store.Open(cfg.StatePath)
	if err != nil {
		return nil, err
	}

	monitor, err := connectivity.New(cfg.APIBaseURL, cfg.ConnectivityInterval, logger)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("creating connectivity monitor: %w", err)
	}

	client := remote.NewClient(cfg.APIBaseURL, cfg.APIKey, nil, logger)
	retries := retry.New(cfg.RetryBaseDelay, cfg.MaxRetries, logger)
	resolver := resolve.New(st, client, logger)

	syncers := make([]engine.Syncer, 0, len(models.Registry))
	for _, spec := range models.Registry {
		syncers = append(syncers, syncer.New(spec, st, client, retries, resolver, monitor.IsOnline, logger))
	}

	orch := engine.New(syncers, st, client, monitor, retries, engine.Options{
		BatchSize:                 cfg.BatchSize,
		HealthTimeout:             cfg.HealthTimeout,
		StrictBackendAvailability: cfg.StrictBackendAvailability,
	}, logger)

	loop := engine.NewLoop(orch, cfg.Interval(), cfg.EnableAutoSync, logger)

	logger.Info("engine ready",
		slog.String("state", cfg.StatePath),
		slog.Int("resources", len(syncers)),
		slog.Duration("interval", cfg.Interval()),
	)

	return &app{
		store:     st,
		retries:   retries,
		monitor:   monitor,
		orch:      orch,
		loop:      loop,
		projector: status.New(orch, loop, monitor, st, retries, logger),
	}, nil
}

// Close releases the store.
func (a *app) Close() {
	a.projector.Close()

	if err := a.store.Close(); err != nil {
		slog.Warn("closing state db", slog.String("error", err.Error()))
	}
}
