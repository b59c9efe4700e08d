package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/arena"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/config"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/dispatcher"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/metrics"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/readiness"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/registry/artifacts"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/trainer"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/warehouse"
	"github.com/prometheus/client_golang/prometheus"
)

// loadConfig reads the --config files, or the defaults when none is given,
// and validates the result.
func loadConfig() (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	if len(cfgFiles) == 0 {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgFiles...)
		if err != nil {
			return nil, fmt.Errorf("loading config: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// app holds the components every command shares.
type app struct {
	cfg        *config.Config
	registry   registry.Store
	warehouse  warehouse.Store
	classifier readiness.Classifier
	reconciler registry.Reconciler
	promReg    *prometheus.Registry
	metrics    *metrics.Metrics
}

// openApp starts both stores and builds the components on top of them.
func openApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{
		cfg:       cfg,
		registry:  registry.NewStore(log, &cfg.Database),
		warehouse: warehouse.NewStore(log, &cfg.Database),
		promReg:   prometheus.NewRegistry(),
	}

	if err := a.registry.Start(ctx); err != nil {
		return nil, fmt.Errorf("starting registry store: %w", err)
	}

	if err := a.warehouse.Start(ctx); err != nil {
		_ = a.registry.Stop()

		return nil, fmt.Errorf("starting warehouse store: %w", err)
	}

	files, err := artifacts.New(log, &cfg.Registry.Artifacts)
	if err != nil {
		a.close()

		return nil, fmt.Errorf("creating file registry: %w", err)
	}

	a.metrics = metrics.New(a.promReg)
	a.classifier = readiness.NewClassifier(
		log, a.warehouse, a.registry, readiness.ThresholdsFrom(&cfg.Readiness),
	)
	a.reconciler = registry.NewReconciler(log, a.registry, files)

	return a, nil
}

// dispatcher wires a Dispatcher against the configured trainer service.
func (a *app) dispatcher() (dispatcher.Dispatcher, error) {
	if a.cfg.Trainer.BaseURL == "" {
		return nil, fmt.Errorf("trainer.base_url is not configured")
	}

	client := trainer.NewClient(log, &a.cfg.Trainer)

	return dispatcher.NewDispatcher(log, dispatcher.ConfigFrom(a.cfg), dispatcher.Dependencies{
		Tenants:    a.warehouse,
		Registry:   a.registry,
		Readiness:  a.classifier,
		Arena:      arena.New(arena.ConfigFrom(&a.cfg.Arena)),
		Trainer:    client,
		Business:   client,
		Reconciler: a.reconciler,
		Metrics:    a.metrics,
	}), nil
}

func (a *app) close() {
	if err := a.warehouse.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop warehouse store")
	}

	if err := a.registry.Stop(); err != nil {
		log.WithError(err).Warn("Failed to stop registry store")
	}
}

// printJSON writes v to stdout as indented JSON.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}

	return nil
}
