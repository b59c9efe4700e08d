package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/api"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/dispatcher"
	"github.com/ColbyRReichenbach/shelfops-sub001/pkg/ingest"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the dispatcher, ingest listener and API server",
	Long: `Run the long-lived components enabled in the config: the retrain
dispatcher loop, the Kafka ingestion listener and the operational HTTP API.
The file registry is reconciled once at startup.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// stopper is a component started by serve.
type stopper interface {
	Stop() error
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// The config level applies unless --log-level was given.
	if !cmd.Flags().Changed("log-level") {
		if err := setLogLevel(cfg.Global.LogLevel); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}

	defer a.close()

	if report, err := a.reconciler.Sync(ctx); err != nil {
		log.WithError(err).Warn("Initial file registry sync failed")
		a.metrics.ObserveSync(0, true, err)
	} else {
		a.metrics.ObserveSync(report.FilesWritten, false, nil)
	}

	var (
		started []stopper
		disp    dispatcher.Dispatcher
	)

	defer func() {
		for i := len(started) - 1; i >= 0; i-- {
			if err := started[i].Stop(); err != nil {
				log.WithError(err).Warn("Failed to stop component")
			}
		}
	}()

	if cfg.Dispatcher.Enabled {
		disp, err = a.dispatcher()
		if err != nil {
			return err
		}

		if err := disp.Start(ctx); err != nil {
			return fmt.Errorf("starting dispatcher: %w", err)
		}

		started = append(started, disp)
	}

	if cfg.Ingest.Enabled {
		reader := ingest.NewKafkaReader(log, &cfg.Ingest)
		listener := ingest.NewListener(log, reader, a.warehouse, a.metrics)

		if err := listener.Start(ctx); err != nil {
			return fmt.Errorf("starting ingest listener: %w", err)
		}

		started = append(started, listener)
	}

	if cfg.API.Enabled {
		srv := api.NewServer(log, &cfg.API, api.Dependencies{
			Registry:   a.registry,
			Readiness:  a.classifier,
			Reconciler: a.reconciler,
			Dispatcher: disp,
			Tenants:    a.warehouse,
			Gatherer:   a.promReg,
			ModelNames: cfg.Dispatcher.ModelNames,
		})

		if err := srv.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}

		started = append(started, srv)
	}

	if len(started) == 0 {
		return fmt.Errorf("nothing to serve: enable dispatcher, ingest or api in the config")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	log.WithField("signal", sig.String()).Info("Received signal, shutting down")

	cancel()

	return nil
}
