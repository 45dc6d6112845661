package main

import (
	"context"
	"errors"
	"os"

	"golang.org/x/sync/errgroup"

	"wallet/internal/backend"
	"wallet/internal/cli"
	"wallet/internal/events"
	"wallet/internal/log"
	"wallet/internal/worker"
)

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentWorker)
	logger.Info("Starting wallet-worker",
		"data_backend", cfg.DataBackend,
		"events_backend", cfg.EventsBackend,
		"reconcile_interval", cfg.ReconcileInterval.String(),
		log.FieldOperation, log.OpStartup)

	ctx, stop := cli.SignalContext(context.Background(), logger)
	defer stop()

	factory, bcfg, res, err := cli.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err)
		os.Exit(1)
	}
	if bcfg.Type == backend.MemoryBackend {
		logger.Warn("Memory backend is process-local: the worker only sees its own seeded profiles")
	}
	// the worker never publishes
	if err := res.Publisher.Close(); err != nil {
		logger.Warn("Failed to close unused publisher", log.FieldError, err)
	}

	reconciler := worker.NewReconciler(res.Store, logger)

	var consumer events.Consumer
	consumer, err = factory.CreateConsumer(ctx, bcfg)
	switch {
	case errors.Is(err, backend.ErrEventsDisabled):
		logger.Info("Events disabled, running periodic reconciliation only")
	case err != nil:
		logger.Error("Failed to initialize event consumer", log.FieldError, err)
		_ = res.Store.Close()
		os.Exit(1)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return reconciler.Run(gctx, cfg.ReconcileInterval)
	})
	if consumer != nil {
		g.Go(func() error {
			err := consumer.Consume(gctx, reconciler.HandleEvent)
			if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, events.ErrClosed) {
				return nil
			}
			return err
		})
	}

	runErr := g.Wait()
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("Failed to close consumer", log.FieldError, err)
		}
	}
	if err := res.Store.Close(); err != nil {
		logger.Error("Failed to close store", log.FieldError, err)
	}

	checked, drifted := reconciler.Stats()
	if runErr != nil {
		logger.Error("Worker stopped with error", log.FieldError, runErr, "checked", checked, "drifted", drifted)
		os.Exit(1)
	}
	logger.Info("Worker shutdown complete", "checked", checked, "drifted", drifted, log.FieldOperation, log.OpShutdown)
}
