package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"wallet/internal/cli"
	apphttp "wallet/internal/http"
	"wallet/internal/log"
	"wallet/internal/services"
)

func main() {
	cfg, logger := cli.Bootstrap(log.ComponentApp)
	logger.Info("Starting wallet server",
		"port", cfg.Port,
		"data_backend", cfg.DataBackend,
		"events_backend", cfg.EventsBackend,
		log.FieldOperation, log.OpStartup)

	ctx, stop := cli.SignalContext(context.Background(), logger)
	defer stop()

	_, _, res, err := cli.OpenBackend(ctx, cfg, logger)
	if err != nil {
		logger.Error("Failed to initialize backend", log.FieldError, err)
		os.Exit(1)
	}

	ledger := services.NewLedgerService(res.Store, res.Publisher, logger)
	reports := services.NewReportService(res.Store, logger)

	srv := apphttp.NewServer(apphttp.Options{
		Addr:               ":" + cfg.Port,
		Ledger:             ledger,
		Reports:            reports,
		Logger:             logger,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		SummaryCacheTTL:    cfg.SummaryCacheTTL,
		Ready: func(ctx context.Context) error {
			_, err := res.Store.Profiles().List(ctx)
			return err
		},
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("HTTP server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	runErr := g.Wait()
	if err := res.Cleanup(); err != nil {
		logger.Error("Backend cleanup failed", log.FieldError, err)
	}
	if runErr != nil {
		logger.Error("Server error", log.FieldError, runErr)
		os.Exit(1)
	}
	logger.Info("Server stopped gracefully", log.FieldOperation, log.OpShutdown)
}
