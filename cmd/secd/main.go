// Command secd runs the saga execution coordinator as a daemon.
//
//	secd -config sec.yaml
//
// It loads the configuration, opens the state store, connects the
// dispatcher, re-drives unfinished sagas and serves the HTTP API until
// interrupted.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fortressi/sec"
	"github.com/fortressi/sec/api"
	"github.com/fortressi/sec/config"
	"github.com/fortressi/sec/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("SEC_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "secd: %v\n", err)
		os.Exit(1)
	}
	log, err := cfg.Logging.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "secd: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Error("secd stopped", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *zap.Logger) error {
	log.Info("configuration loaded", zap.Strings("sources", cfg.LoadedFrom))

	registry := sec.NewRegistry()
	if err := cfg.RegisterDefinitions(registry); err != nil {
		return err
	}

	store, closeStore, err := openStore(ctx, cfg.Store)
	if err != nil {
		return err
	}
	defer closeStore()

	dispatcher, err := openDispatcher(ctx, cfg.Dispatcher, log)
	if err != nil {
		return err
	}
	defer dispatcher.close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	collector := metrics.New(reg)

	coordinator := sec.NewCoordinator(registry, store, dispatcher,
		sec.WithLogger(log),
		sec.WithSink(sec.MultiSink{sec.LogSink{Log: log}, collector}),
		sec.WithWorkers(cfg.Coordinator.Workers),
		sec.WithQueueSize(cfg.Coordinator.QueueSize),
		sec.WithSweepInterval(cfg.Coordinator.SweepInterval),
	)
	defer coordinator.Close()
	dispatcher.start(ctx)

	recovered, err := coordinator.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover sagas: %w", err)
	}
	log.Info("coordinator ready",
		zap.Int("recovered", recovered),
		zap.Int("definitions", len(registry.Definitions())),
		zap.String("store", cfg.Store.Kind),
		zap.String("dispatcher", cfg.Dispatcher.Kind),
	)

	srv := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      api.NewServer(coordinator, registry, metrics.Handler(reg), log).Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info("http server listening", zap.String("addr", srv.Addr))
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("http shutdown", zap.Error(err))
	}
	return nil
}
