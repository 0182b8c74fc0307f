package main

import (
	"context"
	"errors"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/mimiq/mimiq/config"
	"github.com/mimiq/mimiq/service"
	"github.com/mimiq/mimiq/store"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	var st store.Store
	if cfg.Store.Type == "memory" {
		st = store.NewMemoryStore()
	} else {
		fdbStore, err := store.NewFDBStore([]string{cfg.Store.Directory})
		if err != nil {
			logger.Error("opening store", "error", err)
			os.Exit(1)
		}
		st = fdbStore
	}

	queues := service.NewQueueEngine(st, logger)
	queues.PollInterval = cfg.Sweep.PollInterval
	topics := service.NewTopicEngine(st, logger)

	fanout := service.NewFanoutEngine(st, queues, logger)
	fanout.Interval = cfg.Sweep.FanoutInterval
	depth := service.NewDepthAggregator(st, logger)
	depth.Interval = cfg.Sweep.DepthInterval

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fanout.Start(ctx)
	depth.Start(ctx)

	app := &App{
		Cfg:    cfg,
		Store:  st,
		Queues: queues,
		Topics: topics,
		Log:    logger,
	}

	srv := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: app.Router(),
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("listening", "addr", cfg.Server.Addr,
			"region", cfg.Identity.Region, "accountId", cfg.Identity.AccountID)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown", "error", err)
	}
	fanout.Stop()
	depth.Stop()
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
