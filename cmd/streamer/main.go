package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mkarlsen/wspipe/internal/config"
	"github.com/mkarlsen/wspipe/internal/connection"
	"github.com/mkarlsen/wspipe/internal/database"
	"github.com/mkarlsen/wspipe/internal/journal"
	"github.com/mkarlsen/wspipe/internal/version"
)

func main() {
	configPath := flag.String("config", "configs/streamer.local.yaml", "path to config file")
	flag.Parse()

	// Set up structured logging
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))
	slog.SetDefault(logger)

	logger.Info("starting streamer",
		"version", version.String(),
		"config", *configPath,
	)

	// Load configuration
	cfg, err := config.LoadAndValidate(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger.Info("configuration loaded",
		"instance_id", cfg.Instance.ID,
		"stream_url", cfg.Stream.URL,
	)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Info("received shutdown signal", "signal", sig)
		cancel()
	}()

	// Connect to database
	logger.Info("connecting to database",
		"host", cfg.Database.Postgres.Host,
		"port", cfg.Database.Postgres.Port,
		"database", cfg.Database.Postgres.Name,
	)

	pool, err := database.Connect(ctx, cfg.Database.Postgres)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	logger.Info("database connected")

	// Start the journal writer
	jrn := journal.New(journal.Config{
		Table:         cfg.Journal.Table,
		BatchSize:     cfg.Journal.BatchSize,
		FlushInterval: cfg.Journal.FlushInterval,
		BufferSize:    cfg.Journal.BufferSize,
	}, pool, logger)

	if err := jrn.Start(ctx); err != nil {
		logger.Error("failed to start journal", "error", err)
		os.Exit(1)
	}

	// Build the connection manager
	wsOpts := connection.WebSocketOptions{
		HandshakeTimeout: cfg.Stream.HandshakeTimeout,
		WriteTimeout:     cfg.Stream.WriteTimeout,
	}
	if cfg.Stream.AuthToken != "" {
		wsOpts.Header = http.Header{}
		wsOpts.Header.Set("Authorization", "Bearer "+cfg.Stream.AuthToken)
	}

	opts := connection.DefaultOptions()
	opts.AutoConnect = false
	opts.HeartbeatInterval = cfg.Stream.HeartbeatInterval
	opts.HeartbeatTimeout = cfg.Stream.HeartbeatTimeout
	opts.ReconnectBaseInterval = cfg.Stream.ReconnectBaseDelay
	opts.MaxReconnectInterval = cfg.Stream.ReconnectMaxDelay
	opts.MaxReconnectAttempts = cfg.Stream.MaxReconnectAttempts
	opts.QueueLimit = cfg.Stream.QueueLimit
	if cfg.Stream.PingMessage != "" {
		ping := []byte(cfg.Stream.PingMessage)
		pong := cfg.Stream.PongMessage
		opts.GetPingMessage = func() []byte { return ping }
		opts.IsPongMessage = func(data []byte) bool { return string(data) == pong }
	}

	mgr := connection.NewManager(
		cfg.Stream.URL,
		connection.NewWebSocketDialer(wsOpts),
		opts,
		logger,
	)

	mgr.On(connection.EventMessage, func(ev connection.Event) {
		jrn.Record(ev.Raw, time.Now().UTC())
	})
	mgr.On(connection.EventOpen, func(ev connection.Event) {
		logger.Info("stream open", "url", cfg.Stream.URL)
	})
	mgr.On(connection.EventClose, func(ev connection.Event) {
		logger.Info("stream closed",
			"code", ev.Code,
			"reason", ev.Reason,
			"clean", ev.WasClean,
		)
	})
	mgr.On(connection.EventError, func(ev connection.Event) {
		logger.Warn("stream error", "error", ev.Err)
	})
	mgr.On(connection.EventReconnectAttempt, func(ev connection.Event) {
		logger.Info("reconnecting",
			"attempt", ev.Attempt,
			"delay", ev.Delay,
		)
	})
	mgr.On(connection.EventReconnectFailed, func(ev connection.Event) {
		logger.Error("reconnect attempts exhausted", "attempts", ev.Attempt)
		cancel()
	})

	mgr.Connect()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		<-gctx.Done()

		logger.Info("shutting down stream")
		mgr.Close(connection.CloseGoingAway, "shutdown")
		mgr.Destroy()
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()
		return jrn.Stop(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	stats := jrn.Stats()
	logger.Info("streamer stopped",
		"enqueued", stats.Enqueued,
		"inserts", stats.Inserts,
		"conflicts", stats.Conflicts,
		"flushes", stats.Flushes,
		"errors", stats.Errors,
	)
}
