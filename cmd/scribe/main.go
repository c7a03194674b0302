package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MikeSquared-Agency/scribe/internal/api"
	"github.com/MikeSquared-Agency/scribe/internal/archive"
	"github.com/MikeSquared-Agency/scribe/internal/batcher"
	"github.com/MikeSquared-Agency/scribe/internal/bus"
	"github.com/MikeSquared-Agency/scribe/internal/config"
	"github.com/MikeSquared-Agency/scribe/internal/lifecycle"
	"github.com/MikeSquared-Agency/scribe/internal/metrics"
	"github.com/MikeSquared-Agency/scribe/internal/session"
	slackalert "github.com/MikeSquared-Agency/scribe/internal/slack"
	"github.com/MikeSquared-Agency/scribe/internal/store"
	"github.com/MikeSquared-Agency/scribe/internal/stream"
)

func main() {
	cfg, err := config.LoadFile(".env")
	if err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}
	setupLogging(cfg.LogLevel)
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("scribe starting",
		"port", cfg.Port,
		"transport", cfg.UpstreamTransport,
		"nats_url", cfg.NatsURL,
		"database", cfg.DatabaseURL != "",
		"turn_timeout", cfg.TurnTimeout,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var sinks lifecycle.EventFanout

	// Step 1: Connect to NATS when configured. Required for the nats transport.
	var b *bus.Bus
	if cfg.NatsURL != "" {
		b, err = bus.Connect(cfg.NatsURL)
		if err != nil {
			slog.Error("failed to connect to NATS", "error", err)
			os.Exit(1)
		}
		defer b.Close()
		b.EnsureStreams(ctx)
		sinks = append(sinks, b)
		slog.Info("NATS connected")
	}

	// Step 2: Slack alerts for failed turns.
	var alerter *slackalert.Alerter
	if cfg.SlackBotToken != "" && cfg.SlackAlertChannel != "" {
		alerter = slackalert.NewAlerter(cfg.SlackBotToken, cfg.SlackAlertChannel)
		sinks = append(sinks, alerter)
		slog.Info("Slack alerter enabled", "channel", cfg.SlackAlertChannel)
	}

	// Step 3: Database, batcher and processors. Without a database drafts live in memory.
	var (
		dataStore store.DataStore
		bat       *batcher.Batcher
		drafts    session.DraftStore = session.NewMemoryDrafts()
		arch      session.MessageArchive
	)
	if cfg.DatabaseURL != "" {
		db, err := store.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer db.Close()
		if err := db.EnsureSchema(ctx); err != nil {
			slog.Error("failed to ensure schema", "error", err)
			os.Exit(1)
		}
		slog.Info("database connected")

		dataStore, drafts, arch = db, db, db
		bat = batcher.New(db, batcher.Config{
			FlushInterval:  cfg.BatchFlushInterval,
			FlushThreshold: cfg.BatchFlushThreshold,
			BufferMax:      cfg.BufferMaxSize,
		}, archive.NewProcessor(db), metrics.NewProcessor(db))
		bat.SetAlertPublisher(func(subject string, data []byte) error {
			if alerter != nil {
				go func() {
					actx, acancel := context.WithTimeout(context.Background(), 15*time.Second)
					defer acancel()
					if err := alerter.PostSystemAlert(actx, subject, data); err != nil {
						slog.Warn("failed to post system alert to Slack", "error", err)
					}
				}()
			}
			if b == nil {
				return nil
			}
			return b.Publish(subject, data)
		})
		bat.Start(ctx)
		sinks = append(sinks, bat)
	}

	// Step 4: Upstream transport.
	var tr stream.Transport
	switch cfg.UpstreamTransport {
	case config.TransportWS:
		tr = stream.NewWSTransport(cfg.UpstreamURL, cfg.UpstreamToken)
	case config.TransportNATS:
		tr = stream.NewNATSTransport(b.Conn(), cfg.UpstreamSubject)
	default:
		tr = stream.NewSSETransport(cfg.UpstreamURL, cfg.UpstreamToken)
	}

	// Step 5: Sessions and the HTTP API.
	sessions := session.NewManager(session.Options{
		Transport:   tr,
		Drafts:      drafts,
		Archive:     arch,
		Events:      sinks,
		TurnTimeout: cfg.TurnTimeout,
	})

	srv := api.NewServer(sessions, dataStore, bat, cfg.Port)
	httpSrv := &http.Server{
		Addr:              srv.Addr(),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		slog.Info("starting HTTP API", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("scribe ready", "port", cfg.Port)

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh

	slog.Info("shutting down", "signal", sig)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("HTTP shutdown incomplete", "error", err)
	}
	if err := sessions.Shutdown(shutdownCtx); err != nil {
		slog.Warn("sessions did not stop in time", "error", err)
	}
	cancel()
	if bat != nil {
		bat.Wait()
	}
	slog.Info("scribe stopped")
}

func setupLogging(level string) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	slog.SetDefault(slog.New(handler))
}
