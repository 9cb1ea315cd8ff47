package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"remindd/internal/api"
	"remindd/internal/bridge"
	"remindd/internal/config"
	"remindd/internal/notify"
	"remindd/internal/scheduler"
	"remindd/internal/store"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stdout})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}

	dsn := fmt.Sprintf("file:%s?cache=shared&mode=rwc&_pragma=journal_mode(WAL)", cfg.DBPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		log.Fatal().Err(err).Msg("open db")
	}
	defer db.Close()
	db.SetMaxOpenConns(1) // SQLite single writer

	if err := store.EnsureSchema(db); err != nil {
		log.Fatal().Err(err).Msg("ensure schema")
	}

	st := store.NewSQLiteStore(db)
	if n, err := st.RecoverStale(context.Background(), cfg.VisibilityTimeout); err == nil && n > 0 {
		log.Info().Int("recovered", n).Msg("recovered reminders stuck in firing")
	}

	sink := buildSink(cfg)
	registry := bridge.NewTaskRegistry()
	sched := scheduler.New(st, registry, sink, scheduler.Options{
		PollInterval: cfg.PollInterval,
		BatchLimit:   cfg.BatchLimit,
		MaxAttempts:  cfg.MaxAttempts,
		Concurrency:  cfg.Concurrency,
		Visibility:   cfg.VisibilityTimeout,
	})
	br := bridge.New(st, sched)

	ctx, cancel := context.WithCancel(context.Background())
	schedDone := make(chan struct{})
	go func() {
		sched.Start(ctx)
		close(schedDone)
	}()

	srv := &http.Server{
		Addr:    cfg.Addr,
		Handler: api.NewServerWithDebug(st, br, registry, cfg.DefaultTimezone, cfg.EnableDebug),
	}
	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("HTTP server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server")
		}
	}()

	// Graceful shutdown: stop claiming, let in-flight deliveries finish.
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	<-c
	log.Info().Msg("shutting down")
	sched.Stop()
	// In-flight deliveries run on ctx; don't cancel it until the loop has
	// drained them.
	<-schedDone
	cancel()
	ctxTimeout, cancelTimeout := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelTimeout()
	_ = srv.Shutdown(ctxTimeout)
}

func buildSink(cfg config.Config) notify.Sink {
	switch {
	case cfg.WebhookURL != "":
		log.Info().Str("url", cfg.WebhookURL).Msg("using webhook notification sink")
		return notify.NewBreakerSink(notify.NewWebhookSink(cfg.WebhookURL, 30*time.Second), "webhook-sink")
	case cfg.NotifyCommand != "":
		log.Info().Str("command", cfg.NotifyCommand).Msg("using exec notification sink")
		return notify.ExecSink{Command: cfg.NotifyCommand}
	default:
		log.Warn().Msg("no notification sink configured, logging reminders only")
		return notify.LogSink{}
	}
}
