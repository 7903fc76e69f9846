package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"your.org/secretaria-backend/internal/auth"
	"your.org/secretaria-backend/internal/calendar"
	"your.org/secretaria-backend/internal/config"
	"your.org/secretaria-backend/internal/gateway"
	"your.org/secretaria-backend/internal/httpapi"
	ilog "your.org/secretaria-backend/internal/log"
	"your.org/secretaria-backend/internal/status"
	"your.org/secretaria-backend/internal/store"
	"your.org/secretaria-backend/internal/webhook"
	"your.org/secretaria-backend/internal/whatsapp"
)

// main is the entrypoint for the secretaria backend.  It wires together
// the configuration loader, the persistence store, the external-service
// clients, the WhatsApp lifecycle manager and the HTTP API server.  All
// long-running components are started concurrently and the application
// shuts down gracefully when an interrupt signal (SIGINT or SIGTERM) is
// received.
func main() {
	// Load configuration from environment variables.  If required
	// values are missing a sensible default is used instead.  See
	// config.NewConfig for details on each field.
	cfg := config.NewConfig()

	// Init the Redis status mirror (no-op if REDIS_URL empty).
	mirror := status.NewMirror(cfg.RedisURL)

	// Pick the persistence backend: the managed Supabase deployment
	// when configured, otherwise a local SQLite file.
	var st store.Store
	if cfg.SupabaseURL != "" {
		st = store.NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey)
		ilog.Infof("using supabase store at %s", cfg.SupabaseURL)
	} else {
		sqliteStore, err := store.NewSQLiteStore(cfg.SQLitePath)
		if err != nil {
			ilog.Errorf("failed to open sqlite store: %v", err)
			os.Exit(1)
		}
		st = sqliteStore
		ilog.Infof("using local sqlite store at %s", cfg.SQLitePath)
	}

	// The QR cache is process-local by default; Redis makes it shared
	// so any replica can answer /qrcode for any user.
	var qrCache whatsapp.QRCache
	if cfg.RedisURL != "" {
		redisCache, err := whatsapp.NewRedisQRCache(cfg.RedisURL)
		if err != nil {
			ilog.Errorf("invalid REDIS_URL, falling back to in-memory QR cache: %v", err)
			qrCache = whatsapp.NewMemoryQRCache()
		} else {
			qrCache = redisCache
		}
	} else {
		qrCache = whatsapp.NewMemoryQRCache()
	}

	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.WebhookURL, cfg.WebhookAPIKey)
	manager := whatsapp.NewManager(st, gw, qrCache, mirror, cfg.InstancePrefix)

	authClient := auth.NewClient(cfg.SupabaseURL, cfg.SupabaseKey)
	cal := calendar.NewClient(cfg.GoogleClientID, cfg.GoogleClientSecret, cfg.GoogleRedirectURI, st)

	publisher := webhook.NewPublisher(cfg.AMQPURL, cfg.AMQPExchange)
	dispatcher := &webhook.Dispatcher{WhatsApp: manager, Calendar: cal}
	consumer := webhook.NewConsumer(cfg, dispatcher)

	srv := httpapi.NewServer(cfg, authClient, st, manager, cal, publisher, dispatcher)

	// The root context is cancelled on SIGINT or SIGTERM which signals
	// all subordinate goroutines to stop.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Start the AMQP action consumer in a separate goroutine.  It
	// blocks until the context is cancelled.
	go func() {
		if err := consumer.Start(ctx); err != nil {
			ilog.Errorf("AMQP consumer stopped: %v", err)
		}
	}()

	// Start the HTTP API server.  ListenAndServe blocks so it is
	// executed in its own goroutine.
	go func() {
		if err := srv.Start(); err != nil {
			ilog.Errorf("HTTP server stopped: %v", err)
		}
	}()
	ilog.Infof("listening on %s", cfg.HTTPAddr)

	// Wait for a termination signal and initiate a graceful shutdown.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	ilog.Infof("shutting down…")

	cancel()

	if err := srv.Shutdown(context.Background()); err != nil {
		ilog.Errorf("failed to shutdown HTTP server: %v", err)
	}
	// Stop every in-flight poll task before releasing the store.
	manager.Close()
	publisher.Close()
	if err := st.Close(); err != nil {
		ilog.Errorf("failed to close store: %v", err)
	}
}
