package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"rollmarket/gateway/auth"
	"rollmarket/observability/logging"
)

const shutdownTimeout = 10 * time.Second

func main() {
	configPath := flag.String("config", "market-gateway.toml", "path to the gateway configuration file")
	flag.Parse()

	log := logging.Setup("market-gateway", os.Getenv("ROLLMARKET_ENV"), "")

	cfg, err := LoadConfig(*configPath)
	if err != nil {
		log.Error("load config", "error", err)
		os.Exit(1)
	}
	store, err := NewSQLiteStore(cfg.SQLitePath)
	if err != nil {
		log.Error("open sqlite store", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	secrets := make(map[string]string, len(cfg.APIKeys))
	for _, key := range cfg.APIKeys {
		secrets[key.Key] = key.Secret
	}
	authenticator := auth.NewAuthenticator(secrets, cfg.TimestampSkew(), cfg.NonceTTL(), nil)
	node := NewRPCNodeClient(cfg.NodeURL, cfg.NodeAuthToken)
	queue := NewWebhookQueue()
	server := NewServer(authenticator, node, store, queue, cfg, log)
	worker := NewWebhookWorker(store, queue, cfg, log)
	watcher := NewEventWatcher(node, store, queue, log, cfg.EventPollInterval())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go worker.Run(ctx)
	go watcher.Run(ctx)

	srv := &http.Server{
		Addr:    cfg.ListenAddress,
		Handler: server.Router(),
	}

	go func() {
		log.Info("market gateway listening", "address", cfg.ListenAddress)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("listen", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	log.Info("shutting down market gateway")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("graceful shutdown failed", "error", err)
	}
}
