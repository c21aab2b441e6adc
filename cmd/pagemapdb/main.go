package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"pagemapdb/internal/http"
	"pagemapdb/pkg/metrics"
	"pagemapdb/pkg/store"
)

func main() {
	configPath := flag.String("config", "pagemapdb.yaml", "path to YAML config")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	cfg, err := initConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	initLogger(&cfg)

	registry := metrics.NewRegistry()

	st, err := store.Open(cfg.Storage, registry)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}

	server := http.NewServer(st, registry, fmt.Sprintf("%d", cfg.Server.Port))
	if err := server.Start(); err != nil {
		slog.Error("failed to start HTTP server", "error", err)
		os.Exit(1)
	}

	<-ctx.Done()
	slog.Info("shutting down")

	if err := server.Stop(); err != nil {
		slog.Error("failed to stop HTTP server", "error", err)
	}
	if err := st.Close(); err != nil {
		slog.Error("failed to close store", "error", err)
	}
}
