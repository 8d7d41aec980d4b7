package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/acme/outbound-dialer/internal/api"
	"github.com/acme/outbound-dialer/internal/api/handlers"
	"github.com/acme/outbound-dialer/internal/app"
	"github.com/acme/outbound-dialer/internal/telemetry"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	configPath := flag.String("config", getEnv("CONFIG_FILE", "configs/config.yaml"), "path to configuration file")
	flag.Parse()

	container, err := app.Build(ctx, *configPath)
	if err != nil {
		log.Fatalf("failed to bootstrap application: %v", err)
	}
	defer container.Close()

	shutdown, err := telemetry.Setup(ctx, container.Config.Telemetry, container.Config.App.Name, container.Config.App.Version)
	if err != nil {
		log.Fatalf("failed to initialize telemetry: %v", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	if err := container.EnsureTopics(ctx); err != nil {
		log.Fatalf("failed to ensure kafka topics: %v", err)
	}

	core, err := container.Core(ctx)
	if err != nil {
		log.Fatalf("failed to build scheduling core: %v", err)
	}
	if err := core.Dispatcher.Restore(ctx); err != nil {
		log.Fatalf("failed to restore state: %v", err)
	}

	handlerSet, err := handlers.NewHandlerSet(ctx, container)
	if err != nil {
		log.Fatalf("failed to build handlers: %v", err)
	}
	server := api.NewServer(container, handlerSet)

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return server.Start(gctx)
	})
	group.Go(func() error {
		return core.Dispatcher.Run(gctx)
	})
	if core.Consumer != nil {
		group.Go(func() error {
			return core.Consumer.Run(gctx)
		})
	}

	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("dialer terminated: %v", err)
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
