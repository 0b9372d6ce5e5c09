package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ncecere/usage_meter/internal/app"
	"github.com/ncecere/usage_meter/internal/config"
	"github.com/ncecere/usage_meter/internal/database"
	"github.com/ncecere/usage_meter/internal/httpserver"
	"github.com/ncecere/usage_meter/internal/redisclient"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(config.Options{})
	if err != nil {
		log.Fatalf("load config: %v", err)
	}

	if err := database.RunMigrations(ctx, cfg.Database); err != nil {
		log.Fatalf("run migrations: %v", err)
	}

	dbPool, err := database.Connect(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer dbPool.Close()

	redisClient := redisclient.New(cfg.Redis)
	if err := redisclient.Ping(ctx, redisClient); err != nil {
		log.Fatalf("connect redis: %v", err)
	}
	defer redisClient.Close()

	container, err := app.NewContainer(ctx, cfg, dbPool, redisClient)
	if err != nil {
		log.Fatalf("build container: %v", err)
	}
	if container.Observability != nil {
		defer container.Observability.Shutdown(ctx)
	}

	if err := container.Processor.Start(ctx); err != nil {
		log.Fatalf("start billing processor: %v", err)
	}
	if err := container.Aggregator.Start(ctx); err != nil {
		log.Fatalf("start usage aggregator: %v", err)
	}

	server, err := httpserver.New(container)
	if err != nil {
		log.Fatalf("construct server: %v", err)
	}

	if err := server.Listen(ctx); err != nil && err != context.Canceled {
		log.Fatalf("server stopped: %v", err)
	}

	// Let the in-flight batch and rollup cycle finish before releasing the pool.
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := container.Processor.Stop(stopCtx); err != nil {
		log.Printf("stop billing processor: %v", err)
	}
	if err := container.Aggregator.Stop(stopCtx); err != nil {
		log.Printf("stop usage aggregator: %v", err)
	}
}
