package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ahump20/blaze-intelligence-sub001/internal/adapters/kafka"
	"github.com/ahump20/blaze-intelligence-sub001/internal/api/routes"
	"github.com/ahump20/blaze-intelligence-sub001/internal/config"
	"github.com/ahump20/blaze-intelligence-sub001/internal/connector"
	"github.com/ahump20/blaze-intelligence-sub001/internal/database"
	"github.com/ahump20/blaze-intelligence-sub001/internal/services"
	"github.com/ahump20/blaze-intelligence-sub001/internal/websocket"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	slog.Info("Starting blaze fan-out server")

	opts := connector.Options{
		Fetcher:     connector.NewHTTPFetcher(cfg.Connector.FetchTimeout),
		MaxAttempts: cfg.Connector.MaxAttempts,
		BaseDelay:   cfg.Connector.BaseDelay,
	}

	if cfg.Redis.URI != "" {
		redisClient, err := database.NewRedisConnection(cfg.Redis.URI)
		if err != nil {
			slog.Error("Failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		defer redisClient.Close()
		opts.Snapshots = services.NewSnapshotService(redisClient)
	}

	if len(cfg.Kafka.Brokers) > 0 {
		publisher, err := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
		if err != nil {
			slog.Error("Failed to connect to Kafka", "error", err)
			os.Exit(1)
		}
		defer publisher.Close()
		opts.Audit = publisher
	}

	conn := connector.New(opts)
	for _, src := range cfg.Connector.Sources {
		if err := conn.RegisterSource(connector.Source{
			Key:      src.Key,
			URL:      src.URL,
			Interval: src.Interval,
			TTL:      src.TTL,
		}); err != nil {
			slog.Error("Failed to register source", "source", src.Key, "error", err)
			os.Exit(1)
		}
	}

	hub := websocket.NewHub(conn, cfg.Hub.HeartbeatInterval)
	go hub.Run()

	// One broadcast handler per source, registered up front.
	for _, key := range conn.Sources() {
		if err := conn.Subscribe(key, hub.BroadcastSource); err != nil {
			slog.Error("Failed to subscribe hub to source", "source", key, "error", err)
			os.Exit(1)
		}
	}

	conn.Start(context.Background())

	router := routes.NewRouter(hub, conn)
	router.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      router.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Server starting", "address", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Shutdown("server shutting down")
	conn.Stop()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped")
}
