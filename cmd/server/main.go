package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log/slog"

	"realtime-service/internal/adapters/kafka"
	"realtime-service/internal/api/routes"
	"realtime-service/internal/config"
	"realtime-service/internal/database"
	"realtime-service/internal/realtime"
	"realtime-service/internal/services"
	"realtime-service/internal/store"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal("Failed to load config:", err)
	}

	slog.Info("Starting realtime server")

	redisClient, err := database.NewRedisConnection(&cfg.Redis)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()

	mongoDB, err := database.NewMongoConnection(&cfg.Mongo)
	if err != nil {
		slog.Error("Failed to connect to MongoDB", "error", err)
		os.Exit(1)
	}
	defer mongoDB.Close(context.Background())

	db, err := database.NewPostgresConnection(cfg.Database.URI)
	if err != nil {
		slog.Error("Failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}

	messages, err := store.NewMongoMessages(mongoDB.DB)
	if err != nil {
		slog.Error("Failed to initialize message store", "error", err)
		os.Exit(1)
	}
	users, err := store.NewGormUsers(db)
	if err != nil {
		slog.Error("Failed to initialize user directory", "error", err)
		os.Exit(1)
	}

	redisService := services.NewRedisService(redisClient)
	producer := kafka.NewPublisher(cfg.Kafka.Brokers, cfg.Kafka.Topic)
	if producer != nil {
		defer producer.Close()
	} else {
		slog.Info("Kafka publishing disabled, no brokers configured")
	}

	// The dispatcher only ever relays; archiving delivered messages is a
	// publisher concern so the relay path stays store-free.
	publisher := services.NewFanoutPublisher(services.NewArchiver(messages), producer)

	registry := realtime.NewRegistry(redisService)
	router := realtime.NewRouter(registry)
	dispatcher := realtime.NewDispatcher(registry, router, publisher, cfg.Server.TypingTTL)
	hub := realtime.NewHub(dispatcher)
	go hub.Run()

	apiRouter := routes.NewRouter(hub, redisService, messages, users, cfg.Server.SocketPath, cfg.JWT.Secret)
	apiRouter.SetupRoutes()

	server := &http.Server{
		Addr:         fmt.Sprintf("%s:%s", cfg.Server.Host, cfg.Server.Port),
		Handler:      apiRouter.GetEngine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		slog.Info("Server starting", "address", server.Addr, "socketPath", cfg.Server.SocketPath)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server failed to start", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Server shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	hub.Stop()

	if err := server.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server stopped")
}
