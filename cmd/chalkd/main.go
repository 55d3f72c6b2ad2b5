package main

import (
	"context"
	"log"
	"log/slog"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/chalkroom/chalkroom/internal/api"
	"github.com/chalkroom/chalkroom/internal/config"
	"github.com/chalkroom/chalkroom/internal/credentials"
	"github.com/chalkroom/chalkroom/internal/gateway"
	"github.com/chalkroom/chalkroom/internal/history"
	"github.com/chalkroom/chalkroom/internal/relay"
	"github.com/chalkroom/chalkroom/internal/server"
	"github.com/chalkroom/chalkroom/internal/telemetry"
)

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(os.Getenv("CHALK_CONFIG"))
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	shutdownTracer, err := telemetry.InitTracer("chalkd", logger)
	if err != nil {
		log.Fatalf("Failed to initialize tracer: %v", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", slog.String("error", err.Error()))
		}
	}()

	events, err := history.New(cfg.History.DSN, logger)
	if err != nil {
		log.Fatalf("Failed to open event log: %v", err)
	}
	defer events.Close()

	client, err := api.New(api.Config{
		BaseURL:          cfg.Service.BaseURL,
		TranscriptionURL: cfg.Service.TranscriptionURL,
		Timeout:          time.Duration(cfg.Service.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.Fatalf("Failed to create service client: %v", err)
	}

	origin, err := url.Parse(cfg.Service.BaseURL)
	if err != nil {
		log.Fatalf("Invalid service base URL: %v", err)
	}
	creds := credentials.NewCookieStore(client.Jar(), origin, cfg.Service.CookieName)

	gw := gateway.New(gateway.Config{
		Service:        client,
		Credentials:    creds,
		SocketURL:      cfg.Socket.URL,
		DialTimeout:    time.Duration(cfg.Socket.DialSeconds) * time.Second,
		RedialAttempts: cfg.Socket.RedialAttempts,
		RedialBackoff:  time.Duration(cfg.Socket.RedialMillis) * time.Millisecond,
		Recorder:       events,
		Logger:         logger,
	})
	defer gw.Close()

	bridge := relay.NewBridge(cfg.Bridge.Origin, gw,
		relay.WithCallTimeout(time.Duration(cfg.Bridge.CallTimeoutMS)*time.Millisecond),
		relay.WithLogger(logger),
	)
	defer bridge.Close()
	gw.SetPublisher(bridge.Publish)

	admin := server.New(server.Config{
		Port:    cfg.Admin.Port,
		Session: gw,
		Events:  events,
		Logger:  logger,
	})
	go func() {
		if err := admin.Start(); err != nil {
			logger.Error("admin server failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}()

	logger.Info("chalkd started",
		slog.String("service", cfg.Service.BaseURL),
		slog.String("socket", cfg.Socket.URL),
		slog.Int("admin_port", cfg.Admin.Port),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := admin.Shutdown(shutdownCtx); err != nil {
		logger.Error("admin shutdown error", slog.String("error", err.Error()))
	}

	logger.Info("chalkd stopped")
}
