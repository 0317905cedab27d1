package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/Tyrowin/roombroker/internal/metrics"
	"github.com/Tyrowin/roombroker/internal/server"
	gfshutdown "github.com/gelmium/graceful-shutdown"
	"github.com/joho/godotenv"
)

func main() {
	// .env is optional; real deployments set the environment directly
	envErr := godotenv.Load()

	cfg := server.NewConfigFromEnv().Sanitize()
	logger := server.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	if envErr != nil && !os.IsNotExist(envErr) {
		logger.Warn("could not load .env file", slog.Any("error", envErr))
	}

	logger.Info("starting room broker",
		slog.String("env", cfg.Env),
		slog.String("port", cfg.Port),
		slog.Any("allowedOrigins", cfg.AllowedOrigins))

	m := metrics.New()
	hub, err := server.NewHub(cfg, logger, m)
	if err != nil {
		logger.Error("failed to create hub", slog.Any("error", err))
		os.Exit(1)
	}

	httpServer := server.CreateServer(cfg.Port, server.NewRouter(hub, m, cfg, logger))

	go func() {
		if err := server.StartServer(httpServer, logger); err != nil {
			logger.Error("server failed", slog.Any("error", err))
			os.Exit(1)
		}
	}()

	wait := gfshutdown.GracefulShutdown(
		context.Background(),
		cfg.ShutdownTimeout,
		map[string]gfshutdown.Operation{
			"http": func(ctx context.Context) error {
				return server.ShutdownServer(ctx, httpServer, logger)
			},
			"hub": func(context.Context) error {
				return hub.Shutdown(cfg.ShutdownTimeout)
			},
		},
	)

	exitCode := <-wait
	logger.Info("room broker exited", slog.Int("code", exitCode))
	os.Exit(exitCode)
}
