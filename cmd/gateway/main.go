package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"stmtFlow/internal/api"
	"stmtFlow/internal/config"
	"stmtFlow/internal/gateway"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	registry := gateway.NewRegistry()

	consumer := gateway.NewUpdateConsumer(cfg.Rabbit.URL(), registry, logger)
	go consumer.Run(ctx)

	wsHandler := gateway.NewWsHandler(registry, logger)

	router := api.NewRouter()
	router.GET("/v1/ws/:user_email", wsHandler.HandleConnection)

	address := fmt.Sprintf(":%d", cfg.Gateway.Port)
	logger.Info("gateway listening", slog.String("address", address))

	if err := router.Run(address); err != nil {
		log.Fatalf("failed to start gateway server: %v", err)
	}
}
