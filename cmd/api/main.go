package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"stmtFlow/internal/api"
	"stmtFlow/internal/auth"
	"stmtFlow/internal/broker"
	"stmtFlow/internal/config"
	"stmtFlow/internal/database"
	"stmtFlow/internal/storage"
)

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	log.Printf("api bootstrapped with db host=%s port=%d db=%s sslmode=%s",
		cfg.Database.Host,
		cfg.Database.Port,
		cfg.Database.Name,
		cfg.Database.SSLMode,
	)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	log.Printf("database connection ready")

	if err := db.AutoMigrate(&database.User{}, &database.Task{}); err != nil {
		log.Fatalf("auto migrate: %v", err)
	}
	log.Printf("database migrated")

	authService, err := auth.NewAuthService(
		[]byte(cfg.Auth.SecretKey),
		time.Duration(cfg.Auth.AccessTokenMinutes)*time.Minute,
	)
	if err != nil {
		log.Fatalf("init auth service: %v", err)
	}

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	log.Printf("storage client ready, bucket=%s", cfg.MinIO.Bucket)

	// 进程持有一条长期复用的队列连接,而不是按请求拨号。
	brokerClient, err := broker.DialWithRetry(context.Background(), cfg.Rabbit.URL(), 5*time.Second, logger)
	if err != nil {
		log.Fatalf("dial rabbitmq: %v", err)
	}
	defer func() {
		if err := brokerClient.Close(); err != nil {
			logger.Error("close broker client failed", slog.Any("error", err))
		}
	}()

	address := fmt.Sprintf(":%d", cfg.API.Port)
	log.Printf("api listening on %s", address)

	router := api.NewRouter()
	api.RegisterRoutes(router, db, brokerClient, storageClient, authService, logger)

	if err := router.Run(address); err != nil {
		log.Fatalf("failed to start api server: %v", err)
	}
}
