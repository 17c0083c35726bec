package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"stmtFlow/internal/broker"
	"stmtFlow/internal/config"
	"stmtFlow/internal/database"
	"stmtFlow/internal/storage"
	"stmtFlow/internal/tasks"
	"stmtFlow/internal/worker"
)

const dialRetryInterval = 5 * time.Second

func main() {
	cfg := config.MustLoad()

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	db, err := database.InitDatabase(cfg.Database)
	if err != nil {
		log.Fatalf("init database: %v", err)
	}
	log.Println("database connection ready for worker")

	storageClient, err := storage.NewClient(cfg.MinIO)
	if err != nil {
		log.Fatalf("init storage client: %v", err)
	}
	log.Printf("storage client ready, bucket=%s", cfg.MinIO.Bucket)

	redisAddr := fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port)
	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error("close redis client failed", slog.Any("error", err))
		}
	}()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("ping redis: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := worker.NewStatementHandler(
		db,
		storageClient,
		nil, // publisher 在连接建立后注入
		worker.NewRedisDeduper(redisClient),
		logger,
	)

	logger.Info("worker service started", slog.String("rabbit_host", cfg.Rabbit.Host))

	// 连接断开后从头再来:拨号自身带无限重试,
	// 所以这里的循环只在消费中断时重新走一遍建链流程。
	for {
		if err := runConsumeLoop(ctx, cfg.Rabbit.URL(), handler, logger); err != nil {
			logger.Warn("consume loop ended, restarting",
				slog.Duration("interval", dialRetryInterval),
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			logger.Info("worker shutting down")
			return
		case <-time.After(dialRetryInterval):
		}
	}
}

// runConsumeLoop 建立一次连接并消费 task_events 直到中断。
// prefetch 为 1:同一时刻只处理一条未确认投递,
// 用最简单的方式为慢速的 PDF 渲染提供背压。
func runConsumeLoop(ctx context.Context, url string, handler *worker.StatementHandler, logger *slog.Logger) error {
	client, err := broker.DialWithRetry(ctx, url, dialRetryInterval, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			logger.Warn("close broker client failed", slog.Any("error", err))
		}
	}()

	handler.SetPublisher(client)

	deliveries, err := client.Consume(tasks.QueueTaskEvents, 1)
	if err != nil {
		return err
	}

	logger.Info("consuming task events")

	closed := client.NotifyClose()
	for {
		select {
		case <-ctx.Done():
			return nil
		case amqpErr := <-closed:
			if amqpErr != nil {
				return amqpErr
			}
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return nil
			}
			handler.HandleDelivery(ctx, d)
		}
	}
}
