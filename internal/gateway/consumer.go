package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"stmtFlow/internal/broker"
	"stmtFlow/internal/metrics"
	"stmtFlow/internal/tasks"
)

const (
	initialConsumeDelay = 5 * time.Second
	reconnectInterval   = 5 * time.Second
)

// UpdateConsumer 在后台消费 task_updates,把完成通知
// 路由到对应用户的活跃会话。
type UpdateConsumer struct {
	url      string
	registry *Registry
	logger   *slog.Logger
}

// NewUpdateConsumer 构造后台消费者。
func NewUpdateConsumer(url string, registry *Registry, logger *slog.Logger) *UpdateConsumer {
	return &UpdateConsumer{
		url:      url,
		registry: registry,
		logger:   logger,
	}
}

// Run 持续消费直到 ctx 取消。连接或通道断开时自动重连,
// 客户端会话的生命周期与这里完全无关。
func (c *UpdateConsumer) Run(ctx context.Context) {
	// 留一段启动延迟,等队列先就绪。
	select {
	case <-ctx.Done():
		return
	case <-time.After(initialConsumeDelay):
	}

	for {
		if err := c.consumeOnce(ctx); err != nil {
			c.logger.Warn("update consumer disconnected, reconnecting",
				slog.Duration("interval", reconnectInterval),
				slog.Any("error", err),
			)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
		}
	}
}

// consumeOnce 建立一次连接并消费到断开为止。
func (c *UpdateConsumer) consumeOnce(ctx context.Context) error {
	client, err := broker.DialWithRetry(ctx, c.url, reconnectInterval, c.logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := client.Close(); err != nil {
			c.logger.Warn("close broker client failed", slog.Any("error", err))
		}
	}()

	deliveries, err := client.Consume(tasks.QueueTaskUpdates, 1)
	if err != nil {
		return err
	}

	c.logger.Info("consuming task updates")

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
			c.handleDelivery(d)
		}
	}
}

// handleDelivery 解码通知并推送给对应会话,然后确认投递。
// 用户不在线时确认并丢弃:对客户端的至多一次投递是明确的设计取舍。
func (c *UpdateConsumer) handleDelivery(d amqp.Delivery) {
	var update tasks.TaskUpdate
	if err := json.Unmarshal(d.Body, &update); err != nil {
		c.logger.Error("unmarshal task update failed, dropping message", slog.Any("error", err))
		_ = d.Reject(false)
		return
	}

	// 原样转发队列中的 JSON,不重新编码。
	if c.registry.Send(update.UserEmail, d.Body) {
		metrics.UpdateDelivered()
		c.logger.Info("update delivered",
			slog.String("user_email", update.UserEmail),
			slog.String("status", update.Status),
		)
	} else {
		metrics.UpdateDropped()
		c.logger.Debug("no active session for update, dropping",
			slog.String("user_email", update.UserEmail),
		)
	}

	_ = d.Ack(false)
}
