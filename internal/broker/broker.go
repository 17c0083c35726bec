package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"stmtFlow/internal/tasks"
)

// Client 封装一条进程级的 AMQP 连接与通道。
// 连接在启动时建立一次,整个进程生命周期内复用,
// 而不是按请求临时拨号。
type Client struct {
	conn    *amqp.Connection
	channel *amqp.Channel
}

// Dial 建立连接、打开通道并声明两个业务队列。
func Dial(url string) (*Client, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("dial rabbitmq: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	client := &Client{conn: conn, channel: ch}
	if err := client.declareQueues(); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}

	return client, nil
}

// DialWithRetry 以固定间隔重试直到连接成功。
// 队列属于长期基础设施依赖,启动阶段不设重试上限,
// 只阻塞当前组件的启动,每次失败都有日志可观测。
func DialWithRetry(ctx context.Context, url string, interval time.Duration, logger *slog.Logger) (*Client, error) {
	for {
		client, err := Dial(url)
		if err == nil {
			logger.Info("rabbitmq connection established")
			return client, nil
		}

		logger.Warn("rabbitmq not ready, retrying",
			slog.Duration("interval", interval),
			slog.Any("error", err),
		)

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial rabbitmq: %w", ctx.Err())
		case <-time.After(interval):
		}
	}
}

// 两个队列都声明为 durable,更新消息以持久化方式投递,
// Gateway 重启不丢弃在途的完成通知。
func (c *Client) declareQueues() error {
	for _, name := range []string{tasks.QueueTaskEvents, tasks.QueueTaskUpdates} {
		if _, err := c.channel.QueueDeclare(
			name,
			true,  // durable
			false, // auto-delete
			false, // exclusive
			false, // no-wait
			nil,
		); err != nil {
			return fmt.Errorf("declare queue %q: %w", name, err)
		}
	}
	return nil
}

// PublishJSON 将消息编码为 JSON 并以持久化模式发布到指定队列。
func (c *Client) PublishJSON(ctx context.Context, queue string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload for %q: %w", queue, err)
	}
	return c.Publish(ctx, queue, body, nil)
}

// Publish 发布原始消息体,可携带额外的 Header。
func (c *Client) Publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error {
	err := c.channel.PublishWithContext(
		ctx,
		"",    // default exchange
		queue, // routing key = queue name
		false, // mandatory
		false, // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Headers:      headers,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish to %q: %w", queue, err)
	}
	return nil
}

// Consume 注册消费者并返回投递通道。
// prefetch 限制未确认投递的数量,为慢速处理提供背压。
func (c *Client) Consume(queue string, prefetch int) (<-chan amqp.Delivery, error) {
	if err := c.channel.Qos(prefetch, 0, false); err != nil {
		return nil, fmt.Errorf("set qos on %q: %w", queue, err)
	}

	deliveries, err := c.channel.Consume(
		queue,
		"",    // consumer tag
		false, // auto-ack,必须手动确认
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("consume %q: %w", queue, err)
	}
	return deliveries, nil
}

// NotifyClose 返回连接关闭通知,供消费端实现重连。
func (c *Client) NotifyClose() <-chan *amqp.Error {
	return c.conn.NotifyClose(make(chan *amqp.Error, 1))
}

// IsClosed 报告底层连接是否已关闭。
func (c *Client) IsClosed() bool {
	return c.conn == nil || c.conn.IsClosed()
}

// Close 依次关闭通道与连接。
func (c *Client) Close() error {
	var firstErr error
	if c.channel != nil {
		if err := c.channel.Close(); err != nil {
			firstErr = fmt.Errorf("close channel: %w", err)
		}
		c.channel = nil
	}
	if c.conn != nil && !c.conn.IsClosed() {
		if err := c.conn.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close connection: %w", err)
		}
		c.conn = nil
	}
	return firstErr
}
