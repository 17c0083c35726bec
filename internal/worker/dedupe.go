package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	processedKeyPrefix = "worker:processed:task:"
	processedKeyTTL    = 24 * time.Hour
)

// Deduper 判定某个任务是否已经处理过。
// 队列提供的是 at-least-once 投递,重复投递必须在这里拦下,
// 避免同一任务生成两份对账单、推送两次完成通知。
type Deduper interface {
	MarkProcessed(ctx context.Context, taskID string) (bool, error)
	Clear(ctx context.Context, taskID string) error
}

// RedisDeduper 基于 Redis SETNX 实现跨 Worker 实例的幂等标记。
type RedisDeduper struct {
	client redis.UniversalClient
}

// NewRedisDeduper 构造 RedisDeduper。
func NewRedisDeduper(client redis.UniversalClient) *RedisDeduper {
	return &RedisDeduper{client: client}
}

// MarkProcessed 尝试标记任务已处理。
// 返回 true 表示本次是首个标记者,应当继续处理;
// 返回 false 表示任务已被处理过,应当直接确认并跳过。
func (d *RedisDeduper) MarkProcessed(ctx context.Context, taskID string) (bool, error) {
	ok, err := d.client.SetNX(ctx, processedKeyPrefix+taskID, "1", processedKeyTTL).Result()
	if err != nil {
		return false, fmt.Errorf("mark task %s processed: %w", taskID, err)
	}
	return ok, nil
}

// Clear 撤销处理标记,失败后的重投才能重新进入处理。
func (d *RedisDeduper) Clear(ctx context.Context, taskID string) error {
	if err := d.client.Del(ctx, processedKeyPrefix+taskID).Err(); err != nil {
		return fmt.Errorf("clear task %s processed mark: %w", taskID, err)
	}
	return nil
}
