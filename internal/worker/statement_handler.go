package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/gorm"

	"stmtFlow/internal/database"
	"stmtFlow/internal/metrics"
	"stmtFlow/internal/pdf"
	"stmtFlow/internal/tasks"
)

// 处理失败的重投策略:带重试计数上限的重新入队。
// 超过上限后记录日志并丢弃,既不无限重试、也不静默崩溃。
const (
	retryCountHeader  = "x-retry-count"
	maxProcessRetries = 3
)

const completedMessage = "Your Bank Statement is ready for download!"

// UpdatePublisher 抽象完成通知与重投消息的发布端。
type UpdatePublisher interface {
	PublishJSON(ctx context.Context, queue string, payload any) error
	Publish(ctx context.Context, queue string, body []byte, headers amqp.Table) error
}

// ObjectUploader 抽象渲染产物的存储端。
type ObjectUploader interface {
	UploadFile(ctx context.Context, objectName string, reader io.Reader, size int64, contentType string) (*minio.UploadInfo, error)
}

// StatementHandler 负责消费 task_events 并生成对账单。
type StatementHandler struct {
	db        *gorm.DB
	storage   ObjectUploader
	publisher UpdatePublisher
	deduper   Deduper
	logger    *slog.Logger

	// 渲染入口可替换,测试时无需拉起浏览器。
	render func(htmlContent string) ([]byte, error)
}

// NewStatementHandler 创建任务处理器。
func NewStatementHandler(
	db *gorm.DB,
	storage ObjectUploader,
	publisher UpdatePublisher,
	deduper Deduper,
	logger *slog.Logger,
) *StatementHandler {
	return &StatementHandler{
		db:        db,
		storage:   storage,
		publisher: publisher,
		deduper:   deduper,
		logger:    logger,
		render:    pdf.RenderHTML,
	}
}

// SetPublisher 更换发布端。重连后新的通道通过这里注入;
// 消费与发布共用一条连接,调用方保证两者同生共死。
func (h *StatementHandler) SetPublisher(publisher UpdatePublisher) {
	h.publisher = publisher
}

// HandleDelivery 处理一条队列投递,并负责其确认。
// 确认顺序是不变式:完成通知成功交给队列之后,才确认原始投递。
func (h *StatementHandler) HandleDelivery(ctx context.Context, d amqp.Delivery) {
	log := h.logger

	var event tasks.TaskEvent
	if err := json.Unmarshal(d.Body, &event); err != nil {
		// 无法解码的消息重投多少次都不会成功,记录后丢弃。
		log.Error("unmarshal task event failed, dropping message", slog.Any("error", err))
		metrics.EventFailed()
		_ = d.Reject(false)
		return
	}

	log = log.With(
		slog.String("task_id", event.TaskID),
		slog.String("user_email", event.UserEmail),
		slog.String("correlation_id", event.CorrelationID),
	)

	first, err := h.deduper.MarkProcessed(ctx, event.TaskID)
	if err != nil {
		// 幂等标记不可用时继续处理:宁可冒重复通知的风险,
		// 也不能让整条流水线停在 Redis 故障上。
		log.Warn("dedupe mark failed, processing anyway", slog.Any("error", err))
	} else if !first {
		log.Info("duplicate delivery for already processed task, acking")
		_ = d.Ack(false)
		return
	}

	processed, err := h.process(ctx, event)
	if err != nil {
		log.Error("process task event failed", slog.Any("error", err))
		metrics.EventFailed()
		h.clearMark(ctx, event.TaskID, log)
		h.retryOrDrop(ctx, d, log)
		return
	}
	if !processed {
		// 任务记录已不存在(被删),确认后跳过,不发完成通知。
		_ = d.Ack(false)
		return
	}

	update := tasks.TaskUpdate{
		UserEmail: event.UserEmail,
		Status:    tasks.StatusCompleted,
		Message:   completedMessage,
	}
	if err := h.publisher.PublishJSON(ctx, tasks.QueueTaskUpdates, update); err != nil {
		// 通知没有交到队列手里,不能确认原始投递,
		// 否则两头都丢。留给队列按未确认投递重发。
		log.Error("publish task update failed, leaving delivery unacked", slog.Any("error", err))
		metrics.EventFailed()
		h.clearMark(ctx, event.TaskID, log)
		_ = d.Nack(false, true)
		return
	}

	metrics.EventProcessed()
	_ = d.Ack(false)
	log.Info("statement generated and update published")
}

// process 生成对账单 PDF、上传存储并回写任务状态。
// 返回 false 表示任务记录已不存在,事件应当被跳过。
func (h *StatementHandler) process(ctx context.Context, event tasks.TaskEvent) (bool, error) {
	taskID, err := strconv.ParseUint(event.TaskID, 10, 64)
	if err != nil {
		return false, fmt.Errorf("parse task id %q: %w", event.TaskID, err)
	}

	var task database.Task
	if err := h.db.WithContext(ctx).First(&task, uint(taskID)).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// 事件先写库后发布,记录缺失只可能是任务被删。
			h.logger.Warn("task not found, skipping event", slog.String("task_id", event.TaskID))
			return false, nil
		}
		return false, fmt.Errorf("query task %s: %w", event.TaskID, err)
	}

	htmlContent, err := renderStatementHTML(task.Title, event.TaskID, task.UserEmail, task.Params, time.Now())
	if err != nil {
		return false, err
	}

	pdfBytes, err := h.render(htmlContent)
	if err != nil {
		return false, fmt.Errorf("render statement pdf: %w", err)
	}

	objectName := fmt.Sprintf("statements/%s/%s.pdf", task.UserEmail, uuid.NewString())
	if _, err := h.storage.UploadFile(ctx, objectName, bytes.NewReader(pdfBytes), int64(len(pdfBytes)), "application/pdf"); err != nil {
		return false, fmt.Errorf("upload statement pdf: %w", err)
	}

	if err := h.db.WithContext(ctx).Model(&task).Updates(map[string]any{
		"pdf_key": objectName,
		"status":  "completed",
	}).Error; err != nil {
		return false, fmt.Errorf("update task %s: %w", event.TaskID, err)
	}

	return true, nil
}

// clearMark 在处理失败后撤销幂等标记,让重投有机会再次执行。
func (h *StatementHandler) clearMark(ctx context.Context, taskID string, log *slog.Logger) {
	if err := h.deduper.Clear(ctx, taskID); err != nil {
		log.Warn("clear dedupe mark failed", slog.Any("error", err))
	}
}

// retryOrDrop 将失败的事件带着递增的重试计数重新入队,
// 超过上限则丢弃。两种情况都确认原始投递。
func (h *StatementHandler) retryOrDrop(ctx context.Context, d amqp.Delivery, log *slog.Logger) {
	count := retryCountFromHeaders(d.Headers)
	if count >= maxProcessRetries {
		log.Error("dropping task event after max retries", slog.Int("retries", count))
		_ = d.Ack(false)
		return
	}

	headers := amqp.Table{retryCountHeader: int32(count + 1)}
	if err := h.publisher.Publish(ctx, tasks.QueueTaskEvents, d.Body, headers); err != nil {
		log.Error("requeue task event failed, leaving delivery unacked", slog.Any("error", err))
		_ = d.Nack(false, true)
		return
	}

	log.Warn("task event requeued for retry", slog.Int("attempt", count+1))
	_ = d.Ack(false)
}

func retryCountFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	switch v := headers[retryCountHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	default:
		return 0
	}
}
