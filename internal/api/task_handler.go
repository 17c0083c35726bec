package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"stmtFlow/internal/api/middleware"
	"stmtFlow/internal/database"
	"stmtFlow/internal/metrics"
	"stmtFlow/internal/tasks"
)

// EventPublisher 抽象任务事件的发布端,便于测试替换。
type EventPublisher interface {
	PublishJSON(ctx context.Context, queue string, payload any) error
}

// PresignedURLStorage 抽象对象存储的签名下载能力。
type PresignedURLStorage interface {
	GeneratePresignedURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// TaskHandler 负责处理任务提交与查询的 API 请求。
type TaskHandler struct {
	db        *gorm.DB
	publisher EventPublisher
	storage   PresignedURLStorage
	logger    *slog.Logger
}

// NewTaskHandler 构造 TaskHandler。
func NewTaskHandler(db *gorm.DB, publisher EventPublisher, storage PresignedURLStorage, logger *slog.Logger) *TaskHandler {
	return &TaskHandler{
		db:        db,
		publisher: publisher,
		storage:   storage,
		logger:    logger,
	}
}

var errInvalidTaskID = errors.New("invalid task id")

type createTaskRequest struct {
	Title  string         `json:"title" binding:"required"`
	Params datatypes.JSON `json:"params"`
}

type taskListItem struct {
	ID        uint      `json:"id"`
	Title     string    `json:"title"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTask 持久化任务并发布 TaskEvent,立即返回 202。
// 先写库、后发布的顺序是正确性要求:消费者看到的事件
// 一定指向一条已存在的任务记录。
func (h *TaskHandler) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, err.Error())
		return
	}

	email, ok := middleware.UserEmailFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	logger := h.loggerFromContext(c).With(slog.String("user_email", email))

	task := database.Task{
		Title:     req.Title,
		UserEmail: email,
		Params:    req.Params,
		Status:    "queued",
	}
	if err := h.db.WithContext(ctx).Create(&task).Error; err != nil {
		logger.Error("create task failed", slog.Any("error", err))
		Internal(c, "failed to create task")
		return
	}

	event := tasks.TaskEvent{
		TaskID:        strconv.FormatUint(uint64(task.ID), 10),
		Title:         task.Title,
		UserEmail:     task.UserEmail,
		CorrelationID: middleware.GetCorrelationID(c),
	}

	if err := h.publisher.PublishJSON(ctx, tasks.QueueTaskEvents, event); err != nil {
		// 写库成功但发布失败:记录保留,不在进程内重试。
		// 这是有意接受的失败模式,向调用方如实说明。
		logger.Error("publish task event failed", slog.Any("error", err),
			slog.Uint64("task_id", uint64(task.ID)),
		)
		c.JSON(http.StatusAccepted, gin.H{
			"message": "Task created but could not be queued for processing",
			"task_id": task.ID,
		})
		return
	}

	metrics.EventPublished()
	logger.Info("task created and event published", slog.Uint64("task_id", uint64(task.ID)))
	c.JSON(http.StatusAccepted, gin.H{
		"message": "Task created and notification queued!",
		"task_id": task.ID,
	})
}

// ListTasks 列出当前用户的全部任务。
func (h *TaskHandler) ListTasks(c *gin.Context) {
	email, ok := middleware.UserEmailFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	ctx := c.Request.Context()
	var records []database.Task
	if err := h.db.WithContext(ctx).
		Where("user_email = ?", email).
		Order("created_at DESC").
		Find(&records).Error; err != nil {
		Internal(c, "failed to list tasks")
		return
	}

	items := make([]taskListItem, 0, len(records))
	for _, t := range records {
		items = append(items, taskListItem{
			ID:        t.ID,
			Title:     t.Title,
			Status:    t.Status,
			CreatedAt: t.CreatedAt,
		})
	}

	c.JSON(http.StatusOK, items)
}

// GetDownloadLink 生成对账单 PDF 的预签名下载链接。
func (h *TaskHandler) GetDownloadLink(c *gin.Context) {
	email, ok := middleware.UserEmailFromContext(c)
	if !ok {
		AbortUnauthorized(c)
		return
	}

	task, err := h.getTaskForUser(c.Request.Context(), c.Param("id"), email)
	if err != nil {
		switch {
		case errors.Is(err, errInvalidTaskID):
			BadRequest(c, "invalid task id")
		case errors.Is(err, gorm.ErrRecordNotFound):
			NotFound(c, "task not found")
		default:
			Internal(c, "failed to query task")
		}
		return
	}

	if task.PdfKey == "" {
		Conflict(c, "statement not ready")
		return
	}

	signedURL, err := h.storage.GeneratePresignedURL(c.Request.Context(), task.PdfKey, 5*time.Minute)
	if err != nil {
		Internal(c, "failed to generate download link")
		return
	}

	c.JSON(http.StatusOK, gin.H{"url": signedURL})
}

func (h *TaskHandler) getTaskForUser(ctx context.Context, idParam string, email string) (*database.Task, error) {
	taskID, err := strconv.ParseUint(idParam, 10, 64)
	if err != nil {
		return nil, errInvalidTaskID
	}

	var task database.Task
	if err := h.db.WithContext(ctx).
		Where("id = ? AND user_email = ?", uint(taskID), email).
		First(&task).Error; err != nil {
		return nil, err
	}

	return &task, nil
}

func (h *TaskHandler) loggerFromContext(c *gin.Context) *slog.Logger {
	if logger := middleware.LoggerFromContext(c); logger != nil {
		return logger
	}
	if h.logger != nil {
		return h.logger
	}
	return slog.Default()
}
