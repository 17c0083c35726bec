package tasks

// 队列名称常量,确保生产者与消费者一致。
const (
	QueueTaskEvents  = "task_events"
	QueueTaskUpdates = "task_updates"
)

// TaskUpdate 的 Status 取值。
const (
	StatusCompleted = "COMPLETED"
)

// TaskEvent 描述一条待处理的任务,由 API 发布、Worker 消费。
// TaskID 指向的任务记录一定在事件发布之前已写入数据库。
type TaskEvent struct {
	TaskID        string `json:"task_id"`
	Title         string `json:"title"`
	UserEmail     string `json:"user_email"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// TaskUpdate 描述一条任务完成通知,由 Worker 发布、Gateway 消费。
// 按 UserEmail 寻址到用户,而不是某个具体连接。
type TaskUpdate struct {
	UserEmail string `json:"user_email"`
	Status    string `json:"status"`
	Message   string `json:"message"`
}
