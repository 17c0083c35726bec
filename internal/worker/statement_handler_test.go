package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"testing"

	"github.com/minio/minio-go/v7"
	amqp "github.com/rabbitmq/amqp091-go"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stmtFlow/internal/database"
	"stmtFlow/internal/tasks"
)

type publishedMessage struct {
	Queue   string
	Body    []byte
	Headers amqp.Table
}

// fakePublisher 记录发布的消息,并与确认动作共享一条操作日志,
// 用来断言"先发布、后确认"的顺序。
type fakePublisher struct {
	published []publishedMessage
	err       error
	log       *[]string
}

func (f *fakePublisher) PublishJSON(_ context.Context, queue string, payload any) error {
	if f.err != nil {
		return f.err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	f.published = append(f.published, publishedMessage{Queue: queue, Body: body})
	if f.log != nil {
		*f.log = append(*f.log, "publish")
	}
	return nil
}

func (f *fakePublisher) Publish(_ context.Context, queue string, body []byte, headers amqp.Table) error {
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, publishedMessage{Queue: queue, Body: body, Headers: headers})
	if f.log != nil {
		*f.log = append(*f.log, "publish")
	}
	return nil
}

type fakeUploader struct {
	objects map[string][]byte
	err     error
}

func (f *fakeUploader) UploadFile(_ context.Context, objectName string, reader io.Reader, _ int64, _ string) (*minio.UploadInfo, error) {
	if f.err != nil {
		return nil, f.err
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, err
	}
	if f.objects == nil {
		f.objects = make(map[string][]byte)
	}
	f.objects[objectName] = data
	return &minio.UploadInfo{Key: objectName, Size: int64(len(data))}, nil
}

type fakeDeduper struct {
	first   bool
	markErr error
	cleared []string
}

func (f *fakeDeduper) MarkProcessed(_ context.Context, _ string) (bool, error) {
	return f.first, f.markErr
}

func (f *fakeDeduper) Clear(_ context.Context, taskID string) error {
	f.cleared = append(f.cleared, taskID)
	return nil
}

type fakeAcknowledger struct {
	acks    int
	nacks   int
	rejects int
	requeue bool
	log     *[]string
}

func (f *fakeAcknowledger) Ack(_ uint64, _ bool) error {
	f.acks++
	if f.log != nil {
		*f.log = append(*f.log, "ack")
	}
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacks++
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.rejects++
	f.requeue = requeue
	return nil
}

func newWorkerTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatalf("open test database: %v", err)
	}
	if err := db.AutoMigrate(&database.Task{}); err != nil {
		t.Fatalf("migrate test database: %v", err)
	}
	return db
}

func seedTask(t *testing.T, db *gorm.DB, email string) database.Task {
	t.Helper()
	task := database.Task{
		Title:     "March 2026 Statement",
		UserEmail: email,
		Params:    []byte(`{"month":"2026-03"}`),
		Status:    "queued",
	}
	if err := db.Create(&task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}
	return task
}

func newTestHandler(db *gorm.DB, storage ObjectUploader, publisher UpdatePublisher, deduper Deduper) *StatementHandler {
	h := NewStatementHandler(db, storage, publisher, deduper, slog.New(slog.NewTextHandler(io.Discard, nil)))
	h.render = func(string) ([]byte, error) { return []byte("%PDF-1.4 fake"), nil }
	return h
}

func eventDelivery(t *testing.T, ack amqp.Acknowledger, event tasks.TaskEvent, headers amqp.Table) amqp.Delivery {
	t.Helper()
	body, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return amqp.Delivery{Acknowledger: ack, Body: body, Headers: headers}
}

func TestHandleDeliveryPublishesUpdateBeforeAck(t *testing.T) {
	db := newWorkerTestDB(t)
	task := seedTask(t, db, "alice@example.com")

	var opLog []string
	publisher := &fakePublisher{log: &opLog}
	uploader := &fakeUploader{}
	deduper := &fakeDeduper{first: true}
	ack := &fakeAcknowledger{log: &opLog}
	h := newTestHandler(db, uploader, publisher, deduper)

	event := tasks.TaskEvent{
		TaskID:    strconv.FormatUint(uint64(task.ID), 10),
		Title:     task.Title,
		UserEmail: task.UserEmail,
	}
	h.HandleDelivery(context.Background(), eventDelivery(t, ack, event, nil))

	if len(publisher.published) != 1 {
		t.Fatalf("published = %d, want 1", len(publisher.published))
	}
	msg := publisher.published[0]
	if msg.Queue != tasks.QueueTaskUpdates {
		t.Errorf("published to %q, want %q", msg.Queue, tasks.QueueTaskUpdates)
	}
	var update tasks.TaskUpdate
	if err := json.Unmarshal(msg.Body, &update); err != nil {
		t.Fatalf("unmarshal update: %v", err)
	}
	if update.UserEmail != "alice@example.com" || update.Status != tasks.StatusCompleted {
		t.Errorf("update = %+v, want owner email and %q status", update, tasks.StatusCompleted)
	}
	if update.Message != completedMessage {
		t.Errorf("update message = %q, want %q", update.Message, completedMessage)
	}

	if ack.acks != 1 || ack.nacks != 0 || ack.rejects != 0 {
		t.Fatalf("acks=%d nacks=%d rejects=%d, want exactly one ack", ack.acks, ack.nacks, ack.rejects)
	}
	if len(opLog) != 2 || opLog[0] != "publish" || opLog[1] != "ack" {
		t.Errorf("operation order = %v, want publish before ack", opLog)
	}

	if len(uploader.objects) != 1 {
		t.Fatalf("uploaded objects = %d, want 1", len(uploader.objects))
	}

	var stored database.Task
	if err := db.First(&stored, task.ID).Error; err != nil {
		t.Fatalf("reload task: %v", err)
	}
	if stored.Status != "completed" {
		t.Errorf("task status = %q, want completed", stored.Status)
	}
	if stored.PdfKey == "" {
		t.Error("task pdf_key not set after processing")
	}
	if _, ok := uploader.objects[stored.PdfKey]; !ok {
		t.Errorf("task pdf_key %q does not match any uploaded object", stored.PdfKey)
	}
}

func TestHandleDeliveryRejectsUndecodableMessage(t *testing.T) {
	publisher := &fakePublisher{}
	ack := &fakeAcknowledger{}
	h := newTestHandler(newWorkerTestDB(t), &fakeUploader{}, publisher, &fakeDeduper{first: true})

	h.HandleDelivery(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("{not json")})

	if ack.rejects != 1 {
		t.Fatalf("rejects = %d, want 1", ack.rejects)
	}
	if ack.requeue {
		t.Error("undecodable message was requeued, want dropped")
	}
	if len(publisher.published) != 0 {
		t.Errorf("published = %d messages for an undecodable delivery, want 0", len(publisher.published))
	}
}

func TestHandleDeliverySkipsDuplicate(t *testing.T) {
	db := newWorkerTestDB(t)
	task := seedTask(t, db, "bob@example.com")

	publisher := &fakePublisher{}
	uploader := &fakeUploader{}
	ack := &fakeAcknowledger{}
	h := newTestHandler(db, uploader, publisher, &fakeDeduper{first: false})

	event := tasks.TaskEvent{TaskID: strconv.FormatUint(uint64(task.ID), 10), UserEmail: task.UserEmail}
	h.HandleDelivery(context.Background(), eventDelivery(t, ack, event, nil))

	if ack.acks != 1 {
		t.Fatalf("acks = %d, want 1", ack.acks)
	}
	if len(publisher.published) != 0 {
		t.Errorf("duplicate delivery published %d messages, want 0", len(publisher.published))
	}
	if len(uploader.objects) != 0 {
		t.Errorf("duplicate delivery uploaded %d objects, want 0", len(uploader.objects))
	}
}

func TestHandleDeliveryRequeuesOnRenderFailure(t *testing.T) {
	db := newWorkerTestDB(t)
	task := seedTask(t, db, "carol@example.com")

	publisher := &fakePublisher{}
	deduper := &fakeDeduper{first: true}
	ack := &fakeAcknowledger{}
	h := newTestHandler(db, &fakeUploader{}, publisher, deduper)
	h.render = func(string) ([]byte, error) { return nil, errors.New("browser crashed") }

	taskID := strconv.FormatUint(uint64(task.ID), 10)
	event := tasks.TaskEvent{TaskID: taskID, UserEmail: task.UserEmail}
	delivery := eventDelivery(t, ack, event, nil)
	h.HandleDelivery(context.Background(), delivery)

	if len(publisher.published) != 1 {
		t.Fatalf("published = %d, want 1 requeued event", len(publisher.published))
	}
	msg := publisher.published[0]
	if msg.Queue != tasks.QueueTaskEvents {
		t.Errorf("requeued to %q, want %q", msg.Queue, tasks.QueueTaskEvents)
	}
	if got, want := msg.Headers[retryCountHeader], int32(1); got != want {
		t.Errorf("retry count header = %v, want %v", got, want)
	}
	if string(msg.Body) != string(delivery.Body) {
		t.Error("requeued body does not match original delivery body")
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want original delivery acked after requeue", ack.acks)
	}
	if len(deduper.cleared) != 1 || deduper.cleared[0] != taskID {
		t.Errorf("cleared marks = %v, want [%s]", deduper.cleared, taskID)
	}
}

func TestHandleDeliveryDropsAfterMaxRetries(t *testing.T) {
	db := newWorkerTestDB(t)
	task := seedTask(t, db, "dave@example.com")

	publisher := &fakePublisher{}
	ack := &fakeAcknowledger{}
	h := newTestHandler(db, &fakeUploader{}, publisher, &fakeDeduper{first: true})
	h.render = func(string) ([]byte, error) { return nil, errors.New("browser crashed") }

	event := tasks.TaskEvent{TaskID: strconv.FormatUint(uint64(task.ID), 10), UserEmail: task.UserEmail}
	headers := amqp.Table{retryCountHeader: int32(maxProcessRetries)}
	h.HandleDelivery(context.Background(), eventDelivery(t, ack, event, headers))

	if len(publisher.published) != 0 {
		t.Errorf("published = %d, want 0 after max retries", len(publisher.published))
	}
	if ack.acks != 1 {
		t.Errorf("acks = %d, want exhausted delivery acked and dropped", ack.acks)
	}
}

func TestHandleDeliverySkipsMissingTask(t *testing.T) {
	db := newWorkerTestDB(t)

	publisher := &fakePublisher{}
	ack := &fakeAcknowledger{}
	h := newTestHandler(db, &fakeUploader{}, publisher, &fakeDeduper{first: true})

	event := tasks.TaskEvent{TaskID: "9999", UserEmail: "ghost@example.com"}
	h.HandleDelivery(context.Background(), eventDelivery(t, ack, event, nil))

	if ack.acks != 1 || ack.nacks != 0 {
		t.Fatalf("acks=%d nacks=%d, want missing task acked without requeue", ack.acks, ack.nacks)
	}
	if len(publisher.published) != 0 {
		t.Errorf("published = %d messages for a missing task, want 0", len(publisher.published))
	}
}

func TestHandleDeliveryNacksWhenUpdatePublishFails(t *testing.T) {
	db := newWorkerTestDB(t)
	task := seedTask(t, db, "erin@example.com")

	publisher := &fakePublisher{err: errors.New("channel closed")}
	deduper := &fakeDeduper{first: true}
	ack := &fakeAcknowledger{}
	h := newTestHandler(db, &fakeUploader{}, publisher, deduper)

	taskID := strconv.FormatUint(uint64(task.ID), 10)
	event := tasks.TaskEvent{TaskID: taskID, UserEmail: task.UserEmail}
	h.HandleDelivery(context.Background(), eventDelivery(t, ack, event, nil))

	if ack.nacks != 1 {
		t.Fatalf("nacks = %d, want 1 when the update cannot be published", ack.nacks)
	}
	if !ack.requeue {
		t.Error("delivery was not requeued after publish failure")
	}
	if ack.acks != 0 {
		t.Errorf("acks = %d, want 0", ack.acks)
	}
	if len(deduper.cleared) != 1 || deduper.cleared[0] != taskID {
		t.Errorf("cleared marks = %v, want [%s]", deduper.cleared, taskID)
	}
}
