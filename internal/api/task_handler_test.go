package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"

	"github.com/gin-gonic/gin"

	"stmtFlow/internal/auth"
	"stmtFlow/internal/database"
	"stmtFlow/internal/tasks"
)

func registerAndLogin(t *testing.T, router *gin.Engine, authService *auth.AuthService, email string) string {
	t.Helper()
	rec := doJSON(t, router, http.MethodPost, "/v1/auth/register", "", gin.H{
		"username": "alice",
		"email":    email,
		"password": "super-secret-pw",
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("register failed: %d", rec.Code)
	}

	token, err := authService.GenerateAccessToken(email)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}
	return token
}

func TestCreateTask_PersistsBeforePublish(t *testing.T) {
	db := newTestDB(t)

	// 发布时刻任务必须已经落库:事件永远指向已存在的记录。
	publisher := &fakePublisher{}
	publisher.onPublish = func(queue string, payload any) error {
		event, ok := payload.(tasks.TaskEvent)
		if !ok {
			t.Fatalf("unexpected payload type %T", payload)
		}
		var task database.Task
		if err := db.Where("id = ?", event.TaskID).First(&task).Error; err != nil {
			t.Fatalf("task %s not persisted at publish time: %v", event.TaskID, err)
		}
		return nil
	}

	router, authService := newTestRouter(t, db, publisher)
	token := registerAndLogin(t, router, authService, "alice@example.com")

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", token, gin.H{
		"title": "Generate Statement",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}

	if len(publisher.published) != 1 {
		t.Fatalf("expected 1 published event, got %d", len(publisher.published))
	}
	msg := publisher.published[0]
	if msg.queue != tasks.QueueTaskEvents {
		t.Fatalf("expected queue %s, got %s", tasks.QueueTaskEvents, msg.queue)
	}

	event := msg.payload.(tasks.TaskEvent)
	if event.Title != "Generate Statement" {
		t.Fatalf("event title mismatch: %s", event.Title)
	}
	if event.UserEmail != "alice@example.com" {
		t.Fatalf("event owner mismatch: %s", event.UserEmail)
	}
}

// 身份永远取自令牌,请求体里伪造的 user_email 不生效。
func TestCreateTask_IgnoresBodySuppliedIdentity(t *testing.T) {
	db := newTestDB(t)
	publisher := &fakePublisher{}
	router, authService := newTestRouter(t, db, publisher)
	token := registerAndLogin(t, router, authService, "alice@example.com")

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", token, gin.H{
		"title":      "Generate Statement",
		"user_email": "mallory@example.com",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}

	event := publisher.published[0].payload.(tasks.TaskEvent)
	if event.UserEmail != "alice@example.com" {
		t.Fatalf("identity must come from the token, got %s", event.UserEmail)
	}

	var task database.Task
	if err := db.Where("user_email = ?", "alice@example.com").First(&task).Error; err != nil {
		t.Fatalf("task should belong to token identity: %v", err)
	}
}

func TestCreateTask_RequiresAuth(t *testing.T) {
	db := newTestDB(t)
	router, _ := newTestRouter(t, db, &fakePublisher{})

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", "", gin.H{
		"title": "Generate Statement",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}
}

func TestCreateTask_RequiresTitle(t *testing.T) {
	db := newTestDB(t)
	router, authService := newTestRouter(t, db, &fakePublisher{})
	token := registerAndLogin(t, router, authService, "alice@example.com")

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", token, gin.H{})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing title, got %d", rec.Code)
	}
}

// 写库成功但发布失败:记录保留,响应如实带出警告。
func TestCreateTask_PublishFailureKeepsRecord(t *testing.T) {
	db := newTestDB(t)
	publisher := &fakePublisher{
		onPublish: func(string, any) error {
			return errors.New("broker unavailable")
		},
	}
	router, authService := newTestRouter(t, db, publisher)
	token := registerAndLogin(t, router, authService, "alice@example.com")

	rec := doJSON(t, router, http.MethodPost, "/v1/tasks", token, gin.H{
		"title": "Generate Statement",
	})
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 even when publish fails, got %d", rec.Code)
	}

	var resp struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Message == "Task created and notification queued!" {
		t.Fatal("response must not claim the event was queued")
	}

	var count int64
	if err := db.Model(&database.Task{}).Count(&count).Error; err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if count != 1 {
		t.Fatalf("task record must survive publish failure, got %d rows", count)
	}
}

func TestListTasks_ReturnsOnlyOwnTasks(t *testing.T) {
	db := newTestDB(t)
	router, authService := newTestRouter(t, db, &fakePublisher{})
	token := registerAndLogin(t, router, authService, "alice@example.com")

	seed := []database.Task{
		{Title: "Mine", UserEmail: "alice@example.com", Status: "queued"},
		{Title: "Not mine", UserEmail: "bob@example.com", Status: "queued"},
	}
	for i := range seed {
		if err := db.Create(&seed[i]).Error; err != nil {
			t.Fatalf("seed task: %v", err)
		}
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/tasks", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var items []struct {
		Title string `json:"title"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &items); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(items) != 1 || items[0].Title != "Mine" {
		t.Fatalf("expected only caller's task, got %+v", items)
	}
}

func TestGetDownloadLink_ConflictUntilReady(t *testing.T) {
	db := newTestDB(t)
	router, authService := newTestRouter(t, db, &fakePublisher{})
	token := registerAndLogin(t, router, authService, "alice@example.com")

	task := database.Task{Title: "Generate Statement", UserEmail: "alice@example.com", Status: "queued"}
	if err := db.Create(&task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/tasks/1/download-link", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 before worker completes, got %d", rec.Code)
	}

	if err := db.Model(&task).Updates(map[string]any{
		"pdf_key": "statements/alice@example.com/abc.pdf",
		"status":  "completed",
	}).Error; err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	rec = doJSON(t, router, http.MethodGet, "/v1/tasks/1/download-link", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after completion, got %d", rec.Code)
	}

	var resp struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.URL != "https://example.invalid/statements/alice@example.com/abc.pdf" {
		t.Fatalf("unexpected url: %s", resp.URL)
	}
}

func TestGetDownloadLink_OtherUsersTaskIsNotFound(t *testing.T) {
	db := newTestDB(t)
	router, authService := newTestRouter(t, db, &fakePublisher{})
	token := registerAndLogin(t, router, authService, "alice@example.com")

	task := database.Task{Title: "Not mine", UserEmail: "bob@example.com", Status: "completed", PdfKey: "statements/bob@example.com/x.pdf"}
	if err := db.Create(&task).Error; err != nil {
		t.Fatalf("seed task: %v", err)
	}

	rec := doJSON(t, router, http.MethodGet, "/v1/tasks/1/download-link", token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for another user's task, got %d", rec.Code)
	}
}
