package gateway

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const pingInterval = 30 * time.Second

// WsHandler 负责升级实时连接并维护会话注册。
type WsHandler struct {
	registry *Registry
	logger   *slog.Logger
	upgrader websocket.Upgrader
}

// NewWsHandler 构造 WebSocket 处理器。
func NewWsHandler(registry *Registry, logger *slog.Logger) *WsHandler {
	h := &WsHandler{
		registry: registry,
		logger:   logger,
	}
	h.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			return strings.EqualFold(u.Host, r.Host)
		},
	}
	return h
}

// HandleConnection 以路径参数中的 user_email 登记会话,
// 然后阻塞在读循环上直到客户端断开,退出时注销会话。
func (h *WsHandler) HandleConnection(c *gin.Context) {
	userEmail := strings.TrimSpace(c.Param("user_email"))
	if userEmail == "" || !strings.Contains(userEmail, "@") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid user email"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("upgrade websocket failed", slog.Any("error", err))
		return
	}

	log := h.logger.With(
		slog.String("user_email", userEmail),
		slog.String("client_ip", c.ClientIP()),
	)

	h.registry.Register(userEmail, conn)
	log.Info("websocket session registered")

	defer func() {
		h.registry.Unregister(userEmail, conn)
		_ = conn.Close()
		log.Info("websocket session closed")
	}()

	done := make(chan struct{})
	defer close(done)
	go h.pingLoop(conn, done)

	// 客户端只用连接探活,不发送业务消息。
	// 读循环的唯一职责是感知断开。
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Info("websocket read ended", slog.Any("error", err))
			}
			return
		}
	}
}

func (h *WsHandler) pingLoop(conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			deadline := time.Now().Add(5 * time.Second)
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), deadline); err != nil {
				return
			}
		}
	}
}
