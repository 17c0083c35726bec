package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Conn 是会话持有的连接句柄,便于测试替换真实的 WebSocket 连接。
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// session 为单条连接串行化数据帧写入。
// 控制帧(Ping/Close)由 gorilla 自行串行化,不经过这把锁。
type session struct {
	mu   sync.Mutex
	conn Conn
}

func (s *session) write(payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Registry 维护 user_email 到活跃会话的内存映射。
// 每个用户同一时刻只保留一个会话,后来的连接顶掉先前的。
// 映射不对外暴露,所有修改都经过这里的锁。
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*session
}

// NewRegistry 构造空的会话注册表。
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]*session),
	}
}

// Register 登记用户的新会话,替换并关闭同一用户已有的连接。
func (r *Registry) Register(userEmail string, conn Conn) {
	r.mu.Lock()
	old := r.sessions[userEmail]
	r.sessions[userEmail] = &session{conn: conn}
	r.mu.Unlock()

	// 旧连接在锁外关闭,避免 Close 阻塞注册路径。
	if old != nil {
		_ = old.conn.Close()
	}
}

// Unregister 移除用户的会话。
// 只在映射仍指向同一连接时移除:被顶掉的旧连接退出时,
// 不能误删接替它的新会话。
func (r *Registry) Unregister(userEmail string, conn Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[userEmail]; ok && current.conn == conn {
		delete(r.sessions, userEmail)
	}
}

// Send 将负载推送给用户的活跃会话。
// 用户不在线时静默返回 false,不缓存、不报错。
// 实际写入在注册表锁外进行,慢客户端不会阻塞其他用户。
func (r *Registry) Send(userEmail string, payload []byte) bool {
	r.mu.Lock()
	s, ok := r.sessions[userEmail]
	r.mu.Unlock()

	if !ok {
		return false
	}
	return s.write(payload) == nil
}

// Len 返回当前活跃会话数量。
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
