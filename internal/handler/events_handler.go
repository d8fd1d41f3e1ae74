package handler

import (
	"net/http"
	"sync"
	"time"

	"deepchat-go/internal/service"
	"deepchat-go/pkg/log"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 8
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // 允许所有来源
	},
}

// wsClient 是一个 WebSocket 连接及其发送队列。
type wsClient struct {
	conn *websocket.Conn
	send chan []byte
}

// EventsHandler 维护会话列表订阅者，把 SidebarFeed 的更新推送给所有连接。
type EventsHandler struct {
	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	feed    *service.SidebarFeed
}

// NewEventsHandler 创建一个 EventsHandler。feed 在之后通过 SetFeed 注入。
func NewEventsHandler() *EventsHandler {
	return &EventsHandler{clients: make(map[*wsClient]struct{})}
}

// SetFeed 设置新连接获取初始列表所用的 SidebarFeed。
func (h *EventsHandler) SetFeed(feed *service.SidebarFeed) {
	h.feed = feed
}

// Broadcast 把 payload 放入每个连接的发送队列，队列已满的连接会被断开。
func (h *EventsHandler) Broadcast(payload []byte) {
	h.mu.RLock()
	var slow []*wsClient
	for cl := range h.clients {
		select {
		case cl.send <- payload:
		default:
			slow = append(slow, cl)
		}
	}
	h.mu.RUnlock()

	for _, cl := range slow {
		log.Warnw("events: dropping slow websocket client", "remote", cl.conn.RemoteAddr().String())
		h.unregister(cl)
	}
}

// Clients 返回当前连接数。
func (h *EventsHandler) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *EventsHandler) register(cl *wsClient) {
	h.mu.Lock()
	h.clients[cl] = struct{}{}
	n := len(h.clients)
	h.mu.Unlock()
	log.Infow("events: websocket connected", "remote", cl.conn.RemoteAddr().String(), "clients", n)
}

func (h *EventsHandler) unregister(cl *wsClient) {
	h.mu.Lock()
	if _, ok := h.clients[cl]; ok {
		delete(h.clients, cl)
		close(cl.send)
	}
	h.mu.Unlock()
}

// Handle 升级为 WebSocket，先推送当前会话列表，之后推送每次变更。
func (h *EventsHandler) Handle(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}

	cl := &wsClient{conn: conn, send: make(chan []byte, sendBuffer)}
	if h.feed != nil {
		if snap, err := h.feed.Snapshot(c.Request.Context()); err == nil {
			cl.send <- snap
		} else {
			log.Warnw("events: initial snapshot failed", "error", err)
		}
	}
	h.register(cl)

	go h.writePump(cl)
	h.readPump(cl)
}

// readPump 只用于检测断开和处理 pong，客户端发来的内容被忽略。
func (h *EventsHandler) readPump(cl *wsClient) {
	defer h.unregister(cl)
	cl.conn.SetReadLimit(512)
	_ = cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	cl.conn.SetPongHandler(func(string) error {
		return cl.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := cl.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *EventsHandler) writePump(cl *wsClient) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = cl.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-cl.send:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = cl.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := cl.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = cl.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := cl.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
