// Package websocket 提供与 SSE 端点等价的 WebSocket 直播通道：
// 客户端订阅自己的用户事件流，通知器监听器把日志条目推给连接。
package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ArmaGroupHolding/wildduck/internal/domain"
	"github.com/ArmaGroupHolding/wildduck/internal/notify"
)

// MessageType 定义 WebSocket 消息类型。
type MessageType string

const (
	MessageTypeEvent MessageType = "event"
	MessageTypePing  MessageType = "ping"
	MessageTypePong  MessageType = "pong"
	MessageTypeError MessageType = "error"
)

// Message 定义 WebSocket 消息结构。
type Message struct {
	Type      MessageType     `json:"type"`
	ID        int64           `json:"id,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// Client 代表一个 WebSocket 客户端连接。
type Client struct {
	ID     string
	UserID string

	conn       *websocket.Conn
	send       chan []byte
	hub        *Hub
	listenerID string
	log        *zap.Logger
}

// Hub 管理所有 WebSocket 连接。
type Hub struct {
	notifier  *notify.Notifier
	jwtSecret string
	log       *zap.Logger

	mu         sync.RWMutex
	clients    map[string]*Client
	register   chan *Client
	unregister chan *Client
}

// NewHub 创建 WebSocket Hub。
func NewHub(notifier *notify.Notifier, jwtSecret string, log *zap.Logger) *Hub {
	return &Hub{
		notifier:   notifier,
		jwtSecret:  jwtSecret,
		log:        log,
		clients:    make(map[string]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
	}
}

// Run 启动 Hub。
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			h.closeAllClients()
			return

		case client := <-h.register:
			h.mu.Lock()
			h.clients[client.ID] = client
			h.mu.Unlock()

			// 通知器监听器把日志条目按序推给该连接
			client.listenerID = h.notifier.AddListener(client.ID, client.UserID, func(entries []*domain.JournalEntry) {
				for _, e := range entries {
					client.sendEntry(e)
				}
			})
			h.log.Info("websocket client registered",
				zap.String("id", client.ID),
				zap.String("user", client.UserID))

		case client := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[client.ID]; ok {
				delete(h.clients, client.ID)
				close(client.send)
			}
			h.mu.Unlock()
			if client.listenerID != "" {
				h.notifier.RemoveListener(client.UserID, client.listenerID)
			}
			h.log.Info("websocket client unregistered", zap.String("id", client.ID))

		case <-ticker.C:
			h.pingAllClients()
		}
	}
}

func (h *Hub) pingAllClients() {
	msg := &Message{Type: MessageTypePing, Timestamp: time.Now()}
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		select {
		case client.send <- data:
		default:
			// 跳过阻塞的客户端
		}
	}
}

func (h *Hub) closeAllClients() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, client := range h.clients {
		close(client.send)
	}
	h.clients = make(map[string]*Client)
}

// authenticate 通过 JWT 确认连接归属的用户。
func (h *Hub) authenticate(c *gin.Context) (string, error) {
	token := c.Query("token")
	if token == "" {
		authHeader := c.GetHeader("Authorization")
		if parts := strings.SplitN(authHeader, " ", 2); len(parts) == 2 && parts[0] == "Bearer" {
			token = parts[1]
		}
	}
	if token == "" {
		return "", errors.New("missing authentication token")
	}

	claims := jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(h.jwtSecret), nil
	})
	if err != nil || !parsed.Valid || claims.Subject == "" {
		return "", errors.New("invalid authentication token")
	}
	return claims.Subject, nil
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// HandleWebSocket 处理 WebSocket 连接。
func HandleWebSocket(hub *Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := hub.authenticate(c)
		if err != nil {
			hub.log.Warn("websocket authentication failed",
				zap.Error(err),
				zap.String("remote_addr", c.ClientIP()))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "authentication required"})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			hub.log.Error("failed to upgrade connection", zap.Error(err))
			return
		}

		client := &Client{
			ID:     uuid.NewString(),
			UserID: userID,
			conn:   conn,
			send:   make(chan []byte, 256),
			hub:    hub,
			log:    hub.log,
		}

		hub.register <- client

		go client.writePump()
		go client.readPump()
	}
}

// sendEntry 把一条日志条目推给客户端。
func (c *Client) sendEntry(e *domain.JournalEntry) {
	data, err := json.Marshal(e.EventPayload())
	if err != nil {
		return
	}
	msg := &Message{
		Type:      MessageTypeEvent,
		ID:        e.Seq,
		Data:      data,
		Timestamp: time.Now(),
	}
	raw, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case c.send <- raw:
	default:
		c.log.Warn("websocket client channel blocked", zap.String("clientID", c.ID))
	}
}

// readPump 处理客户端消息。
func (c *Client) readPump() {
	defer func() {
		c.hub.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	for {
		var msg Message
		if err := c.conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.log.Error("websocket error", zap.Error(err))
			}
			break
		}
		if msg.Type == MessageTypePong {
			c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		}
	}
}

// writePump 发送消息给客户端。
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			c.conn.WriteMessage(websocket.TextMessage, message)

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
