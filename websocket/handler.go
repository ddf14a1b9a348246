package websocket

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"chain-voting-backend/session"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	// 写入超时
	writeWait = 10 * time.Second

	// 读取超时
	pongWait = 60 * time.Second

	// 发送ping间隔时间，必须小于pongWait
	pingPeriod = (pongWait * 9) / 10

	// 最大消息大小
	maxMessageSize = 512
)

// SessionLookup 按令牌读取会话，*session.Manager 满足
type SessionLookup interface {
	Lookup(ctx context.Context, token string) (*session.Session, error)
}

// Handler WebSocket处理器
type Handler struct {
	hub      *Hub
	sessions SessionLookup
	upgrader websocket.Upgrader
}

// NewHandler 创建WebSocket处理器，allowOrigins 含 "*" 时不检查来源
func NewHandler(hub *Hub, sessions SessionLookup, allowOrigins []string) *Handler {
	return &Handler{
		hub:      hub,
		sessions: sessions,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowOrigins),
		},
	}
}

func originChecker(allowOrigins []string) func(r *http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		for _, allowed := range allowOrigins {
			if allowed == "*" || strings.EqualFold(allowed, origin) {
				return true
			}
		}
		return false
	}
}

// RegisterRoutes 注册WebSocket路由
func (h *Handler) RegisterRoutes(router gin.IRouter) {
	router.GET("/ws/groups/:group", h.HandleWebSocketConnection)
}

func sessionToken(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	return strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
}

// HandleWebSocketConnection 校验会话和组权限后升级连接
func (h *Handler) HandleWebSocketConnection(c *gin.Context) {
	groupID, err := strconv.ParseInt(c.Param("group"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid group id"})
		return
	}

	sess, err := h.sessions.Lookup(c.Request.Context(), sessionToken(c))
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
		return
	}
	if !inGroup(sess.Account, groupID) {
		c.JSON(http.StatusForbidden, gin.H{"error": "account is not a member of this group"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("Failed to upgrade to WebSocket: %v", err)
		return
	}

	client := NewClient(groupID, sess.Account.Key(), conn)
	if !h.hub.RegisterClient(client) {
		conn.Close()
		return
	}

	go h.writePump(client)
	go h.readPump(client)
}

func inGroup(acct session.Account, groupID int64) bool {
	for _, g := range acct.Groups() {
		if g == groupID {
			return true
		}
	}
	return false
}

// readPump 只处理控制帧，客户端发来的消息被丢弃
func (h *Handler) readPump(client *Client) {
	defer func() {
		h.hub.UnregisterClient(client)
		client.conn.Close()
	}()

	client.conn.SetReadLimit(maxMessageSize)
	client.conn.SetReadDeadline(time.Now().Add(pongWait))
	client.conn.SetPongHandler(func(string) error {
		client.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := client.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("Error reading message: %v", err)
			}
			return
		}
	}
}

// writePump 每条消息单独一帧发送
func (h *Handler) writePump(client *Client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		client.conn.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			client.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
