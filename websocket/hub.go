// Package websocket pushes vote events to browsers subscribed to a voter group.
package websocket

import (
	"context"
	"sync"

	"chain-voting-backend/metrics"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Client 代表一个WebSocket连接客户端
type Client struct {
	// 订阅的组号
	GroupID int64
	// 连接的账户
	Account string

	conn *websocket.Conn
	send chan []byte
}

// NewClient 创建客户端，conn 为 nil 时只能用于测试收消息
func NewClient(groupID int64, account string, conn *websocket.Conn) *Client {
	return &Client{GroupID: groupID, Account: account, conn: conn, send: make(chan []byte, 256)}
}

// Messages 客户端的发送通道，Hub 注销客户端时关闭
func (c *Client) Messages() <-chan []byte {
	return c.send
}

// Hub 维护活跃的客户端集合并按组广播消息
type Hub struct {
	// 已注册的客户端，按组号分组
	clients map[int64]map[*Client]bool

	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	metrics    *metrics.Metrics

	// 互斥锁保护clients map
	mu sync.RWMutex
}

// NewHub 创建一个新的Hub
func NewHub(m *metrics.Metrics) *Hub {
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &Hub{
		clients:    make(map[int64]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		metrics:    m,
	}
}

// Run 启动Hub消息处理循环，ctx 结束时关闭所有客户端
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return

		case client := <-h.register:
			h.mu.Lock()
			if _, ok := h.clients[client.GroupID]; !ok {
				h.clients[client.GroupID] = make(map[*Client]bool)
			}
			h.clients[client.GroupID][client] = true
			total := len(h.clients[client.GroupID])
			h.mu.Unlock()
			h.metrics.WSConnections.Inc()
			log.Printf("Client %s registered for group %d, total clients: %d", client.Account, client.GroupID, total)

		case client := <-h.unregister:
			if h.remove(client) {
				log.Printf("Client %s unregistered for group %d", client.Account, client.GroupID)
			}
		}
	}
}

// remove 删除客户端并关闭发送通道，客户端不存在时返回 false
func (h *Hub) remove(client *Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	group, ok := h.clients[client.GroupID]
	if !ok || !group[client] {
		return false
	}
	delete(group, client)
	close(client.send)
	if len(group) == 0 {
		delete(h.clients, client.GroupID)
	}
	h.metrics.WSConnections.Dec()
	return true
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for groupID, group := range h.clients {
		for client := range group {
			close(client.send)
			h.metrics.WSConnections.Dec()
		}
		delete(h.clients, groupID)
	}
}

// BroadcastToGroup 向订阅某个组的所有客户端广播消息，发送缓冲区满的客户端被断开
func (h *Hub) BroadcastToGroup(groupID int64, message []byte) {
	var sent int
	var slow []*Client

	// 发送在读锁内完成，关闭通道需要写锁
	h.mu.RLock()
	for client := range h.clients[groupID] {
		select {
		case client.send <- message:
			sent++
		default:
			slow = append(slow, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range slow {
		h.remove(client)
	}
	log.Printf("Broadcast message to %d clients for group %d", sent, groupID)
}

// ClientCount 返回订阅某个组的客户端数量
func (h *Hub) ClientCount(groupID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[groupID])
}

// RegisterClient 注册客户端到Hub，Hub 已停止时返回 false
func (h *Hub) RegisterClient(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// UnregisterClient 从Hub中注销客户端
func (h *Hub) UnregisterClient(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
