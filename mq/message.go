package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"chain-voting-backend/models"

	"github.com/redis/go-redis/v9"
)

// 主题和标签
const (
	TopicVoteEvents = "vote_events"
	TagVoteCreated  = "vote_created"
)

// ErrNotStarted 队列未启动或已关闭
var ErrNotStarted = errors.New("mq: queue not started")

// Envelope 队列中传递的消息，EnqueuedAt 用于处理超时判断
type Envelope struct {
	MessageID  string                   `json:"message_id"`
	EnqueuedAt int64                    `json:"enqueued_at"`
	Event      *models.VoteCreatedEvent `json:"event"`
}

// NewEnvelope 包装事件，沿用事件自带的消息ID
func NewEnvelope(event *models.VoteCreatedEvent) *Envelope {
	return &Envelope{MessageID: event.MessageID, EnqueuedAt: time.Now().Unix(), Event: event}
}

func decodeEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("解析消息失败: %w", err)
	}
	if env.Event == nil || env.MessageID == "" {
		return nil, fmt.Errorf("解析消息失败: 缺少事件或消息ID")
	}
	return &env, nil
}

// Handler 消息处理函数，返回错误时消息会被重试
type Handler func(ctx context.Context, event *models.VoteCreatedEvent) error

// Queue 事件队列驱动
type Queue interface {
	// Publish 发送消息
	Publish(ctx context.Context, env *Envelope) error
	// Start 注册处理函数并启动消费者
	Start(handler Handler) error
	// Stop 停止消费者并等待处理中的消息结束
	Stop()
	// Stats 各队列的消息数量
	Stats(ctx context.Context) map[string]int64
}

// DeadLetterRetrier 支持把死信重新入队的驱动
type DeadLetterRetrier interface {
	RetryDeadLetters(ctx context.Context) (int, error)
}

// dedup 消息幂等记录，配置了Redis时跨实例共享
type dedup struct {
	client redis.UniversalClient
	ttl    time.Duration

	mu   sync.Mutex
	seen map[string]time.Time
}

func newDedup(client redis.UniversalClient, ttl time.Duration) *dedup {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &dedup{client: client, ttl: ttl, seen: make(map[string]time.Time)}
}

func dedupKey(messageID string) string {
	return "mq:processed:" + messageID
}

// Processed 消息是否已经处理成功过
func (d *dedup) Processed(ctx context.Context, messageID string) bool {
	if d.client != nil {
		n, err := d.client.Exists(ctx, dedupKey(messageID)).Result()
		if err == nil {
			return n > 0
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	at, ok := d.seen[messageID]
	return ok && time.Since(at) < d.ttl
}

// Mark 记录消息处理成功
func (d *dedup) Mark(ctx context.Context, messageID string) {
	if d.client != nil {
		if err := d.client.Set(ctx, dedupKey(messageID), 1, d.ttl).Err(); err == nil {
			return
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[messageID] = time.Now()
}
