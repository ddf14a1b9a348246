package mq

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// MemoryMQ 进程内队列，用于本地运行和测试，重启后消息丢失
type MemoryMQ struct {
	opts  Options
	dedup *dedup

	mu         sync.Mutex
	queue      chan *Envelope
	deadLetter []*Envelope
	retries    map[string]int
	handler    Handler
	cancel     context.CancelFunc
	wg         sync.WaitGroup
}

// NewMemoryMQ 创建进程内队列
func NewMemoryMQ(capacity int, opts Options) *MemoryMQ {
	if capacity <= 0 {
		capacity = 1024
	}
	return &MemoryMQ{
		opts:    opts.withDefaults(),
		dedup:   newDedup(nil, 0),
		queue:   make(chan *Envelope, capacity),
		retries: make(map[string]int),
	}
}

// Publish 放入队列，队列满时返回错误
func (m *MemoryMQ) Publish(ctx context.Context, env *Envelope) error {
	if m.dedup.Processed(ctx, env.MessageID) {
		return nil
	}
	select {
	case m.queue <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("内存队列已满")
	}
}

// Start 启动单个消费协程
func (m *MemoryMQ) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("处理函数未注册")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.handler = handler
	m.cancel = cancel
	m.wg.Add(1)
	go m.consumeLoop(ctx)
	log.Print("内存消息队列消费者已启动")
	return nil
}

// Stop 停止消费协程，队列中剩余的消息保留
func (m *MemoryMQ) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	m.wg.Wait()
}

func (m *MemoryMQ) consumeLoop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-m.queue:
			m.process(ctx, env)
		}
	}
}

func (m *MemoryMQ) process(ctx context.Context, env *Envelope) {
	if m.dedup.Processed(ctx, env.MessageID) {
		return
	}
	if err := m.handler(ctx, env.Event); err != nil {
		log.Printf("处理消息 %s 失败: %v", env.MessageID, err)
		m.retry(env)
		return
	}
	m.dedup.Mark(ctx, env.MessageID)

	m.mu.Lock()
	delete(m.retries, env.MessageID)
	m.mu.Unlock()
}

func (m *MemoryMQ) retry(env *Envelope) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.retries[env.MessageID] >= m.opts.MaxRetries {
		log.Printf("消息 %s 超过最大重试次数，移至死信队列", env.MessageID)
		m.deadLetter = append(m.deadLetter, env)
		delete(m.retries, env.MessageID)
		return
	}
	m.retries[env.MessageID]++
	time.AfterFunc(m.opts.RetryDelay, func() {
		select {
		case m.queue <- env:
		default:
			log.Printf("内存队列已满，消息 %s 移至死信队列", env.MessageID)
			m.mu.Lock()
			m.deadLetter = append(m.deadLetter, env)
			m.mu.Unlock()
		}
	})
}

// RetryDeadLetters 把死信重新放回队列
func (m *MemoryMQ) RetryDeadLetters(ctx context.Context) (int, error) {
	m.mu.Lock()
	dead := m.deadLetter
	m.deadLetter = nil
	m.mu.Unlock()

	for i, env := range dead {
		if err := m.Publish(ctx, env); err != nil {
			m.mu.Lock()
			m.deadLetter = append(m.deadLetter, dead[i:]...)
			m.mu.Unlock()
			return i, err
		}
	}
	return len(dead), nil
}

// Stats 队列长度统计
func (m *MemoryMQ) Stats(context.Context) map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return map[string]int64{
		"main_queue":        int64(len(m.queue)),
		"dead_letter_queue": int64(len(m.deadLetter)),
	}
}

var (
	_ Queue             = (*MemoryMQ)(nil)
	_ DeadLetterRetrier = (*MemoryMQ)(nil)
)
