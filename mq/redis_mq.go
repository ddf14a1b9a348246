package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// 消息队列的队列名称常量
const (
	MainQueueName       = "vote_events:queue"       // 主队列
	ProcessingQueueName = "vote_events:processing"  // 处理中队列
	DeadLetterQueueName = "vote_events:dead_letter" // 死信队列
	RetriesHashName     = "vote_events:retries"     // 重试次数记录
)

// Options 队列重试参数
type Options struct {
	MaxRetries     int
	RetryDelay     time.Duration
	ProcessTimeout time.Duration
	// BlockTimeout 单次BRPOPLPUSH的阻塞时间
	BlockTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.MaxRetries <= 0 {
		o.MaxRetries = 3
	}
	if o.RetryDelay <= 0 {
		o.RetryDelay = 30 * time.Second
	}
	if o.ProcessTimeout <= 0 {
		o.ProcessTimeout = 5 * time.Minute
	}
	if o.BlockTimeout <= 0 {
		o.BlockTimeout = time.Second
	}
	return o
}

// RedisMQ 基于Redis列表的可靠队列，主队列、处理中队列和死信队列
type RedisMQ struct {
	client  redis.UniversalClient
	opts    Options
	dedup   *dedup
	handler Handler

	mu       sync.Mutex
	running  bool
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight sync.WaitGroup
}

// NewRedisMQ 创建基于Redis的消息队列
func NewRedisMQ(client redis.UniversalClient, opts Options) *RedisMQ {
	return &RedisMQ{
		client: client,
		opts:   opts.withDefaults(),
		dedup:  newDedup(client, 0),
	}
}

// Publish 发送消息到主队列，已处理过的消息ID直接跳过
func (r *RedisMQ) Publish(ctx context.Context, env *Envelope) error {
	if r.dedup.Processed(ctx, env.MessageID) {
		log.Printf("消息已处理过，跳过: %s", env.MessageID)
		return nil
	}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("序列化消息失败: %w", err)
	}
	if err := r.client.LPush(ctx, MainQueueName, data).Err(); err != nil {
		return fmt.Errorf("发送消息到队列失败: %w", err)
	}
	log.Printf("消息成功发送到Redis队列: %s, 消息ID: %s", MainQueueName, env.MessageID)
	return nil
}

// Start 启动消费循环和超时检查
func (r *RedisMQ) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("处理函数未注册")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return nil
	}

	r.handler = handler
	r.ctx, r.cancel = context.WithCancel(context.Background())
	r.running = true

	r.wg.Add(2)
	go r.consumeLoop()
	go r.timeoutCheckLoop()

	log.Print("Redis消息队列消费者已启动")
	return nil
}

// Stop 停止消费者
func (r *RedisMQ) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.inflight.Wait()
	log.Print("Redis消息队列消费者已关闭")
}

func (r *RedisMQ) consumeLoop() {
	defer r.wg.Done()

	for {
		if r.ctx.Err() != nil {
			return
		}
		// BRPOPLPUSH 原子地把消息从主队列移到处理中队列
		data, err := r.client.BRPopLPush(r.ctx, MainQueueName, ProcessingQueueName, r.opts.BlockTimeout).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && r.ctx.Err() == nil {
				log.Printf("从队列获取消息失败: %v", err)
				time.Sleep(r.opts.BlockTimeout)
			}
			continue
		}

		r.inflight.Add(1)
		go func() {
			defer r.inflight.Done()
			r.processMessage(data)
		}()
	}
}

func (r *RedisMQ) timeoutCheckLoop() {
	defer r.wg.Done()

	interval := r.opts.ProcessTimeout / 5
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.checkTimeouts()
		}
	}
}

// checkTimeouts 把处理超时的消息重新入队
func (r *RedisMQ) checkTimeouts() {
	ctx := context.Background()
	messages, err := r.client.LRange(ctx, ProcessingQueueName, 0, -1).Result()
	if err != nil {
		log.Printf("获取处理中队列消息失败: %v", err)
		return
	}

	now := time.Now().Unix()
	for _, data := range messages {
		env, err := decodeEnvelope([]byte(data))
		if err != nil {
			r.moveToDeadLetter(ctx, data)
			continue
		}
		if now-env.EnqueuedAt > int64(r.opts.ProcessTimeout.Seconds()) {
			log.Printf("消息 %s 处理超时", env.MessageID)
			r.retry(ctx, data, env)
		}
	}
}

// processMessage 处理单个消息，成功或进入重试后都从处理中队列移除
func (r *RedisMQ) processMessage(data string) {
	ctx := context.Background()
	env, err := decodeEnvelope([]byte(data))
	if err != nil {
		log.Printf("%v", err)
		r.moveToDeadLetter(ctx, data)
		return
	}

	if r.dedup.Processed(ctx, env.MessageID) {
		log.Printf("消息已处理过，跳过: %s", env.MessageID)
		r.client.LRem(ctx, ProcessingQueueName, 1, data)
		return
	}

	if err := r.handler(ctx, env.Event); err != nil {
		log.Printf("处理消息 %s 失败: %v", env.MessageID, err)
		r.retry(ctx, data, env)
		return
	}

	r.dedup.Mark(ctx, env.MessageID)
	r.client.HDel(ctx, RetriesHashName, env.MessageID)
	r.client.LRem(ctx, ProcessingQueueName, 1, data)
	log.Printf("消息处理成功: %s", env.MessageID)
}

// retry 增加重试计数，超过上限移入死信队列，否则延迟后重新入队
func (r *RedisMQ) retry(ctx context.Context, data string, env *Envelope) {
	retries, _ := r.client.HGet(ctx, RetriesHashName, env.MessageID).Int()
	if retries >= r.opts.MaxRetries {
		log.Printf("消息 %s 超过最大重试次数，移至死信队列", env.MessageID)
		r.moveToDeadLetter(ctx, data)
		return
	}

	r.client.HIncrBy(ctx, RetriesHashName, env.MessageID, 1)
	r.client.LRem(ctx, ProcessingQueueName, 1, data)

	env.EnqueuedAt = time.Now().Unix()
	updated, err := json.Marshal(env)
	if err != nil {
		r.moveToDeadLetter(ctx, data)
		return
	}
	time.AfterFunc(r.opts.RetryDelay, func() {
		if err := r.client.LPush(context.Background(), MainQueueName, updated).Err(); err != nil {
			log.Printf("消息 %s 重新入队失败: %v", env.MessageID, err)
			return
		}
		log.Printf("消息 %s 重新入队，重试次数: %d", env.MessageID, retries+1)
	})
}

func (r *RedisMQ) moveToDeadLetter(ctx context.Context, data string) {
	r.client.LPush(ctx, DeadLetterQueueName, data)
	r.client.LRem(ctx, ProcessingQueueName, 1, data)
}

// RetryDeadLetters 把死信队列中的消息移回主队列并重置重试计数
func (r *RedisMQ) RetryDeadLetters(ctx context.Context) (int, error) {
	messages, err := r.client.LRange(ctx, DeadLetterQueueName, 0, -1).Result()
	if err != nil {
		return 0, fmt.Errorf("获取死信队列消息失败: %w", err)
	}

	count := 0
	for _, data := range messages {
		if err := r.client.LPush(ctx, MainQueueName, data).Err(); err != nil {
			log.Printf("重新入队消息失败: %v", err)
			continue
		}
		r.client.LRem(ctx, DeadLetterQueueName, 1, data)
		if env, err := decodeEnvelope([]byte(data)); err == nil {
			r.client.HDel(ctx, RetriesHashName, env.MessageID)
		}
		count++
	}

	log.Printf("成功将 %d 条消息从死信队列移回主队列", count)
	return count, nil
}

// Stats 获取各队列的消息数量
func (r *RedisMQ) Stats(ctx context.Context) map[string]int64 {
	stats := make(map[string]int64)
	stats["main_queue"], _ = r.client.LLen(ctx, MainQueueName).Result()
	stats["processing_queue"], _ = r.client.LLen(ctx, ProcessingQueueName).Result()
	stats["dead_letter_queue"], _ = r.client.LLen(ctx, DeadLetterQueueName).Result()
	return stats
}

var (
	_ Queue             = (*RedisMQ)(nil)
	_ DeadLetterRetrier = (*RedisMQ)(nil)
)
