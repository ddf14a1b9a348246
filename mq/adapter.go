// Package mq carries vote-created events from the API to background consumers.
package mq

import (
	"context"
	"fmt"
	"strings"

	"chain-voting-backend/config"
	"chain-voting-backend/metrics"
	"chain-voting-backend/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// MQAdapter 消息队列适配器，按配置选择 redis、rocketmq 或 memory 驱动
type MQAdapter struct {
	queue   Queue
	driver  string
	metrics *metrics.Metrics
}

// NewMQAdapter 按配置创建队列驱动，rocketmq 不可用时不降级
func NewMQAdapter(cfg config.MQConfig, client redis.UniversalClient, m *metrics.Metrics) (*MQAdapter, error) {
	opts := Options{
		MaxRetries:     cfg.MaxRetries,
		RetryDelay:     cfg.RetryDelay,
		ProcessTimeout: cfg.ProcessTimeout,
	}

	var queue Queue
	switch strings.ToLower(cfg.Driver) {
	case "redis", "":
		if client == nil {
			return nil, fmt.Errorf("redis 驱动需要Redis客户端")
		}
		queue = NewRedisMQ(client, opts)
	case "rocketmq":
		q, err := NewRocketMQ(RocketConfig{
			NameServers: strings.Split(cfg.RocketNameSrv, ","),
			GroupName:   cfg.RocketGroup,
			MaxRetries:  cfg.MaxRetries,
		}, client)
		if err != nil {
			return nil, err
		}
		queue = q
	case "memory":
		queue = NewMemoryMQ(0, opts)
	default:
		return nil, fmt.Errorf("未知的消息队列驱动: %s", cfg.Driver)
	}

	log.Printf("消息队列驱动: %s", cfg.Driver)
	return NewMQAdapterWithQueue(queue, cfg.Driver, m), nil
}

// NewMQAdapterWithQueue 使用已有的队列驱动
func NewMQAdapterWithQueue(queue Queue, driver string, m *metrics.Metrics) *MQAdapter {
	if m == nil {
		m = metrics.NopMetrics()
	}
	return &MQAdapter{queue: queue, driver: driver, metrics: m}
}

// PublishVoteCreated 发布投票创建事件
func (a *MQAdapter) PublishVoteCreated(ctx context.Context, event *models.VoteCreatedEvent) error {
	err := a.queue.Publish(ctx, NewEnvelope(event))
	a.observe("published", err)
	return err
}

// Start 注册处理函数并启动消费者
func (a *MQAdapter) Start(handler Handler) error {
	return a.queue.Start(func(ctx context.Context, event *models.VoteCreatedEvent) error {
		err := handler(ctx, event)
		a.observe("processed", err)
		return err
	})
}

func (a *MQAdapter) observe(stage string, err error) {
	result := stage
	if err != nil {
		result = stage + "_failed"
	}
	a.metrics.QueueMessages.WithLabelValues(TopicVoteEvents, result).Inc()
}

// Close 关闭消息队列
func (a *MQAdapter) Close() {
	a.queue.Stop()
	log.Print("消息队列已关闭")
}

// GetQueueStats 获取队列统计信息
func (a *MQAdapter) GetQueueStats(ctx context.Context) map[string]interface{} {
	return map[string]interface{}{
		"type":   a.driver,
		"queues": a.queue.Stats(ctx),
	}
}

// RetryDeadLetters 重试死信队列中的消息
func (a *MQAdapter) RetryDeadLetters(ctx context.Context) (int, error) {
	retrier, ok := a.queue.(DeadLetterRetrier)
	if !ok {
		return 0, fmt.Errorf("当前消息队列模式不支持死信队列操作")
	}
	return retrier.RetryDeadLetters(ctx)
}
