package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RocketConfig RocketMQ连接参数
type RocketConfig struct {
	NameServers []string
	GroupName   string
	MaxRetries  int
}

// RocketMQ 基于RocketMQ的事件队列，同一管理员的消息进入同一队列
type RocketMQ struct {
	cfg      RocketConfig
	producer rocketmq.Producer
	dedup    *dedup

	mu       sync.Mutex
	consumer rocketmq.PushConsumer
	handler  Handler
}

// NewRocketMQ 创建并启动生产者，client 不为 nil 时用Redis做消费幂等
func NewRocketMQ(cfg RocketConfig, client redis.UniversalClient) (*RocketMQ, error) {
	if cfg.GroupName == "" {
		cfg.GroupName = TopicVoteEvents
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}

	log.Printf("初始化RocketMQ连接, 地址: %v", cfg.NameServers)
	p, err := rocketmq.NewProducer(
		producer.WithNameServer(cfg.NameServers),
		producer.WithGroupName(cfg.GroupName+"_producer"),
		producer.WithRetry(2),
		producer.WithSendMsgTimeout(10*time.Second),
		producer.WithVIPChannel(false),
	)
	if err != nil {
		return nil, fmt.Errorf("创建RocketMQ生产者失败: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("启动RocketMQ生产者失败: %w", err)
	}

	log.Print("RocketMQ生产者初始化成功")
	return &RocketMQ{cfg: cfg, producer: p, dedup: newDedup(client, 0)}, nil
}

// buildMessage 构造RocketMQ消息，键为消息ID，分区键为管理员
func buildMessage(env *Envelope) (*primitive.Message, error) {
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("序列化消息失败: %w", err)
	}
	message := primitive.NewMessage(TopicVoteEvents, body)
	message.WithTag(TagVoteCreated)
	message.WithKeys([]string{env.MessageID})
	message.WithShardingKey(env.Event.Manager)
	return message, nil
}

// Publish 同步发送消息
func (q *RocketMQ) Publish(ctx context.Context, env *Envelope) error {
	message, err := buildMessage(env)
	if err != nil {
		return err
	}
	res, err := q.producer.SendSync(ctx, message)
	if err != nil {
		return fmt.Errorf("发送消息失败: %w", err)
	}
	log.Printf("发送消息成功, MsgID: %s, MessageID: %s, 队列: %s", res.MsgID, env.MessageID, res.MessageQueue.String())
	return nil
}

// Start 创建推模式消费者并订阅投票事件
func (q *RocketMQ) Start(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("处理函数未注册")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumer != nil {
		return nil
	}
	q.handler = handler

	c, err := rocketmq.NewPushConsumer(
		consumer.WithNameServer(q.cfg.NameServers),
		consumer.WithGroupName(q.cfg.GroupName+"_consumer"),
		consumer.WithConsumerModel(consumer.Clustering),
		consumer.WithConsumeFromWhere(consumer.ConsumeFromLastOffset),
		consumer.WithConsumerOrder(true),
		consumer.WithMaxReconsumeTimes(int32(q.cfg.MaxRetries)),
	)
	if err != nil {
		return fmt.Errorf("创建消息消费者失败: %w", err)
	}

	selector := consumer.MessageSelector{Type: consumer.TAG, Expression: TagVoteCreated}
	if err := c.Subscribe(TopicVoteEvents, selector, q.consume); err != nil {
		return fmt.Errorf("订阅主题失败: %w", err)
	}
	if err := c.Start(); err != nil {
		return fmt.Errorf("启动消费者失败: %w", err)
	}

	q.consumer = c
	log.Print("RocketMQ消费者启动成功")
	return nil
}

// consume 处理一批消息，任何一条失败时整批稍后重试
func (q *RocketMQ) consume(ctx context.Context, msgs ...*primitive.MessageExt) (consumer.ConsumeResult, error) {
	for _, msg := range msgs {
		env, err := decodeEnvelope(msg.Body)
		if err != nil {
			log.Printf("%v", err)
			continue
		}
		if q.dedup.Processed(ctx, env.MessageID) {
			log.Printf("消息已处理过，跳过: %s", env.MessageID)
			continue
		}
		if err := q.handler(ctx, env.Event); err != nil {
			log.Printf("处理消息 %s 失败: %v", env.MessageID, err)
			return consumer.SuspendCurrentQueueAMoment, nil
		}
		q.dedup.Mark(ctx, env.MessageID)
	}
	return consumer.ConsumeSuccess, nil
}

// Stop 关闭消费者和生产者
func (q *RocketMQ) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.consumer != nil {
		if err := q.consumer.Shutdown(); err != nil {
			log.Printf("关闭RocketMQ消费者失败: %v", err)
		}
		q.consumer = nil
	}
	if q.producer != nil {
		if err := q.producer.Shutdown(); err != nil {
			log.Printf("关闭RocketMQ生产者失败: %v", err)
		}
		q.producer = nil
	}
}

// Stats RocketMQ的堆积量由控制台查看，这里不统计
func (q *RocketMQ) Stats(context.Context) map[string]int64 {
	return map[string]int64{}
}

var _ Queue = (*RocketMQ)(nil)
