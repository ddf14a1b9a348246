package mq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"chain-voting-backend/config"
	"chain-voting-backend/metrics"
	"chain-voting-backend/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/apache/rocketmq-client-go/v2/consumer"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id string) *models.VoteCreatedEvent {
	return &models.VoteCreatedEvent{
		MessageID: id,
		VoteID:    7,
		Name:      "budget",
		GroupID:   2,
		Manager:   "0xd1220a0cf47c7b9be7a2e6ba89f429762e7b9adb",
		Contract:  "0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		Voters:    []string{"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"},
	}
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return mr, client
}

func TestRedisMQ_PublishAndConsume(t *testing.T) {
	_, client := newRedis(t)
	q := NewRedisMQ(client, Options{RetryDelay: 10 * time.Millisecond})
	ctx := context.Background()

	var got atomic.Int64
	require.NoError(t, q.Start(func(_ context.Context, e *models.VoteCreatedEvent) error {
		got.Store(e.VoteID)
		return nil
	}))
	defer q.Stop()

	require.NoError(t, q.Publish(ctx, NewEnvelope(testEvent("m-1"))))

	assert.Eventually(t, func() bool {
		stats := q.Stats(ctx)
		return got.Load() == 7 && stats["main_queue"] == 0 && stats["processing_queue"] == 0
	}, 3*time.Second, 20*time.Millisecond)

	// 已处理的消息不再入队
	require.NoError(t, q.Publish(ctx, NewEnvelope(testEvent("m-1"))))
	n, err := client.LLen(ctx, MainQueueName).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRedisMQ_DeadLetterAfterRetries(t *testing.T) {
	_, client := newRedis(t)
	q := NewRedisMQ(client, Options{MaxRetries: 1, RetryDelay: 10 * time.Millisecond})
	ctx := context.Background()

	var attempts atomic.Int32
	var healthy atomic.Bool
	require.NoError(t, q.Start(func(context.Context, *models.VoteCreatedEvent) error {
		attempts.Add(1)
		if healthy.Load() {
			return nil
		}
		return errors.New("db down")
	}))
	defer q.Stop()

	require.NoError(t, q.Publish(ctx, NewEnvelope(testEvent("m-2"))))
	assert.Eventually(t, func() bool {
		return q.Stats(ctx)["dead_letter_queue"] == 1
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, int32(2), attempts.Load())

	healthy.Store(true)
	n, err := q.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Eventually(t, func() bool {
		stats := q.Stats(ctx)
		return attempts.Load() == 3 && stats["dead_letter_queue"] == 0 && stats["processing_queue"] == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestRedisMQ_MalformedMessage(t *testing.T) {
	_, client := newRedis(t)
	q := NewRedisMQ(client, Options{})
	q.handler = func(context.Context, *models.VoteCreatedEvent) error { return nil }
	ctx := context.Background()

	require.NoError(t, client.LPush(ctx, ProcessingQueueName, "{broken").Err())
	q.processMessage("{broken")

	stats := q.Stats(ctx)
	assert.Equal(t, int64(1), stats["dead_letter_queue"])
	assert.Equal(t, int64(0), stats["processing_queue"])
}

func TestRedisMQ_CheckTimeouts(t *testing.T) {
	_, client := newRedis(t)
	q := NewRedisMQ(client, Options{ProcessTimeout: time.Second, RetryDelay: time.Millisecond})
	ctx := context.Background()

	env := NewEnvelope(testEvent("m-3"))
	env.EnqueuedAt = time.Now().Add(-time.Hour).Unix()
	data, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, client.LPush(ctx, ProcessingQueueName, data).Err())

	q.checkTimeouts()

	retries, err := client.HGet(ctx, RetriesHashName, "m-3").Int()
	require.NoError(t, err)
	assert.Equal(t, 1, retries)
	assert.Eventually(t, func() bool {
		stats := q.Stats(ctx)
		return stats["main_queue"] == 1 && stats["processing_queue"] == 0
	}, time.Second, 5*time.Millisecond)
}

func TestMemoryMQ(t *testing.T) {
	q := NewMemoryMQ(4, Options{MaxRetries: 1, RetryDelay: time.Millisecond})
	ctx := context.Background()

	var mu sync.Mutex
	var seen []string
	require.NoError(t, q.Start(func(_ context.Context, e *models.VoteCreatedEvent) error {
		mu.Lock()
		defer mu.Unlock()
		seen = append(seen, e.MessageID)
		if e.MessageID == "bad" {
			return errors.New("boom")
		}
		return nil
	}))
	defer q.Stop()

	require.NoError(t, q.Publish(ctx, NewEnvelope(testEvent("good"))))
	require.NoError(t, q.Publish(ctx, NewEnvelope(testEvent("bad"))))

	assert.Eventually(t, func() bool {
		return q.Stats(ctx)["dead_letter_queue"] == 1
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Equal(t, []string{"good", "bad", "bad"}, seen)
	mu.Unlock()

	// 已处理的消息被幂等跳过
	require.NoError(t, q.Publish(ctx, NewEnvelope(testEvent("good"))))
	assert.Equal(t, int64(0), q.Stats(ctx)["main_queue"])

	n, err := q.RetryDeadLetters(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryMQ_Full(t *testing.T) {
	q := NewMemoryMQ(1, Options{})
	ctx := context.Background()
	require.NoError(t, q.Publish(ctx, NewEnvelope(testEvent("a"))))
	assert.Error(t, q.Publish(ctx, NewEnvelope(testEvent("b"))))
	assert.Error(t, q.Start(nil))
}

func TestRocketMQ_BuildMessage(t *testing.T) {
	env := NewEnvelope(testEvent("m-4"))
	msg, err := buildMessage(env)
	require.NoError(t, err)

	assert.Equal(t, TopicVoteEvents, msg.Topic)
	assert.Equal(t, TagVoteCreated, msg.GetTags())
	assert.Equal(t, "m-4", msg.GetKeys())
	assert.Equal(t, env.Event.Manager, msg.GetShardingKey())

	decoded, err := decodeEnvelope(msg.Body)
	require.NoError(t, err)
	assert.Equal(t, env.Event.VoteID, decoded.Event.VoteID)
}

func TestRocketMQ_Consume(t *testing.T) {
	_, client := newRedis(t)
	ctx := context.Background()

	var calls atomic.Int32
	failing := false
	q := &RocketMQ{dedup: newDedup(client, time.Hour)}
	q.handler = func(context.Context, *models.VoteCreatedEvent) error {
		calls.Add(1)
		if failing {
			return errors.New("boom")
		}
		return nil
	}

	body, err := json.Marshal(NewEnvelope(testEvent("m-5")))
	require.NoError(t, err)
	msgs := []*primitive.MessageExt{
		{Message: primitive.Message{Body: []byte("not json")}},
		{Message: primitive.Message{Body: body}},
	}

	result, err := q.consume(ctx, msgs...)
	require.NoError(t, err)
	assert.Equal(t, consumer.ConsumeSuccess, result)
	assert.Equal(t, int32(1), calls.Load())

	// 重复投递被跳过
	result, _ = q.consume(ctx, msgs...)
	assert.Equal(t, consumer.ConsumeSuccess, result)
	assert.Equal(t, int32(1), calls.Load())

	failing = true
	other, err := json.Marshal(NewEnvelope(testEvent("m-6")))
	require.NoError(t, err)
	result, _ = q.consume(ctx, &primitive.MessageExt{Message: primitive.Message{Body: other}})
	assert.Equal(t, consumer.SuspendCurrentQueueAMoment, result)
}

func TestMQAdapter_Memory(t *testing.T) {
	m := metrics.PrometheusMetrics("test")
	a, err := NewMQAdapter(config.MQConfig{Driver: "memory", RetryDelay: time.Millisecond}, nil, m)
	require.NoError(t, err)
	ctx := context.Background()

	done := make(chan int64, 1)
	require.NoError(t, a.Start(func(_ context.Context, e *models.VoteCreatedEvent) error {
		done <- e.VoteID
		return nil
	}))
	defer a.Close()

	require.NoError(t, a.PublishVoteCreated(ctx, testEvent("m-7")))
	select {
	case id := <-done:
		assert.Equal(t, int64(7), id)
	case <-time.After(time.Second):
		t.Fatal("event not consumed")
	}

	assert.Equal(t, 1.0, testutil.ToFloat64(m.QueueMessages.WithLabelValues(TopicVoteEvents, "published")))
	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(m.QueueMessages.WithLabelValues(TopicVoteEvents, "processed")) == 1
	}, time.Second, 5*time.Millisecond)

	stats := a.GetQueueStats(ctx)
	assert.Equal(t, "memory", stats["type"])
}

func TestNewMQAdapter_Errors(t *testing.T) {
	_, err := NewMQAdapter(config.MQConfig{Driver: "kafka"}, nil, nil)
	assert.ErrorContains(t, err, "kafka")

	_, err = NewMQAdapter(config.MQConfig{Driver: "redis"}, nil, nil)
	assert.Error(t, err)
}

type statsOnlyQueue struct{ Queue }

func TestMQAdapter_RetryUnsupported(t *testing.T) {
	a := NewMQAdapterWithQueue(statsOnlyQueue{}, "custom", nil)
	_, err := a.RetryDeadLetters(context.Background())
	assert.Error(t, err)
}

type savedRecords struct{ records []*models.VoteRecord }

func (s *savedRecords) Save(_ context.Context, r *models.VoteRecord) error {
	s.records = append(s.records, r)
	return nil
}

type groupBroadcast struct {
	group int64
	data  []byte
}

func (b *groupBroadcast) BroadcastToGroup(groupID int64, message []byte) {
	b.group, b.data = groupID, message
}

func TestVoteCreatedHandler(t *testing.T) {
	saver := &savedRecords{}
	hub := &groupBroadcast{}
	handler := NewVoteCreatedHandler(saver, hub)

	require.NoError(t, handler(context.Background(), testEvent("m-8")))

	require.Len(t, saver.records, 1)
	assert.Equal(t, int64(7), saver.records[0].VoteID)
	assert.Equal(t, 1, saver.records[0].VoterCount)

	assert.Equal(t, int64(2), hub.group)
	var msg map[string]interface{}
	require.NoError(t, json.Unmarshal(hub.data, &msg))
	assert.Equal(t, models.EventVoteCreated, msg["type"])

	assert.NoError(t, NewVoteCreatedHandler(nil, nil)(context.Background(), testEvent("m-9")))
}
