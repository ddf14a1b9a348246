package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// 乐观事务默认最大重试次数
const defaultMaxRetries = 16

// RedisStore 基于Redis的文档存储，文档保存为JSON字符串，计数器保存在哈希中
type RedisStore struct {
	client     redis.UniversalClient
	maxRetries int
}

// NewRedisStore 创建Redis文档存储
func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client:     client,
		maxRetries: defaultMaxRetries,
	}
}

func docKey(collection, id string) string {
	return fmt.Sprintf("doc:%s:%s", collection, id)
}

func counterKey(collection, id string) string {
	return fmt.Sprintf("counter:%s:%s", collection, id)
}

// Get 读取文档
func (s *RedisStore) Get(ctx context.Context, collection, id string, out interface{}) error {
	data, err := s.client.Get(ctx, docKey(collection, id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("读取文档 %s 失败: %w", Path(collection, id), err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("解析文档 %s 失败: %w", Path(collection, id), err)
	}
	return nil
}

// Set 覆盖写入文档
func (s *RedisStore) Set(ctx context.Context, collection, id string, doc interface{}) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("序列化文档失败: %w", err)
	}
	if err := s.client.Set(ctx, docKey(collection, id), data, 0).Err(); err != nil {
		return fmt.Errorf("写入文档 %s 失败: %w", Path(collection, id), err)
	}
	return nil
}

// Merge 深度合并字段
func (s *RedisStore) Merge(ctx context.Context, collection, id string, fields map[string]interface{}) error {
	return mergeUpdate(ctx, s, collection, id, fields)
}

// Update 使用 WATCH/MULTI 乐观事务读改写文档，冲突时重试
func (s *RedisStore) Update(ctx context.Context, collection, id string, out interface{}, fn func(exists bool) error) error {
	key := docKey(collection, id)

	txf := func(tx *redis.Tx) error {
		resetValue(out)

		exists := true
		data, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
			exists = false
		case err != nil:
			return err
		default:
			if err := json.Unmarshal(data, out); err != nil {
				return fmt.Errorf("解析文档 %s 失败: %w", Path(collection, id), err)
			}
		}

		if err := fn(exists); err != nil {
			return err
		}

		payload, err := json.Marshal(out)
		if err != nil {
			return fmt.Errorf("序列化文档失败: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		return err
	}

	for i := 0; i < s.maxRetries; i++ {
		err := s.client.Watch(ctx, txf, key)
		if err == nil {
			return nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		return err
	}
	return fmt.Errorf("%w: %s", ErrConflict, Path(collection, id))
}

// Increment 使用 HINCRBY 原子增加计数器
func (s *RedisStore) Increment(ctx context.Context, collection, id, field string, delta int64) (int64, error) {
	value, err := s.client.HIncrBy(ctx, counterKey(collection, id), field, delta).Result()
	if err != nil {
		return 0, fmt.Errorf("增加计数器 %s.%s 失败: %w", Path(collection, id), field, err)
	}
	return value, nil
}

// Counter 读取计数器
func (s *RedisStore) Counter(ctx context.Context, collection, id, field string) (int64, error) {
	value, err := s.client.HGet(ctx, counterKey(collection, id), field).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("读取计数器 %s.%s 失败: %w", Path(collection, id), field, err)
	}
	return value, nil
}

// Delete 删除文档和计数器
func (s *RedisStore) Delete(ctx context.Context, collection, id string) error {
	return s.client.Del(ctx, docKey(collection, id), counterKey(collection, id)).Err()
}
