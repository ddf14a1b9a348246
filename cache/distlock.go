package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// 锁获取重试参数
const (
	lockTries      = 20
	lockRetryDelay = 50 * time.Millisecond
)

// DistributedLockService 分布式锁服务
type DistributedLockService struct {
	rs *redsync.Redsync
}

// NewLockService 基于现有Redis客户端创建分布式锁服务
func NewLockService(client redis.UniversalClient) *DistributedLockService {
	pool := goredis.NewPool(client)
	return &DistributedLockService{rs: redsync.New(pool)}
}

// AcquireLock 获取锁，重试次数用尽时返回 ErrLockNotAcquired
func (s *DistributedLockService) AcquireLock(ctx context.Context, lockName string, expiry time.Duration) (*redsync.Mutex, error) {
	mutex := s.rs.NewMutex("lock:"+lockName,
		redsync.WithExpiry(expiry),
		redsync.WithTries(lockTries),
		redsync.WithRetryDelay(lockRetryDelay),
		redsync.WithDriftFactor(0.01),
	)

	if err := mutex.LockContext(ctx); err != nil {
		var taken *redsync.ErrTaken
		if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
			return nil, fmt.Errorf("%w: %s", ErrLockNotAcquired, lockName)
		}
		return nil, err
	}
	return mutex, nil
}

// ReleaseLock 释放锁
func (s *DistributedLockService) ReleaseLock(ctx context.Context, mutex *redsync.Mutex) error {
	ok, err := mutex.UnlockContext(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("释放锁 %s 失败", mutex.Name())
	}
	return nil
}

// WithLock 在锁内执行操作
func (s *DistributedLockService) WithLock(ctx context.Context, lockName string, expiry time.Duration, action func() error) error {
	mutex, err := s.AcquireLock(ctx, lockName, expiry)
	if err != nil {
		return err
	}

	// 确保解锁，业务上下文取消后仍要释放
	defer func() {
		if err := s.ReleaseLock(context.Background(), mutex); err != nil {
			log.Printf("释放分布式锁失败: %v", err)
		}
	}()

	return action()
}
