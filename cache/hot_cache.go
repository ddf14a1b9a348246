package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// 缓存重建锁的过期时间
const rebuildLockExpiry = 5 * time.Second

// HotCache 热点缓存管理器，缓存合约读结果，互斥锁防止击穿，随机过期防止雪崩
type HotCache struct {
	redisClient RedisClient
	lockService *DistributedLockService
}

// NewHotCache 创建新的热点缓存管理器，lockService 为 nil 时不做击穿保护
func NewHotCache(client RedisClient, lockService *DistributedLockService) *HotCache {
	return &HotCache{
		redisClient: client,
		lockService: lockService,
	}
}

// GetJSON 读取缓存到 out，未命中时调用 loader 加载并回填
func (c *HotCache) GetJSON(ctx context.Context, key string, ttl time.Duration, out interface{}, loader func(ctx context.Context) (interface{}, error)) error {
	if c == nil || c.redisClient == nil {
		return c.load(ctx, out, loader)
	}

	// 1. 尝试从缓存获取
	if hit, err := c.read(ctx, key, out); err == nil && hit {
		return nil
	}

	fill := func() error {
		// 双重检查，可能其他实例已经填充了缓存
		if hit, err := c.read(ctx, key, out); err == nil && hit {
			return nil
		}

		data, err := loader(ctx)
		if err != nil {
			return err
		}

		payload, err := json.Marshal(data)
		if err != nil {
			return fmt.Errorf("序列化缓存数据失败: %w", err)
		}
		if err := c.redisClient.Set(ctx, key, payload, jitter(ttl)).Err(); err != nil {
			log.Printf("设置缓存失败: %v", err)
		}
		return json.Unmarshal(payload, out)
	}

	// 2. 使用分布式锁防止缓存击穿
	if c.lockService == nil {
		return fill()
	}
	err := c.lockService.WithLock(ctx, "cache:"+key, rebuildLockExpiry, fill)
	if errors.Is(err, ErrLockNotAcquired) {
		log.Printf("获取缓存锁失败，直接加载: %s", key)
		return c.load(ctx, out, loader)
	}
	return err
}

// Generation 返回作用域的当前代数，缓存键中带上代数即可整体失效
func (c *HotCache) Generation(ctx context.Context, scope string) (int64, error) {
	if c == nil || c.redisClient == nil {
		return 0, nil
	}
	gen, err := c.redisClient.Get(ctx, generationKey(scope)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

// Invalidate 递增作用域代数，使旧缓存键不再命中
func (c *HotCache) Invalidate(ctx context.Context, scope string) error {
	if c == nil || c.redisClient == nil {
		return nil
	}
	return c.redisClient.Incr(ctx, generationKey(scope)).Err()
}

func (c *HotCache) read(ctx context.Context, key string, out interface{}) (bool, error) {
	data, err := c.redisClient.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		log.Printf("查询缓存失败: %v", err)
		return false, err
	}
	if err := json.Unmarshal(data, out); err != nil {
		log.Printf("解析缓存数据失败: %v", err)
		return false, err
	}
	return true, nil
}

func (c *HotCache) load(ctx context.Context, out interface{}, loader func(ctx context.Context) (interface{}, error)) error {
	data, err := loader(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, out)
}

func generationKey(scope string) string {
	return "cache_gen:" + scope
}

// jitter 在 ttl 基础上增加至多10%的随机时间
func jitter(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return 0
	}
	spread := int64(ttl / 10)
	if spread <= 0 {
		return ttl
	}
	return ttl + time.Duration(rand.Int63n(spread))
}
