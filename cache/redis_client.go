package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient 缓存组件依赖的Redis命令子集，*redis.Client 和 miniredis 客户端都满足
type RedisClient interface {
	Ping(ctx context.Context) *redis.StatusCmd

	// 基本操作
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Get(ctx context.Context, key string) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd

	// 管道操作
	Pipeline() redis.Pipeliner

	// 位操作
	SetBit(ctx context.Context, key string, offset int64, value int) *redis.IntCmd
	GetBit(ctx context.Context, key string, offset int64) *redis.IntCmd

	// 有序集合操作
	ZRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd

	// Lua脚本
	Eval(ctx context.Context, script string, keys []string, args ...interface{}) *redis.Cmd
}
