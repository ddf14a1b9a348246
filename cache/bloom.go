package cache

import (
	"context"
	"hash/fnv"

	"github.com/redis/go-redis/v9"
)

// 位图大小 2^24 位
const bloomBits = 1 << 24

// BloomFilter 基于Redis位图的布隆过滤器，不设置过期时间
type BloomFilter struct {
	redisClient RedisClient
	key         string
	hashCount   int
}

// NewBloomFilter 创建新的布隆过滤器
func NewBloomFilter(client RedisClient, key string, hashCount int) *BloomFilter {
	return &BloomFilter{
		redisClient: client,
		key:         "bloom:" + key,
		hashCount:   hashCount,
	}
}

// NewManagerFilter 已登记管理员账户的过滤器
func NewManagerFilter(client RedisClient) *BloomFilter {
	return NewBloomFilter(client, "vote_managers", 5)
}

// Add 添加元素到布隆过滤器
func (bf *BloomFilter) Add(ctx context.Context, item string) error {
	if bf == nil || bf.redisClient == nil {
		return ErrRedisNotAvailable
	}

	pipe := bf.redisClient.Pipeline()
	for i := 0; i < bf.hashCount; i++ {
		pipe.SetBit(ctx, bf.key, bf.hash(item, i), 1)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Contains 检查元素是否可能存在于布隆过滤器中
func (bf *BloomFilter) Contains(ctx context.Context, item string) (bool, error) {
	if bf == nil || bf.redisClient == nil {
		return false, ErrRedisNotAvailable
	}

	pipe := bf.redisClient.Pipeline()
	cmds := make([]*redis.IntCmd, 0, bf.hashCount)
	for i := 0; i < bf.hashCount; i++ {
		cmds = append(cmds, pipe.GetBit(ctx, bf.key, bf.hash(item, i)))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}

	// 任何一个位为0，则元素肯定不存在
	for _, cmd := range cmds {
		if cmd.Val() == 0 {
			return false, nil
		}
	}
	return true, nil
}

// Reset 清空过滤器
func (bf *BloomFilter) Reset(ctx context.Context) error {
	if bf == nil || bf.redisClient == nil {
		return ErrRedisNotAvailable
	}
	return bf.redisClient.Del(ctx, bf.key).Err()
}

// hash 计算哈希值，使用不同的种子
func (bf *BloomFilter) hash(key string, seed int) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	h.Write([]byte{byte(seed)})
	return int64(h.Sum64() % uint64(bloomBits))
}
