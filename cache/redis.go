package cache

import (
	"context"
	"fmt"
	"time"

	"chain-voting-backend/config"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// NewClient 按配置创建Redis客户端并检测连通性
func NewClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	log.Printf("初始化Redis连接, 地址: %s", cfg.Addr)

	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: 3 * time.Second,
		ReadTimeout: 3 * time.Second,
		PoolSize:    cfg.PoolSize,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", ErrRedisNotAvailable, err)
	}

	log.Print("Redis连接初始化成功")
	return client, nil
}

// Ping 检查Redis是否可用，供健康检查使用
func Ping(ctx context.Context, client RedisClient) error {
	if client == nil {
		return ErrRedisNotAvailable
	}
	return client.Ping(ctx).Err()
}

// Close 关闭Redis连接
func Close(client *redis.Client) {
	if client == nil {
		return
	}
	if err := client.Close(); err != nil {
		log.Printf("关闭Redis连接错误: %v", err)
		return
	}
	log.Print("Redis连接已关闭")
}
