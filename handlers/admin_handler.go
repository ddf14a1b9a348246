package handlers

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// CleanupCacheInput 定义清理缓存的输入结构
type CleanupCacheInput struct {
	Patterns []string `json:"patterns" binding:"required"` // 要清理的键模式列表
}

// QueueAdmin 事件队列的管理操作，*mq.MQAdapter 满足
type QueueAdmin interface {
	GetQueueStats(ctx context.Context) map[string]interface{}
	RetryDeadLetters(ctx context.Context) (int, error)
}

// StatsProvider 返回限流统计
type StatsProvider interface {
	Stats() RateLimiterStats
}

// AdminHandler 管理接口，请求需带 X-Admin-Key
type AdminHandler struct {
	key     string
	redis   redis.UniversalClient
	queue   QueueAdmin
	limiter StatsProvider
}

// NewAdminHandler 创建管理接口处理器，redis、queue、limiter 可为 nil
func NewAdminHandler(key string, client redis.UniversalClient, queue QueueAdmin, limiter StatsProvider) *AdminHandler {
	return &AdminHandler{key: key, redis: client, queue: queue, limiter: limiter}
}

// RegisterRoutes 注册管理路由，未配置密钥时不注册
func (h *AdminHandler) RegisterRoutes(router gin.IRouter) {
	if h.key == "" {
		return
	}
	admin := router.Group("/admin", h.requireKey)
	admin.GET("/queue", h.QueueStats)
	admin.POST("/queue/retry", h.RetryDeadLetters)
	admin.POST("/cache/clean", h.CleanupRedisCache)
	admin.GET("/ratelimit/stats", h.RateLimitStats)
}

func (h *AdminHandler) requireKey(c *gin.Context) {
	if subtle.ConstantTimeCompare([]byte(c.GetHeader("X-Admin-Key")), []byte(h.key)) != 1 {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid admin key"})
		return
	}
	c.Next()
}

// QueueStats 返回事件队列统计
func (h *AdminHandler) QueueStats(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event queue not configured"})
		return
	}
	c.JSON(http.StatusOK, h.queue.GetQueueStats(c.Request.Context()))
}

// RetryDeadLetters 把死信重新入队
func (h *AdminHandler) RetryDeadLetters(c *gin.Context) {
	if h.queue == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "event queue not configured"})
		return
	}
	n, err := h.queue.RetryDeadLetters(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"requeued": n})
}

// RateLimitStats 返回限流统计
func (h *AdminHandler) RateLimitStats(c *gin.Context) {
	if h.limiter == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "rate limiter not configured"})
		return
	}
	c.JSON(http.StatusOK, h.limiter.Stats())
}

// CleanupRedisCache 按模式删除Redis缓存键，使用SCAN避免阻塞
func (h *AdminHandler) CleanupRedisCache(c *gin.Context) {
	var input CleanupCacheInput
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid input: %v", err)})
		return
	}
	if h.redis == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "redis not configured"})
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
	defer cancel()

	totalDeleted := 0
	var failures []string
	for _, pattern := range input.Patterns {
		iter := h.redis.Scan(ctx, 0, pattern, 200).Iterator()
		var keys []string
		for iter.Next(ctx) {
			keys = append(keys, iter.Val())
		}
		if err := iter.Err(); err != nil {
			failures = append(failures, fmt.Sprintf("scan %s: %v", pattern, err))
			continue
		}
		if len(keys) == 0 {
			continue
		}
		deleted, err := h.redis.Del(ctx, keys...).Result()
		if err != nil {
			failures = append(failures, fmt.Sprintf("delete %s: %v", pattern, err))
			continue
		}
		log.Printf("已删除 %d 个Redis键 (模式: %s)", deleted, pattern)
		totalDeleted += int(deleted)
	}

	result := gin.H{
		"success":       len(failures) == 0,
		"total_deleted": totalDeleted,
	}
	if len(failures) > 0 {
		result["errors"] = failures
	}
	c.JSON(http.StatusOK, result)
}
