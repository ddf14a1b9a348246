package handlers

import (
	"net/http"
	"strings"
	"sync"

	"chain-voting-backend/cache"
	"chain-voting-backend/config"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// RateLimiterStats 限流器统计信息
type RateLimiterStats struct {
	TotalRequests    int64                  `json:"totalRequests"`
	AllowedRequests  int64                  `json:"allowedRequests"`
	RejectedRequests int64                  `json:"rejectedRequests"`
	UserRejections   map[string]int64       `json:"userRejections"`
	Config           config.RateLimitConfig `json:"config"`
}

// RateLimiter 两级限流：进程内按客户端IP的令牌桶，以及Redis上的全局和按用户令牌桶
type RateLimiter struct {
	cfg config.RateLimitConfig
	// Redis 限流器，client 为 nil 时只做进程内限流
	users *cache.UserRateLimiter

	mu    sync.Mutex
	local map[string]*rate.Limiter
	stats RateLimiterStats
}

// NewRateLimiter 创建限流器，client 可为 nil
func NewRateLimiter(cfg config.RateLimitConfig, client cache.RedisClient) *RateLimiter {
	l := &RateLimiter{
		cfg:   cfg,
		local: make(map[string]*rate.Limiter),
		stats: RateLimiterStats{UserRejections: make(map[string]int64), Config: cfg},
	}
	if cfg.Enabled && client != nil {
		l.users = cache.NewUserRateLimiter(client, "user_api", cfg.GlobalRate, cfg.GlobalBurst, cfg.UserRate, cfg.UserBurst)
		log.Printf("限流器已初始化：全局速率=%d/秒，用户速率=%d/秒", cfg.GlobalRate, cfg.UserRate)
	}
	return l
}

// localLimiter 返回某个IP的进程内限流器，IP 数量过多时整体重建
func (l *RateLimiter) localLimiter(ip string) *rate.Limiter {
	if lim, ok := l.local[ip]; ok {
		return lim
	}
	if len(l.local) >= 10000 {
		l.local = make(map[string]*rate.Limiter)
	}
	lim := rate.NewLimiter(rate.Limit(l.cfg.UserRate), l.cfg.UserBurst)
	l.local[ip] = lim
	return lim
}

func clientIdentity(c *gin.Context) string {
	if token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer "); token != "" {
		return "token:" + token
	}
	return "ip:" + c.ClientIP()
}

func (l *RateLimiter) reject(c *gin.Context, user string, msg string) {
	l.mu.Lock()
	l.stats.RejectedRequests++
	if user != "" {
		l.stats.UserRejections[user]++
	}
	l.mu.Unlock()

	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": msg})
}

// Middleware 限流中间件，未启用时直接放行
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.cfg.Enabled {
			c.Next()
			return
		}

		ip := c.ClientIP()
		l.mu.Lock()
		l.stats.TotalRequests++
		allowed := l.localLimiter(ip).Allow()
		l.mu.Unlock()
		if !allowed {
			l.reject(c, "ip:"+ip, "too many requests, please retry later")
			return
		}

		if l.users != nil {
			user := clientIdentity(c)
			ok, err := l.users.AllowUser(c.Request.Context(), user)
			if err != nil {
				log.Printf("用户限流检查失败: %v", err)
			} else if !ok {
				l.reject(c, user, "too many requests for this account, please retry later")
				return
			}
		}

		l.mu.Lock()
		l.stats.AllowedRequests++
		l.mu.Unlock()
		c.Next()
	}
}

// Stats 返回统计信息的副本
func (l *RateLimiter) Stats() RateLimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.stats
	out.UserRejections = make(map[string]int64, len(l.stats.UserRejections))
	for k, v := range l.stats.UserRejections {
		out.UserRejections[k] = v
	}
	return out
}
