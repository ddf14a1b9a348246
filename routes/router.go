package routes

import (
	"context"
	"errors"
	"net/http"
	"time"

	"chain-voting-backend/api"
	"chain-voting-backend/config"
	"chain-voting-backend/handlers"
	"chain-voting-backend/metrics"
	"chain-voting-backend/service"
	"chain-voting-backend/websocket"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Dependencies 路由需要的组件，Redis、Queue 可为 nil
type Dependencies struct {
	Config   *config.Config
	Metrics  *metrics.Metrics
	Sessions api.SessionManager
	Votes    service.VoteService
	Hub      *websocket.Hub
	Redis    redis.UniversalClient
	Queue    handlers.QueueAdmin
	Checks   map[string]handlers.Check
	ReadOnly bool
}

// Server 是HTTP服务器的封装
type Server struct {
	*http.Server
	shutdownTimeout time.Duration
}

// SetupRouter 设置和配置Gin路由
func SetupRouter(deps Dependencies) *gin.Engine {
	if deps.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.NopMetrics()
	}

	router := gin.New()
	router.Use(gin.Recovery(), handlers.MetricsMiddleware(deps.Metrics))

	// 配置CORS中间件
	corsConfig := cors.Config{
		AllowMethods:     []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", "X-Admin-Key"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}
	if containsWildcard(deps.Config.Server.AllowOrigins) {
		// 通配时回显请求来源
		corsConfig.AllowOriginFunc = func(string) bool { return true }
	} else {
		corsConfig.AllowOrigins = deps.Config.Server.AllowOrigins
	}
	router.Use(cors.New(corsConfig))

	limiter := handlers.NewRateLimiter(deps.Config.RateLimit, deps.Redis)

	apiGroup := router.Group("/api")
	{
		// 全局API限流中间件
		apiGroup.Use(limiter.Middleware())

		handlers.NewHealthHandler(deps.Checks, deps.ReadOnly).RegisterRoutes(apiGroup)
		api.NewSessionController(deps.Sessions).RegisterRoutes(apiGroup)
		api.NewVoteController(deps.Votes, deps.Sessions).RegisterRoutes(apiGroup)
	}

	handlers.NewAdminHandler(deps.Config.Server.AdminKey, deps.Redis, deps.Queue, limiter).RegisterRoutes(router)

	if deps.Hub != nil {
		websocket.NewHandler(deps.Hub, deps.Sessions, deps.Config.Server.AllowOrigins).RegisterRoutes(router)
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))

	return router
}

func containsWildcard(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return len(origins) == 0
}

// NewServer 创建HTTP服务器
func NewServer(cfg config.ServerConfig, router http.Handler) *Server {
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	return &Server{
		Server: &http.Server{
			Addr:              ":" + cfg.Port,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		shutdownTimeout: cfg.ShutdownTimeout,
	}
}

// Run 启动服务器，ctx 取消后等待现有请求完成再返回
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Printf("服务器启动在 %s", s.Addr)
		if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Print("关闭服务器...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()
	if err := s.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Print("服务器优雅关闭")
	return nil
}
