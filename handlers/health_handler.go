package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
)

// SystemInfo contains basic system metrics and dependency status
type SystemInfo struct {
	Status       string            `json:"status"`
	Version      string            `json:"version"`
	Uptime       string            `json:"uptime"`
	StartTime    time.Time         `json:"start_time"`
	CurrentTime  time.Time         `json:"current_time"`
	GoVersion    string            `json:"go_version"`
	NumGoroutine int               `json:"num_goroutine"`
	NumCPU       int               `json:"num_cpu"`
	Checks       map[string]string `json:"checks"`
	ReadOnly     bool              `json:"read_only"`
}

var (
	startTime = time.Now()
	version   = "0.1.0" // 应用版本，可通过构建参数注入
)

// Check 检查一个依赖是否可用
type Check func(ctx context.Context) error

// HealthHandler 健康检查和系统状态
type HealthHandler struct {
	checks   map[string]Check
	readOnly bool
}

// NewHealthHandler 创建健康检查处理器，checks 的键为依赖名称
func NewHealthHandler(checks map[string]Check, readOnly bool) *HealthHandler {
	return &HealthHandler{checks: checks, readOnly: readOnly}
}

// RegisterRoutes 注册健康检查路由
func (h *HealthHandler) RegisterRoutes(router gin.IRouter) {
	router.GET("/health", h.HealthCheck)
	router.GET("/status", h.SystemStatus)
}

// HealthCheck 提供基本健康检查端点
func (h *HealthHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().Format(time.RFC3339),
	})
}

// SystemStatus 提供详细的系统状态信息，任一依赖失败时返回503
func (h *HealthHandler) SystemStatus(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	status := "ok"
	results := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			results[name] = "error: " + err.Error()
			status = "degraded"
			continue
		}
		results[name] = "ok"
	}

	info := SystemInfo{
		Status:       status,
		Version:      version,
		Uptime:       time.Since(startTime).String(),
		StartTime:    startTime,
		CurrentTime:  time.Now(),
		GoVersion:    runtime.Version(),
		NumGoroutine: runtime.NumGoroutine(),
		NumCPU:       runtime.NumCPU(),
		Checks:       results,
		ReadOnly:     h.readOnly,
	}

	code := http.StatusOK
	if status != "ok" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, info)
}
