package handlers

import (
	"strconv"

	"chain-voting-backend/metrics"

	"github.com/gin-gonic/gin"
)

// MetricsMiddleware 按路由模板、方法和状态码统计请求数
func MetricsMiddleware(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.HTTPRequests.WithLabelValues(route, c.Request.Method, strconv.Itoa(c.Writer.Status())).Inc()
	}
}
