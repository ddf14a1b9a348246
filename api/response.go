// Package api exposes the wallet session and vote endpoints over gin.
package api

import (
	"errors"
	"net/http"

	"chain-voting-backend/address"
	"chain-voting-backend/cache"
	"chain-voting-backend/chain"
	"chain-voting-backend/service"
	"chain-voting-backend/session"
	"chain-voting-backend/store"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

// ErrorResponse API错误响应
type ErrorResponse struct {
	Error string `json:"error"`
}

// SuccessResponse API成功响应
type SuccessResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

// statusFor 把已知的错误映射到HTTP状态码
func statusFor(err error) int {
	switch {
	case errors.Is(err, service.ErrInvalidForm), errors.Is(err, address.ErrInvalidAddress):
		return http.StatusBadRequest
	case errors.Is(err, session.ErrBadSignature),
		errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, session.ErrChallengeExpired):
		return http.StatusUnauthorized
	case errors.Is(err, service.ErrNotManager), errors.Is(err, session.ErrUnregistered):
		return http.StatusForbidden
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, cache.ErrLockNotAcquired), errors.Is(err, chain.ErrReadOnly):
		return http.StatusConflict
	case errors.Is(err, cache.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, chain.ErrReverted),
		errors.Is(err, chain.ErrUnavailable),
		errors.Is(err, chain.ErrInvalidContract):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// abortWithError 把错误压缩成单个 error 字段返回
func abortWithError(ctx *gin.Context, err error) {
	code := statusFor(err)
	if code == http.StatusInternalServerError {
		log.Printf("%s %s 处理失败: %v", ctx.Request.Method, ctx.FullPath(), err)
	}
	ctx.AbortWithStatusJSON(code, ErrorResponse{Error: err.Error()})
}
