package api

import (
	"context"
	"strings"

	"chain-voting-backend/session"

	"github.com/gin-gonic/gin"
)

const sessionKey = "session"

// SessionManager 登录挑战和会话操作，*session.Manager 满足
type SessionManager interface {
	Challenge(ctx context.Context, account string) (*session.Challenge, error)
	Connect(ctx context.Context, account, signature string) (*session.Session, error)
	Lookup(ctx context.Context, token string) (*session.Session, error)
	Disconnect(ctx context.Context, token string) error
	Status(ctx context.Context, token string) session.Status
}

// bearerToken 从 Authorization 头或 token 查询参数读取会话令牌
func bearerToken(ctx *gin.Context) string {
	if auth := ctx.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ctx.Query("token")
}

// RequireSession 鉴权中间件，会话存入上下文
func RequireSession(sessions SessionManager) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		sess, err := sessions.Lookup(ctx.Request.Context(), bearerToken(ctx))
		if err != nil {
			abortWithError(ctx, err)
			return
		}
		ctx.Set(sessionKey, sess)
		ctx.Next()
	}
}

// currentSession 返回 RequireSession 写入的会话
func currentSession(ctx *gin.Context) *session.Session {
	if v, ok := ctx.Get(sessionKey); ok {
		if sess, ok := v.(*session.Session); ok {
			return sess
		}
	}
	return nil
}
