package api

import (
	"net/http"
	"time"

	"chain-voting-backend/session"

	"github.com/gin-gonic/gin"
)

// ChallengeRequest 申请登录挑战
type ChallengeRequest struct {
	Account string `json:"account" binding:"required"`
}

// ConnectRequest 提交挑战签名
type ConnectRequest struct {
	Account   string `json:"account" binding:"required"`
	Signature string `json:"signature" binding:"required"`
}

// SessionResponse 会话信息
type SessionResponse struct {
	Token     string         `json:"token,omitempty"`
	Status    session.Status `json:"status"`
	Account   string         `json:"account,omitempty"`
	Role      session.Role   `json:"role,omitempty"`
	Contract  string         `json:"contract,omitempty"`
	Groups    []int64        `json:"groups,omitempty"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

func newSessionResponse(sess *session.Session, status session.Status) SessionResponse {
	expires := sess.ExpiresAt
	return SessionResponse{
		Token:     sess.Token,
		Status:    status,
		Account:   sess.Account.Key(),
		Role:      sess.Account.Role(),
		Contract:  sess.Account.Contract(),
		Groups:    sess.Account.Groups(),
		ExpiresAt: &expires,
	}
}

// SessionController 处理钱包登录相关请求
type SessionController struct {
	sessions SessionManager
}

// NewSessionController 创建会话控制器
func NewSessionController(sessions SessionManager) *SessionController {
	return &SessionController{sessions: sessions}
}

// RegisterRoutes 注册会话路由
func (c *SessionController) RegisterRoutes(router gin.IRouter) {
	group := router.Group("/session")
	{
		group.POST("/challenge", c.Challenge)
		group.POST("", c.Connect)
		group.GET("", c.Status)
		group.DELETE("", RequireSession(c.sessions), c.Disconnect)
	}
}

// Challenge 申请登录挑战
// @Summary 申请登录挑战
// @Tags session
// @Accept json
// @Produce json
// @Param body body ChallengeRequest true "钱包地址"
// @Success 200 {object} session.Challenge
// @Failure 400 {object} ErrorResponse
// @Failure 429 {object} ErrorResponse
// @Router /api/session/challenge [post]
func (c *SessionController) Challenge(ctx *gin.Context) {
	var req ChallengeRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	ch, err := c.sessions.Challenge(ctx.Request.Context(), req.Account)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, ch)
}

// Connect 校验签名并创建会话
// @Summary 钱包登录
// @Tags session
// @Accept json
// @Produce json
// @Param body body ConnectRequest true "地址和签名"
// @Success 201 {object} SessionResponse
// @Failure 401 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Router /api/session [post]
func (c *SessionController) Connect(ctx *gin.Context) {
	var req ConnectRequest
	if err := ctx.ShouldBindJSON(&req); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	sess, err := c.sessions.Connect(ctx.Request.Context(), req.Account, req.Signature)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, newSessionResponse(sess, session.StatusConnected))
}

// Status 返回当前令牌的连接状态，未登录时同样返回200
// @Summary 连接状态
// @Tags session
// @Produce json
// @Success 200 {object} SessionResponse
// @Router /api/session [get]
func (c *SessionController) Status(ctx *gin.Context) {
	token := bearerToken(ctx)
	status := c.sessions.Status(ctx.Request.Context(), token)
	if status != session.StatusConnected {
		ctx.JSON(http.StatusOK, SessionResponse{Status: status})
		return
	}

	sess, err := c.sessions.Lookup(ctx.Request.Context(), token)
	if err != nil {
		ctx.JSON(http.StatusOK, SessionResponse{Status: session.StatusNotConnected})
		return
	}
	resp := newSessionResponse(sess, status)
	resp.Token = ""
	ctx.JSON(http.StatusOK, resp)
}

// Disconnect 退出登录
// @Summary 退出登录
// @Tags session
// @Produce json
// @Success 200 {object} SuccessResponse
// @Failure 401 {object} ErrorResponse
// @Router /api/session [delete]
func (c *SessionController) Disconnect(ctx *gin.Context) {
	sess := currentSession(ctx)
	if err := c.sessions.Disconnect(ctx.Request.Context(), sess.Token); err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, SuccessResponse{Success: true, Message: "Disconnected"})
}
