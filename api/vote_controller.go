package api

import (
	"net/http"
	"strconv"

	"chain-voting-backend/service"

	"github.com/gin-gonic/gin"
)

// VoteController 处理投票相关API请求
type VoteController struct {
	votes    service.VoteService
	sessions SessionManager
}

// NewVoteController 创建投票控制器
func NewVoteController(votes service.VoteService, sessions SessionManager) *VoteController {
	return &VoteController{votes: votes, sessions: sessions}
}

// RegisterRoutes 注册投票路由，全部需要登录
func (c *VoteController) RegisterRoutes(router gin.IRouter) {
	votes := router.Group("/votes", RequireSession(c.sessions))
	{
		votes.GET("/participated", c.ParticipatedVotes)
		votes.POST("", c.CreateVote)
		votes.GET("/form", c.ElectionForm)
		votes.GET("/history", c.History)
		votes.GET("/records", c.Records)
	}
}

// ParticipatedVotes 列出账户所在各组的投票
// @Summary 参与的投票
// @Tags votes
// @Produce json
// @Success 200 {array} models.Vote
// @Failure 401 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/votes/participated [get]
func (c *VoteController) ParticipatedVotes(ctx *gin.Context) {
	votes, err := c.votes.ParticipatedVotes(ctx.Request.Context(), currentSession(ctx).Account)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, votes)
}

// CreateVote 创建投票活动
// @Summary 创建新投票
// @Description 分配投票ID，在合约上创建投票并添加投票人
// @Tags votes
// @Accept json
// @Produce json
// @Param form body service.ElectionForm true "投票表单"
// @Success 201 {object} service.CreateVoteResult
// @Failure 400 {object} ErrorResponse
// @Failure 403 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Failure 502 {object} ErrorResponse
// @Router /api/votes [post]
func (c *VoteController) CreateVote(ctx *gin.Context) {
	var form service.ElectionForm
	if err := ctx.ShouldBindJSON(&form); err != nil {
		ctx.JSON(http.StatusBadRequest, ErrorResponse{Error: "Invalid request: " + err.Error()})
		return
	}

	result, err := c.votes.CreateVote(ctx.Request.Context(), currentSession(ctx).Account, form)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusCreated, result)
}

// ElectionForm 返回建投票表单所需的组和下一个投票ID
// @Summary 投票表单
// @Tags votes
// @Produce json
// @Success 200 {object} service.ElectionFormView
// @Failure 403 {object} ErrorResponse
// @Router /api/votes/form [get]
func (c *VoteController) ElectionForm(ctx *gin.Context) {
	view, err := c.votes.ElectionForm(ctx.Request.Context(), currentSession(ctx).Account)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, view)
}

// History 返回账户创建过的投票
// @Summary 投票历史
// @Tags votes
// @Produce json
// @Success 200 {object} models.UsersVotes
// @Router /api/votes/history [get]
func (c *VoteController) History(ctx *gin.Context) {
	history, err := c.votes.History(ctx.Request.Context(), currentSession(ctx).Account)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, history)
}

// Records 分页返回管理员的投票镜像记录
// @Summary 投票记录
// @Tags votes
// @Produce json
// @Param limit query int false "数量，默认20，最大100"
// @Success 200 {array} models.VoteRecord
// @Failure 403 {object} ErrorResponse
// @Router /api/votes/records [get]
func (c *VoteController) Records(ctx *gin.Context) {
	limit, err := strconv.Atoi(ctx.DefaultQuery("limit", "20"))
	switch {
	case err != nil || limit < 1:
		limit = 20
	case limit > 100:
		limit = 100
	}

	records, err := c.votes.Records(ctx.Request.Context(), currentSession(ctx).Account, limit)
	if err != nil {
		abortWithError(ctx, err)
		return
	}
	ctx.JSON(http.StatusOK, records)
}
