package controller

import (
	"assignment_backend/internal/model"
	"assignment_backend/internal/service"
	"assignment_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type AttemptController struct {
	AttemptService *service.AttemptService
	ReviewService  *service.ReviewService
	Hub            *service.AttemptHub
}

func NewAttemptController(attemptService *service.AttemptService, reviewService *service.ReviewService, hub *service.AttemptHub) *AttemptController {
	return &AttemptController{AttemptService: attemptService, ReviewService: reviewService, Hub: hub}
}

// @Summary 开始作答
// @Tags 作答
// @Produce json
// @Security BearerAuth
// @Param id path string true "作业ID"
// @Success 201 {object} util.Response
// @Router /api/assignments/{id}/attempts [post]
func (c *AttemptController) StartAttempt(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	attempt, err := c.AttemptService.StartAttempt(ctx.Request.Context(), user.UserID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Created(ctx, attempt)
}

// @Summary 获取作答详情
// @Tags 作答
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response
// @Router /api/attempts/{id} [get]
func (c *AttemptController) GetAttempt(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	session, err := c.AttemptService.LoadAttempt(ctx.Request.Context(), user.UserID, ctx.Param("id"), service.SessionOptions{})
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	view, err := session.StudentView()
	if err != nil {
		util.LogInternalError(ctx, err)
		return
	}
	util.Success(ctx, view)
}

// @Summary 保存单题答案
// @Description 直接写入，不经过防抖缓冲
// @Tags 作答
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Param questionId path string true "题目ID"
// @Success 200 {object} util.Response
// @Router /api/attempts/{id}/answers/{questionId} [put]
func (c *AttemptController) SaveAnswer(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	raw, err := ctx.GetRawData()
	if err != nil {
		util.BadRequest(ctx, "invalid body")
		return
	}
	resp, err := model.DecodeResponse(raw)
	if err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	questionID := ctx.Param("questionId")
	if err := c.AttemptService.SaveAnswer(ctx.Request.Context(), user.UserID, ctx.Param("id"), questionID, resp); err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{"questionId": questionID})
}

// @Summary 提交作答
// @Description 允许部分作答或空白提交，返回已答/总题数供前端提示
// @Tags 作答
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response
// @Router /api/attempts/{id}/submit [post]
func (c *AttemptController) Submit(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	result, err := c.AttemptService.Submit(ctx.Request.Context(), user.UserID, ctx.Param("id"), service.SubmitOptions{})
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{
		"attempt":  result.Attempt,
		"answered": result.Answered,
		"total":    result.Total,
		"partial":  result.Partial(),
	})
}

// @Summary 查看评阅结果
// @Tags 作答
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response
// @Router /api/attempts/{id}/results [get]
func (c *AttemptController) GetResults(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	results, err := c.ReviewService.GetResults(ctx.Request.Context(), user.UserID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, results)
}

// Connect upgrades to the websocket attempt session.
func (c *AttemptController) Connect(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	if err := c.Hub.Serve(ctx.Writer, ctx.Request, user.UserID, ctx.Param("id")); err != nil {
		util.RespondError(ctx, err)
	}
}

// @Summary 作废作答
// @Tags 管理
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response
// @Router /api/admin/attempts/{id}/invalidate [post]
func (c *AttemptController) Invalidate(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	attempt, err := c.AttemptService.Invalidate(ctx.Request.Context(), user.UserID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, attempt)
}
