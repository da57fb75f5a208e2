package controller

import (
	"assignment_backend/internal/service"
	"assignment_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type ReviewController struct {
	ReviewService *service.ReviewService
}

func NewReviewController(reviewService *service.ReviewService) *ReviewController {
	return &ReviewController{ReviewService: reviewService}
}

// @Summary 待评阅列表
// @Tags 评阅
// @Produce json
// @Security BearerAuth
// @Param reviewStatus query string false "pending/in_review/published"
// @Param search query string false "作业标题/学生姓名/邮箱"
// @Param page query int false "页码" default(1)
// @Param limit query int false "每页数量" default(20)
// @Success 200 {object} util.Response
// @Router /api/reviewer/submissions [get]
func (c *ReviewController) ListSubmissions(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	page, limit := util.PageParams(ctx.Query("page"), ctx.Query("limit"))
	rows, total, err := c.ReviewService.ListSubmissions(ctx.Request.Context(), user.UserID, service.SubmissionQuery{
		ReviewStatus: ctx.Query("reviewStatus"),
		Search:       ctx.Query("search"),
		Page:         page,
		Limit:        limit,
	})
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, util.PageResponse{List: rows, Total: total, Page: page, Limit: limit})
}

// @Summary 打开提交进行评阅
// @Tags 评阅
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Success 200 {object} util.Response
// @Router /api/reviewer/submissions/{id} [get]
func (c *ReviewController) OpenSubmission(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	draft, err := c.ReviewService.OpenSubmission(ctx.Request.Context(), user.UserID, ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, gin.H{
		"submission": draft,
		"rubric":     draft.Rubric(),
	})
}

// @Summary 发布评阅
// @Tags 评阅
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "作答ID"
// @Param review body service.PublishInput true "评分与评语"
// @Success 200 {object} util.Response
// @Router /api/reviewer/submissions/{id}/publish [post]
func (c *ReviewController) PublishReview(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	var req service.PublishInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	review, err := c.ReviewService.PublishReview(ctx.Request.Context(), user.UserID, ctx.Param("id"), req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, review)
}
