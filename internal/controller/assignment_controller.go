package controller

import (
	"assignment_backend/internal/service"
	"assignment_backend/internal/util"

	"github.com/gin-gonic/gin"
)

type AssignmentController struct {
	AssignmentService *service.AssignmentService
}

func NewAssignmentController(assignmentService *service.AssignmentService) *AssignmentController {
	return &AssignmentController{AssignmentService: assignmentService}
}

// @Summary 创建作业
// @Tags 作业管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param assignment body service.AssignmentInput true "作业信息"
// @Success 201 {object} util.Response
// @Router /api/admin/assignments [post]
func (c *AssignmentController) CreateAssignment(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	var req service.AssignmentInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	detail, err := c.AssignmentService.CreateAssignment(ctx.Request.Context(), user.UserID, req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Created(ctx, detail)
}

// @Summary 作业列表
// @Tags 作业管理
// @Produce json
// @Security BearerAuth
// @Param instituteId query string false "机构ID"
// @Param page query int false "页码" default(1)
// @Param limit query int false "每页数量" default(20)
// @Success 200 {object} util.Response
// @Router /api/admin/assignments [get]
func (c *AssignmentController) ListAssignments(ctx *gin.Context) {
	page, limit := util.PageParams(ctx.Query("page"), ctx.Query("limit"))
	rows, total, err := c.AssignmentService.ListAssignments(ctx.Request.Context(), ctx.Query("instituteId"), page, limit)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, util.PageResponse{List: rows, Total: total, Page: page, Limit: limit})
}

func (c *AssignmentController) GetAssignment(ctx *gin.Context) {
	detail, err := c.AssignmentService.GetAssignment(ctx.Request.Context(), ctx.Param("id"))
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, detail)
}

// @Summary 更新作业
// @Description 已有学生作答时题目不可修改
// @Tags 作业管理
// @Accept json
// @Produce json
// @Security BearerAuth
// @Param id path string true "作业ID"
// @Param assignment body service.AssignmentInput true "作业信息"
// @Success 200 {object} util.Response
// @Router /api/admin/assignments/{id} [put]
func (c *AssignmentController) UpdateAssignment(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	var req service.AssignmentInput
	if err := ctx.ShouldBindJSON(&req); err != nil {
		util.BadRequest(ctx, err.Error())
		return
	}

	detail, err := c.AssignmentService.UpdateAssignment(ctx.Request.Context(), user.UserID, ctx.Param("id"), req)
	if err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, detail)
}

func (c *AssignmentController) DeleteAssignment(ctx *gin.Context) {
	user := util.GetUserFromContext(ctx)
	if user == nil {
		util.Unauthorized(ctx)
		return
	}

	if err := c.AssignmentService.DeleteAssignment(ctx.Request.Context(), user.UserID, ctx.Param("id")); err != nil {
		util.RespondError(ctx, err)
		return
	}
	util.Success(ctx, nil)
}
