package app

import (
	"assignment_backend/internal/config"
	"assignment_backend/internal/middleware"
	"assignment_backend/internal/model"
	"assignment_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	router.GET("/metrics", monitoring.PrometheusHandler())
	router.GET("/health", c.health.HealthCheck)

	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg.JWT.Secret))
	{
		// 学生作答
		a.registerStudentRoutes(authGroup, c)

		// 评阅
		a.registerReviewerRoutes(authGroup, c)

		// 管理员
		a.registerAdminRoutes(authGroup, c)
	}
}

func (a *App) registerStudentRoutes(group *gin.RouterGroup, c *controllers) {
	group.POST("/assignments/:id/attempts", c.attempt.StartAttempt)

	attempts := group.Group("/attempts")
	{
		attempts.GET("/:id", c.attempt.GetAttempt)
		attempts.PUT("/:id/answers/:questionId", c.attempt.SaveAnswer)
		attempts.POST("/:id/submit", c.attempt.Submit)
		attempts.GET("/:id/results", c.attempt.GetResults)
		attempts.GET("/:id/ws", c.attempt.Connect)
	}
}

func (a *App) registerReviewerRoutes(group *gin.RouterGroup, c *controllers) {
	reviewer := group.Group("/reviewer")
	reviewer.Use(middleware.RoleMiddleware(model.Reviewer))
	{
		reviewer.GET("/submissions", c.review.ListSubmissions)
		reviewer.GET("/submissions/:id", c.review.OpenSubmission)
		reviewer.POST("/submissions/:id/publish", c.review.PublishReview)
	}
}

func (a *App) registerAdminRoutes(group *gin.RouterGroup, c *controllers) {
	admin := group.Group("/admin")
	admin.Use(middleware.RoleMiddleware(model.Admin))
	{
		admin.POST("/attempts/:id/invalidate", c.attempt.Invalidate)

		admin.GET("/assignments", c.assignment.ListAssignments)
		admin.POST("/assignments", c.assignment.CreateAssignment)
		admin.GET("/assignments/:id", c.assignment.GetAssignment)
		admin.PUT("/assignments/:id", c.assignment.UpdateAssignment)
		admin.DELETE("/assignments/:id", c.assignment.DeleteAssignment)
	}
}
