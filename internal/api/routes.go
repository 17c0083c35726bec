package api

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"stmtFlow/internal/api/middleware"
	"stmtFlow/internal/auth"
)

// RegisterRoutes 注册 API 路由。
func RegisterRoutes(
	router *gin.Engine,
	db *gorm.DB,
	publisher EventPublisher,
	storage PresignedURLStorage,
	authService *auth.AuthService,
	logger *slog.Logger,
) {
	router.Use(middleware.CorrelationIDMiddleware(), middleware.SlogLoggerMiddleware(logger))

	authHandler := NewAuthHandler(db, authService, logger)
	taskHandler := NewTaskHandler(db, publisher, storage, logger)
	authMiddleware := middleware.AuthMiddleware(authService)

	v1 := router.Group("/v1")
	{
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/register", authHandler.Register)
			authGroup.POST("/login", authHandler.Login)
		}

		taskGroup := v1.Group("/tasks")
		taskGroup.Use(authMiddleware)
		{
			taskGroup.POST("", taskHandler.CreateTask)
			taskGroup.GET("", taskHandler.ListTasks)
			taskGroup.GET("/:id/download-link", taskHandler.GetDownloadLink)
		}
	}
}
