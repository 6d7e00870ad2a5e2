package httptransport

import (
	"log/slog"

	"github.com/gin-gonic/gin"
	sloggin "github.com/samber/slog-gin"

	"github.com/teamz88/farmon-be/internal/transport/http/handler"
	"github.com/teamz88/farmon-be/internal/transport/http/middleware"
)

func NewRouter(logger *slog.Logger, mlHandler *handler.MagicLinkHandler, jwtKey []byte) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(middleware.RequestID())
	r.Use(middleware.Security())
	r.Use(sloggin.New(logger))
	r.Use(middleware.Metrics())

	// Public magic-link routes
	auth := r.Group("/auth")
	auth.POST("/magic-link", mlHandler.Create)
	auth.GET("/magic-link/validate", mlHandler.Validate)
	auth.POST("/magic-link/consume", mlHandler.Consume)

	// Operator routes, behind the session JWT
	authMW := middleware.Auth(jwtKey)
	r.GET("/stats", authMW, mlHandler.Stats)
	r.POST("/webhook/test", authMW, mlHandler.TestWebhook)

	return r
}
