package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/suPer8Hu/convcache/internal/common"
	"github.com/suPer8Hu/convcache/internal/gateway"
	"github.com/suPer8Hu/convcache/internal/httpapi/handlers"
	"github.com/suPer8Hu/convcache/internal/httpapi/middleware"
)

func NewRouter(gw *gateway.Gateway, jwtSecret string, log logrus.FieldLogger) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.Logger(log))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	h := handlers.NewHandler(gw, log)

	r.GET("/ping", h.Ping)

	// sessions: anonymous by session id, or the token's user scoped by session id
	sessions := r.Group("/")
	sessions.Use(middleware.OptionalAuth(jwtSecret))
	sessions.POST("/sessions", h.CreateSession)
	sessions.POST("/sessions/:id/messages", h.AppendMessage)
	sessions.GET("/sessions/:id/history", h.History)
	sessions.POST("/sessions/:id/generate", h.Generate)
	sessions.DELETE("/sessions/:id", h.DeleteSession)
	sessions.GET("/usage", h.Usage)

	// migration (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))
	authGroup.POST("/migrate", h.Migrate)
	authGroup.GET("/migrations/:anonymous_id", h.MigrationStatus)
	return r
}
