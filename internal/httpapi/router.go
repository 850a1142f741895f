package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/arkchat/arkchat/internal/ai"
	"github.com/arkchat/arkchat/internal/common"
	"github.com/arkchat/arkchat/internal/config"
	"github.com/arkchat/arkchat/internal/httpapi/handlers"
	"github.com/arkchat/arkchat/internal/httpapi/middleware"
	"github.com/arkchat/arkchat/internal/store/rabbitmq"
	"github.com/arkchat/arkchat/internal/store/redisstore"
)

func NewRouter(db *gorm.DB, cfg config.Config, rds *redisstore.Store, rabbit *rabbitmq.Publisher, models *ai.Registry) *gin.Engine {
	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(gin.Logger())
	r.Use(middleware.Recovery())

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, 40400, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, 40500, "method not allowed")
	})

	r.Use(middleware.RequestID())

	h := handlers.NewHandler(db, cfg, rds, rabbit, models)

	r.GET("/ping", h.Ping)

	// Chat (JWT required)
	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(cfg.JWTSecret))
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.POST("/chat/sessions/:session_id/select", h.SelectChatSession)
	authGroup.DELETE("/chat/sessions/:session_id", h.DeleteChatSession)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/messages/stream", h.SendChatMessageStream)
	authGroup.POST("/chat/generation/stop", h.StopChatGeneration)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	return r
}
