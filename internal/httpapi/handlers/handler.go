package handlers

import (
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/arkchat/arkchat/internal/ai"
	"github.com/arkchat/arkchat/internal/chat"
	"github.com/arkchat/arkchat/internal/common"
	"github.com/arkchat/arkchat/internal/config"
	"github.com/arkchat/arkchat/internal/controller"
	"github.com/arkchat/arkchat/internal/httpapi/middleware"
	"github.com/arkchat/arkchat/internal/store/rabbitmq"
	"github.com/arkchat/arkchat/internal/store/redisstore"
)

type Handler struct {
	DB     *gorm.DB
	Cfg    config.Config
	Redis  *redisstore.Store
	Rabbit *rabbitmq.Publisher
	Repo   *chat.Repo
	Models *ai.Registry

	mu          sync.Mutex
	controllers map[uint64]*controller.Controller
}

func NewHandler(db *gorm.DB, cfg config.Config, rds *redisstore.Store, rabbit *rabbitmq.Publisher, models *ai.Registry) *Handler {
	return &Handler{
		DB:          db,
		Cfg:         cfg,
		Redis:       rds,
		Rabbit:      rabbit,
		Repo:        chat.NewRepo(db),
		Models:      models,
		controllers: make(map[uint64]*controller.Controller),
	}
}

// controllerFor returns the user's session controller, creating it on first
// use. Controllers live for the process lifetime, one per user.
func (h *Handler) controllerFor(uid uint64) *controller.Controller {
	h.mu.Lock()
	defer h.mu.Unlock()
	if ctrl, ok := h.controllers[uid]; ok {
		return ctrl
	}
	scope := chat.NewUserScope(h.Repo, uid)
	sel, err := ai.ParseModelSelection(h.Cfg.DefaultModel)
	if err != nil {
		sel = ai.ModelDoubao
	}
	ctrl := controller.New(scope, scope, h.Models, controller.Options{
		Model:         sel,
		Timeout:       h.Cfg.GenerationTimeout,
		ContextWindow: h.Cfg.ChatContextWindowSize,
	})
	h.controllers[uid] = ctrl
	return ctrl
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

// failFrom maps the controller error taxonomy onto the response envelope.
func failFrom(c *gin.Context, err error) {
	switch {
	case errors.Is(err, controller.ErrValidation):
		common.Fail(c, http.StatusBadRequest, 10001, err.Error())
	case errors.Is(err, controller.ErrNotFound) || errors.Is(err, gorm.ErrRecordNotFound):
		common.Fail(c, http.StatusNotFound, 40004, "session not found")
	case errors.Is(err, controller.ErrPermission) || errors.Is(err, chat.ErrForbidden):
		common.Fail(c, http.StatusForbidden, 40301, "forbidden")
	case errors.Is(err, chat.ErrInvalidMessage):
		common.Fail(c, http.StatusBadRequest, 10002, "invalid message")
	case errors.Is(err, controller.ErrTransport):
		common.Fail(c, http.StatusBadGateway, 50201, "model backend failed")
	default:
		common.Fail(c, http.StatusInternalServerError, 50001, "internal error")
	}
}

func (h *Handler) Ping(c *gin.Context) {
	common.Ok(c, gin.H{"pong": true})
}
