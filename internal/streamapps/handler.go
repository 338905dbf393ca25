package streamapps

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/middleware"
	"github.com/aura-webinar/restream/pkg/response"
)

// Handler handles /stream-apps endpoints.
type Handler struct {
	registry *Registry
	logger   *zap.Logger
}

// NewHandler creates a stream apps handler.
func NewHandler(registry *Registry, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{registry: registry, logger: logger}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("", h.ListApps)
	g.POST("", h.CreateApp)
	g.GET("/:id", h.GetApp)
	g.PUT("/:id", h.UpdateApp)
	g.DELETE("/:id", h.DeleteApp)
	g.GET("/:id/keys", h.ListKeys)
	g.POST("/:id/keys", h.CreateKey)
	g.PUT("/:id/keys/:keyId", h.UpdateKey)
	g.DELETE("/:id/keys/:keyId", h.DeleteKey)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch errs.HTTPStatus(err) {
	case http.StatusBadRequest:
		response.Invalid(c, err.Error(), errs.Fields(err))
	case http.StatusNotFound:
		response.NotFound(c, "stream app not found")
	case http.StatusConflict:
		response.Conflict(c, err.Error())
	default:
		h.logger.Error("stream apps request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "internal error")
	}
}

func pathID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		response.BadRequest(c, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

// ListApps handles GET /stream-apps.
func (h *Handler) ListApps(c *gin.Context) {
	owner := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	apps, err := h.registry.ListApps(c.Request.Context(), owner)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, apps)
}

// CreateApp handles POST /stream-apps.
func (h *Handler) CreateApp(c *gin.Context) {
	owner := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	var body CreateAppInput
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	app, err := h.registry.CreateApp(c.Request.Context(), owner, body)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, app)
}

// GetApp handles GET /stream-apps/:id.
func (h *Handler) GetApp(c *gin.Context) {
	owner := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	app, err := h.registry.GetApp(c.Request.Context(), owner, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, app)
}

// UpdateApp handles PUT /stream-apps/:id.
func (h *Handler) UpdateApp(c *gin.Context) {
	owner := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body UpdateAppInput
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	app, err := h.registry.UpdateApp(c.Request.Context(), owner, id, body)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, app)
}

// DeleteApp handles DELETE /stream-apps/:id.
func (h *Handler) DeleteApp(c *gin.Context) {
	owner := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	if err := h.registry.DeleteApp(c.Request.Context(), owner, id); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

// ListKeys handles GET /stream-apps/:id/keys.
func (h *Handler) ListKeys(c *gin.Context) {
	owner := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	keys, err := h.registry.ListKeys(c.Request.Context(), owner, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, keys)
}

// CreateKey handles POST /stream-apps/:id/keys.
func (h *Handler) CreateKey(c *gin.Context) {
	owner := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	var body CreateKeyInput
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	key, err := h.registry.CreateKey(c.Request.Context(), owner, id, body)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, key)
}

// UpdateKey handles PUT /stream-apps/:id/keys/:keyId.
func (h *Handler) UpdateKey(c *gin.Context) {
	owner := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	keyID, ok := pathID(c, "keyId")
	if !ok {
		return
	}
	var body UpdateKeyInput
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	key, err := h.registry.UpdateKey(c.Request.Context(), owner, id, keyID, body)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, key)
}

// DeleteKey handles DELETE /stream-apps/:id/keys/:keyId.
func (h *Handler) DeleteKey(c *gin.Context) {
	owner := c.MustGet(middleware.ContextUserID).(uuid.UUID)
	id, ok := pathID(c, "id")
	if !ok {
		return
	}
	keyID, ok := pathID(c, "keyId")
	if !ok {
		return
	}
	if err := h.registry.DeleteKey(c.Request.Context(), owner, id, keyID); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}
