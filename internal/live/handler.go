package live

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-webinar/restream/internal/errs"
	"github.com/aura-webinar/restream/internal/middleware"
	"github.com/aura-webinar/restream/pkg/response"
)

// Handler handles /live endpoints.
type Handler struct {
	manager *Manager
	logger  *zap.Logger
}

// NewHandler creates a live stream handler.
func NewHandler(manager *Manager, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{manager: manager, logger: logger}
}

// Register mounts the routes on an authenticated group.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("", h.List)
	g.POST("", h.Create)
	g.GET("/sessions/active", h.ActiveSessions)
	g.GET("/:id", h.Get)
	g.PUT("/:id", h.Update)
	g.DELETE("/:id", h.Delete)
	g.POST("/:id/start", h.Start)
	g.POST("/:id/stop", h.Stop)
	g.POST("/:id/end", h.End)
	g.GET("/:id/rtmp", h.RTMP)
}

func (h *Handler) fail(c *gin.Context, err error) {
	switch errs.HTTPStatus(err) {
	case http.StatusBadRequest:
		response.Invalid(c, err.Error(), errs.Fields(err))
	case http.StatusNotFound:
		response.NotFound(c, "live stream not found")
	case http.StatusConflict:
		response.Conflict(c, err.Error())
	default:
		if c.Request.Context().Err() != nil {
			response.ServiceUnavailable(c, "request cancelled")
			return
		}
		h.logger.Error("live request failed", zap.String("path", c.FullPath()), zap.Error(err))
		response.Internal(c, "internal error")
	}
}

func streamID(c *gin.Context) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		response.BadRequest(c, "invalid stream id")
		return uuid.Nil, false
	}
	return id, true
}

func owner(c *gin.Context) uuid.UUID {
	return c.MustGet(middleware.ContextUserID).(uuid.UUID)
}

// List handles GET /live.
func (h *Handler) List(c *gin.Context) {
	list, err := h.manager.List(c.Request.Context(), owner(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, list)
}

// Create handles POST /live.
func (h *Handler) Create(c *gin.Context) {
	var body CreateInput
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	s, err := h.manager.Create(c.Request.Context(), owner(c), body)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.Created(c, s)
}

// Get handles GET /live/:id.
func (h *Handler) Get(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	s, err := h.manager.Get(c.Request.Context(), owner(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, s)
}

// Update handles PUT /live/:id.
func (h *Handler) Update(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	var body UpdateInput
	if err := c.ShouldBindJSON(&body); err != nil {
		response.BadRequest(c, "invalid request body")
		return
	}
	res, err := h.manager.Update(c.Request.Context(), owner(c), id, body)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, res)
}

// Delete handles DELETE /live/:id.
func (h *Handler) Delete(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	if err := h.manager.Delete(c.Request.Context(), owner(c), id); err != nil {
		h.fail(c, err)
		return
	}
	response.NoContent(c)
}

// Start handles POST /live/:id/start.
func (h *Handler) Start(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	res, err := h.manager.Start(c.Request.Context(), owner(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, res)
}

// Stop handles POST /live/:id/stop.
func (h *Handler) Stop(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	s, err := h.manager.Stop(c.Request.Context(), owner(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, s)
}

// End handles POST /live/:id/end.
func (h *Handler) End(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	s, err := h.manager.End(c.Request.Context(), owner(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, s)
}

// RTMP handles GET /live/:id/rtmp.
func (h *Handler) RTMP(c *gin.Context) {
	id, ok := streamID(c)
	if !ok {
		return
	}
	info, err := h.manager.RTMPInfo(c.Request.Context(), owner(c), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, info)
}

// ActiveSessions handles GET /live/sessions/active.
func (h *Handler) ActiveSessions(c *gin.Context) {
	sessions, err := h.manager.ActiveSessions(c.Request.Context(), owner(c))
	if err != nil {
		h.fail(c, err)
		return
	}
	response.OK(c, sessions)
}
