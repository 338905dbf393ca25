package mediacontrol

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/aura-webinar/restream/pkg/response"
)

// Status is the body of GET /media-server/status.
type Status struct {
	Configured bool         `json:"configured"`
	Reachable  bool         `json:"reachable"`
	Error      string       `json:"error,omitempty"`
	Stats      *ServerStats `json:"stats,omitempty"`
}

// Handler exposes read-only media server diagnostics to operators.
type Handler struct {
	client *Client
	logger *zap.Logger
}

func NewHandler(client *Client, logger *zap.Logger) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Handler{client: client, logger: logger}
}

// Register mounts the diagnostics routes on g.
func (h *Handler) Register(g *gin.RouterGroup) {
	g.GET("/status", h.Status)
	g.GET("/rules", h.Rules)
}

// Status handles GET /media-server/status. It always answers 200 and reports
// reachability in the body.
func (h *Handler) Status(c *gin.Context) {
	ctx := c.Request.Context()
	st := Status{Configured: h.client.Enabled()}
	if err := h.client.TestConnection(ctx); err != nil {
		st.Error = err.Error()
		response.OK(c, st)
		return
	}
	st.Reachable = true
	stats, err := h.client.GetServerStats(ctx)
	if err != nil {
		h.logger.Warn("server stats unavailable", zap.Error(err))
		st.Error = err.Error()
	}
	st.Stats = stats
	response.OK(c, st)
}

// Rules handles GET /media-server/rules.
func (h *Handler) Rules(c *gin.Context) {
	rules, err := h.client.ListRepublishingRules(c.Request.Context())
	if err != nil {
		if IsConfigurationError(err) {
			response.ServiceUnavailable(c, err.Error())
			return
		}
		response.BadGateway(c, err.Error())
		return
	}
	if rules == nil {
		rules = []Rule{}
	}
	response.OK(c, rules)
}
