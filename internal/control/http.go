package control

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"vision-sensor/internal/stream"
	"vision-sensor/internal/telemetry"
)

// maxBodySize bounds HTTP request bodies
const maxBodySize = MaxLineSize

// SessionLister reports live stream sessions
type SessionLister interface {
	Sessions() []stream.SessionInfo
}

// HTTPHandler exposes the command channel over HTTP and websocket
type HTTPHandler struct {
	channel  *Channel
	sessions SessionLister
	stats    *telemetry.Aggregator
	ws       *wsHandler
	logger   *zap.Logger
}

// NewHTTPHandler creates the HTTP control handlers. allowedOrigins limits
// websocket upgrades; an empty list accepts any origin.
func NewHTTPHandler(
	channel *Channel,
	sessions SessionLister,
	stats *telemetry.Aggregator,
	allowedOrigins []string,
	logger *zap.Logger,
) *HTTPHandler {
	logger = logger.Named("http")
	return &HTTPHandler{
		channel:  channel,
		sessions: sessions,
		stats:    stats,
		ws:       newWSHandler(channel, allowedOrigins, logger),
		logger:   logger,
	}
}

// RegisterRoutes mounts the control endpoints on r
func (h *HTTPHandler) RegisterRoutes(r gin.IRouter) {
	r.GET("/status", h.Status)

	sensor := r.Group("/sensor")
	{
		sensor.POST("/region", h.command(CommandRegionUpdate))
		sensor.POST("/telemetry", h.command(CommandUpdateTelemetry))
		sensor.POST("/duration", h.command(CommandSetDuration))
	}

	apiV1 := r.Group("/api/v1")
	{
		apiV1.POST("/command", h.RawCommand)
		apiV1.GET("/sessions", h.ListSessions)
		apiV1.GET("/stats", h.Stats)
	}

	r.GET("/ws/control", h.ws.serve)
}

// Status returns the capture region and telemetry
func (h *HTTPHandler) Status(c *gin.Context) {
	c.JSON(http.StatusOK, h.channel.Status())
}

// command serves the typed /sensor endpoints. The body carries the request
// fields without the discriminator.
func (h *HTTPHandler) command(name string) gin.HandlerFunc {
	return func(c *gin.Context) {
		body, err := readBody(c)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse(MessageMalformedRequest).Ack())
			return
		}

		var req Request
		if err := Decode(body, &req); err != nil {
			h.logger.Debug("Invalid request body",
				zap.String("path", c.FullPath()),
				zap.Error(err))
			c.JSON(http.StatusBadRequest, errorResponse(MessageMalformedRequest).Ack())
			return
		}
		req.Command = name

		reply(c, h.channel.Do(req))
	}
}

// RawCommand applies a full command envelope
func (h *HTTPHandler) RawCommand(c *gin.Context) {
	body, err := readBody(c)
	if err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(MessageMalformedRequest).Ack())
		return
	}
	reply(c, h.channel.Handle(body))
}

// ListSessions returns live stream sessions
func (h *HTTPHandler) ListSessions(c *gin.Context) {
	var sessions []stream.SessionInfo
	if h.sessions != nil {
		sessions = h.sessions.Sessions()
	}
	if sessions == nil {
		sessions = []stream.SessionInfo{}
	}
	c.JSON(http.StatusOK, gin.H{
		"sessions": sessions,
		"count":    len(sessions),
	})
}

// Stats returns process-wide stream counters
func (h *HTTPHandler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.stats.Stats())
}

// Close disconnects websocket control clients and rejects new upgrades
func (h *HTTPHandler) Close() {
	if n := h.ws.closeAll(); n > 0 {
		h.logger.Info("Closed websocket control clients", zap.Int("count", n))
	}
}

func readBody(c *gin.Context) ([]byte, error) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBodySize)
	return io.ReadAll(c.Request.Body)
}

func reply(c *gin.Context, resp Response) {
	code := http.StatusOK
	if !resp.OK() {
		code = http.StatusBadRequest
	}
	c.JSON(code, envelope(resp))
}
