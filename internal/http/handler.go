package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"parkgate/internal/config"
	"parkgate/internal/domain/parking"
	"parkgate/internal/notify"
	"parkgate/internal/repository"
	"parkgate/internal/service"
	"parkgate/internal/utils"
	"parkgate/internal/vision"
)

type Handler struct {
	manager  *service.SessionManager
	sessions repository.SessionStore
	receipts repository.ReceiptStore
	pipelines map[string]*vision.Handler
	hub      *notify.WebSocketHub
	config   *config.Config
	log      zerolog.Logger
}

func NewHandler(
	manager *service.SessionManager,
	sessions repository.SessionStore,
	receipts repository.ReceiptStore,
	pipelines map[string]*vision.Handler,
	hub *notify.WebSocketHub,
	cfg *config.Config,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		manager:   manager,
		sessions:  sessions,
		receipts:  receipts,
		pipelines: pipelines,
		hub:       hub,
		config:    cfg,
		log:       log,
	}
}

func (h *Handler) Register(r *gin.Engine, authMiddleware gin.HandlerFunc) {
	// Public endpoints
	public := r.Group("/api/v1")
	{
		public.POST("/recognitions", h.createRecognition)
		public.GET("/sessions", h.listSessions)
		public.GET("/receipts", h.listReceipts)
		public.GET("/vision/status", h.visionStatus)
	}

	// Operator endpoints
	protected := r.Group("/api/v1")
	protected.Use(authMiddleware)
	{
		protected.POST("/sessions/entry", h.manualEntry)
		protected.POST("/sessions/exit", h.manualExit)
	}

	if h.hub != nil {
		r.GET("/ws", func(c *gin.Context) {
			h.hub.Handle(c.Writer, c.Request)
		})
	}
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
}

// recognitionPayload is the webhook body posted by smart ANPR cameras that
// run recognition on-device.
type recognitionPayload struct {
	CameraID   string                 `json:"camera_id"`
	Channel    string                 `json:"channel"`
	Plate      string                 `json:"plate"`
	Confidence float64                `json:"confidence"`
	EventTime  time.Time              `json:"event_time"`
	RawPayload map[string]interface{} `json:"raw_payload,omitempty"`
}

func (h *Handler) createRecognition(c *gin.Context) {
	var payload recognitionPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	plate := utils.NormalizePlate(payload.Plate)
	if plate == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate cannot be empty after normalization"))
		return
	}
	// Same format gate the vision pipeline applies; on-device misreads must
	// not open sessions.
	if !utils.ValidPlate(plate) {
		c.JSON(http.StatusBadRequest, errorResponse("plate does not match registration format"))
		return
	}
	if payload.EventTime.IsZero() {
		payload.EventTime = time.Now().UTC()
	}

	event := parking.RecognitionEvent{
		Plate:      plate,
		RawPlate:   payload.Plate,
		Channel:    parking.Channel(payload.Channel),
		Confidence: payload.Confidence,
		CameraID:   payload.CameraID,
		ObservedAt: payload.EventTime,
		RawPayload: payload.RawPayload,
	}
	if err := h.manager.Submit(c.Request.Context(), event); err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
		h.log.Error().Err(err).Msg("failed to submit recognition event")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status": "accepted",
		"plate":  plate,
	})
}

func (h *Handler) listSessions(c *gin.Context) {
	status := strings.TrimSpace(c.Query("status"))
	if status == string(parking.SessionOpen) || status == "" {
		// Open sessions come from the manager's authoritative in-memory set.
		c.JSON(http.StatusOK, successResponse(h.manager.OpenSessions()))
		return
	}

	filter := repository.SessionFilter{}
	sessionStatus := parking.SessionStatus(status)
	filter.Status = &sessionStatus
	if plate := utils.NormalizePlate(c.Query("plate")); plate != "" {
		filter.Plate = &plate
	}
	filter.Limit = queryInt(c, "limit", 50)
	filter.Offset = queryInt(c, "offset", 0)

	sessions, err := h.sessions.ListSessions(c.Request.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list sessions")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, successResponse(sessions))
}

func (h *Handler) listReceipts(c *gin.Context) {
	filter := repository.ReceiptFilter{}
	if plate := utils.NormalizePlate(c.Query("plate")); plate != "" {
		filter.Plate = &plate
	}
	if from := strings.TrimSpace(c.Query("from")); from != "" {
		t, err := time.Parse(time.RFC3339, from)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("invalid from time format"))
			return
		}
		filter.From = &t
	}
	if to := strings.TrimSpace(c.Query("to")); to != "" {
		t, err := time.Parse(time.RFC3339, to)
		if err != nil {
			c.JSON(http.StatusBadRequest, errorResponse("invalid to time format"))
			return
		}
		filter.To = &t
	}
	filter.Limit = queryInt(c, "limit", 50)
	filter.Offset = queryInt(c, "offset", 0)

	receipts, err := h.receipts.ListReceipts(c.Request.Context(), filter)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to list receipts")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}
	c.JSON(http.StatusOK, successResponse(receipts))
}

func (h *Handler) visionStatus(c *gin.Context) {
	status := make(map[string]vision.StatsSnapshot, len(h.pipelines))
	for name, pipeline := range h.pipelines {
		status[name] = pipeline.StatsSnapshot()
	}
	c.JSON(http.StatusOK, successResponse(status))
}

// manualEventPayload is the operator path: a typed-in plate when a camera
// misreads or is offline.
type manualEventPayload struct {
	Plate      string     `json:"plate" binding:"required"`
	ObservedAt *time.Time `json:"observed_at,omitempty"`
}

func (h *Handler) manualEntry(c *gin.Context) {
	h.manualEvent(c, parking.ChannelEntry)
}

func (h *Handler) manualExit(c *gin.Context) {
	h.manualEvent(c, parking.ChannelExit)
}

func (h *Handler) manualEvent(c *gin.Context, channel parking.Channel) {
	var payload manualEventPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
		return
	}

	plate := utils.NormalizePlate(payload.Plate)
	if plate == "" {
		c.JSON(http.StatusBadRequest, errorResponse("plate cannot be empty after normalization"))
		return
	}

	observedAt := time.Now().UTC()
	if payload.ObservedAt != nil {
		observedAt = payload.ObservedAt.UTC()
	}

	event := parking.RecognitionEvent{
		Plate:      plate,
		RawPlate:   payload.Plate,
		Channel:    channel,
		Confidence: 1.0,
		CameraID:   "manual",
		ObservedAt: observedAt,
	}
	if err := h.manager.Submit(c.Request.Context(), event); err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			c.JSON(http.StatusBadRequest, errorResponse(err.Error()))
			return
		}
		h.log.Error().Err(err).Msg("failed to submit manual event")
		c.JSON(http.StatusInternalServerError, errorResponse("internal error"))
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "accepted",
		"plate":   plate,
		"channel": string(channel),
	})
}

func successResponse(data interface{}) gin.H {
	return gin.H{
		"data": data,
	}
}

func errorResponse(message string) gin.H {
	return gin.H{
		"error": message,
	}
}

func queryInt(c *gin.Context, name string, fallback int) int {
	if raw := c.Query(name); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return fallback
}
