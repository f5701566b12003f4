package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/leakline/internal/agent"
	"github.com/MarcoPoloResearchLab/leakline/internal/auth"
	"github.com/MarcoPoloResearchLab/leakline/internal/dataset"
	"github.com/MarcoPoloResearchLab/leakline/internal/drafts"
	"github.com/MarcoPoloResearchLab/leakline/internal/errs"
	"github.com/MarcoPoloResearchLab/leakline/internal/nearest"
	"github.com/MarcoPoloResearchLab/leakline/internal/session"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	officerIDContextKey      = "leakline_officer_id"
	defaultHeartbeatInterval = 25 * time.Second
)

var (
	errMissingAgent     = errors.New("agent dependency required")
	errMissingValidator = errors.New("session validator dependency required")
	errMissingEvents    = errors.New("status dispatcher dependency required")
)

// SessionValidator authenticates requests from the UI layer.
type SessionValidator interface {
	ValidateRequest(r *http.Request) (auth.SessionClaims, error)
}

type Dependencies struct {
	Agent             *agent.Agent
	Sessions          SessionValidator
	Events            *StatusDispatcher
	Logger            *zap.Logger
	Clock             func() time.Time
	HeartbeatInterval time.Duration
}

func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Agent == nil {
		return nil, errMissingAgent
	}
	if deps.Sessions == nil {
		return nil, errMissingValidator
	}
	if deps.Events == nil {
		return nil, errMissingEvents
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	heartbeat := deps.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = defaultHeartbeatInterval
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	handler := &httpHandler{
		agent:     deps.Agent,
		sessions:  deps.Sessions,
		events:    deps.Events,
		logger:    logger,
		clock:     clock,
		heartbeat: heartbeat,
	}

	router.GET("/health", handler.handleHealth)

	protected := router.Group("/")
	protected.Use(handler.requireSession)

	protected.GET("/status", handler.handleStatus)
	protected.POST("/connectivity", handler.handleConnectivity)
	protected.GET("/events", handler.handleEvents)

	protected.POST("/reports", handler.handleEnqueueReport)
	protected.GET("/reports", handler.handleListReports)
	protected.POST("/reports/drain", handler.handleDrain)
	protected.POST("/reports/:id/retry", handler.handleRetryReport)
	protected.DELETE("/reports/:id", handler.handleDiscardReport)

	protected.GET("/drafts", handler.handleListDrafts)
	protected.POST("/drafts", handler.handleSaveDraft)
	protected.DELETE("/drafts", handler.handleClearDrafts)
	protected.GET("/drafts/:id", handler.handleGetDraft)
	protected.PUT("/drafts/:id", handler.handleUpdateDraft)
	protected.DELETE("/drafts/:id", handler.handleDeleteDraft)
	protected.POST("/drafts/:id/submit", handler.handleSubmitDraft)

	protected.GET("/form/current", handler.handleGetOpenForm)
	protected.PUT("/form/current", handler.handleUpdateOpenForm)
	protected.DELETE("/form/current", handler.handleCloseOpenForm)

	protected.POST("/dataset/download", handler.handleDownloadDataset)
	protected.GET("/dataset/manifest", handler.handleManifest)
	protected.GET("/dataset/updates", handler.handleCheckForUpdates)
	protected.GET("/meters/nearest", handler.handleNearestMeters)

	protected.POST("/session/activity", handler.handleSessionActivity)
	protected.POST("/session/logout", handler.handleLogout)

	return router, nil
}

func corsMiddleware() gin.HandlerFunc {
	return cors.New(cors.Config{
		AllowOriginFunc: func(string) bool { return true },
		AllowMethods: []string{
			http.MethodGet,
			http.MethodPost,
			http.MethodPut,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders:     []string{"Authorization", "Content-Type"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	})
}

type httpHandler struct {
	agent     *agent.Agent
	sessions  SessionValidator
	events    *StatusDispatcher
	logger    *zap.Logger
	clock     func() time.Time
	heartbeat time.Duration
}

// requireSession rejects requests without a valid session. An expired
// session ends the local session too, flushing the open form first.
func (h *httpHandler) requireSession(c *gin.Context) {
	claims, err := h.sessions.ValidateRequest(c.Request)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredSessionToken) {
			h.logger.Info("session token expired", zap.Error(err))
			if _, logoutErr := h.agent.EndSession(c.Request.Context(), session.ReasonExpired); logoutErr != nil {
				h.logger.Error("expired session teardown failed", zap.Error(logoutErr))
			}
		} else {
			h.logger.Warn("session validation failed", zap.Error(err))
		}
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(officerIDContextKey, claims.OfficerID)
	c.Next()
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *httpHandler) handleStatus(c *gin.Context) {
	status, err := h.agent.Status(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, status)
}

type connectivityRequestPayload struct {
	Online *bool `json:"online"`
}

func (h *httpHandler) handleConnectivity(c *gin.Context) {
	var request connectivityRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Online == nil {
		h.respondInvalid(c)
		return
	}
	h.agent.ReportConnectivity(*request.Online)
	h.handleStatus(c)
}

func (h *httpHandler) handleEvents(c *gin.Context) {
	ctx := c.Request.Context()
	stream, cleanup := h.events.Subscribe(ctx)
	defer cleanup()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)

	if status, err := h.agent.Status(ctx); err == nil {
		c.SSEvent(agent.EventStatus, agent.Event{Type: agent.EventStatus, At: h.now(), Status: &status})
	} else {
		h.logger.Warn("initial status snapshot failed", zap.Error(err))
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-stream:
			if !ok {
				return
			}
			c.SSEvent(event.Type, event)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"source": eventSourceAgent, "at": h.now()})
			c.Writer.Flush()
		}
	}
}

func (h *httpHandler) handleEnqueueReport(c *gin.Context) {
	payload, ok := h.readRawJSON(c)
	if !ok {
		return
	}
	submission, err := h.agent.EnqueueReport(c.Request.Context(), payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, submission)
}

func (h *httpHandler) handleListReports(c *gin.Context) {
	submissions, err := h.agent.Submissions(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	pending, err := h.agent.PendingCount(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"reports": submissions, "pendingCount": pending})
}

func (h *httpHandler) handleDrain(c *gin.Context) {
	report, err := h.agent.DrainNow(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *httpHandler) handleRetryReport(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		h.respondInvalid(c)
		return
	}
	var payload json.RawMessage
	if len(strings.TrimSpace(string(body))) > 0 {
		if !json.Valid(body) {
			h.respondInvalid(c)
			return
		}
		payload = json.RawMessage(body)
	}
	submission, err := h.agent.RetrySubmission(c.Request.Context(), c.Param("id"), payload)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, submission)
}

func (h *httpHandler) handleDiscardReport(c *gin.Context) {
	if err := h.agent.DiscardSubmission(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type saveDraftRequestPayload struct {
	Snapshot  drafts.FormSnapshot `json:"snapshot"`
	AutoSaved bool                `json:"autoSaved"`
}

func (h *httpHandler) handleListDrafts(c *gin.Context) {
	list, err := h.agent.Drafts(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drafts": list})
}

func (h *httpHandler) handleSaveDraft(c *gin.Context) {
	var request saveDraftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c)
		return
	}
	draft, err := h.agent.SaveDraft(c.Request.Context(), request.Snapshot, request.AutoSaved)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, draft)
}

func (h *httpHandler) handleClearDrafts(c *gin.Context) {
	if err := h.agent.ClearDrafts(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleGetDraft(c *gin.Context) {
	draft, err := h.agent.Draft(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (h *httpHandler) handleUpdateDraft(c *gin.Context) {
	var request saveDraftRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c)
		return
	}
	draft, err := h.agent.UpdateDraft(c.Request.Context(), c.Param("id"), request.Snapshot)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, draft)
}

func (h *httpHandler) handleDeleteDraft(c *gin.Context) {
	if err := h.agent.DeleteDraft(c.Request.Context(), c.Param("id")); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *httpHandler) handleSubmitDraft(c *gin.Context) {
	submission, err := h.agent.SubmitDraft(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, submission)
}

type openFormRequestPayload struct {
	DraftID  string              `json:"draftId"`
	Snapshot drafts.FormSnapshot `json:"snapshot"`
}

func (h *httpHandler) handleGetOpenForm(c *gin.Context) {
	form, ok, err := h.agent.OpenForm(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, form)
}

func (h *httpHandler) handleUpdateOpenForm(c *gin.Context) {
	var request openFormRequestPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		h.respondInvalid(c)
		return
	}
	form, err := h.agent.UpdateOpenForm(c.Request.Context(), request.DraftID, request.Snapshot)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, form)
}

func (h *httpHandler) handleCloseOpenForm(c *gin.Context) {
	if err := h.agent.CloseOpenForm(c.Request.Context()); err != nil {
		h.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type downloadRequestPayload struct {
	PageSize    int  `json:"pageSize"`
	Concurrency int  `json:"concurrency"`
	Force       bool `json:"force"`
}

// handleDownloadDataset blocks until the cache is complete. Progress is
// published on the event stream while it runs.
func (h *httpHandler) handleDownloadDataset(c *gin.Context) {
	var request downloadRequestPayload
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&request); err != nil {
			h.respondInvalid(c)
			return
		}
	}
	result, err := h.agent.DownloadDataset(c.Request.Context(), dataset.Options{
		PageSize:    request.PageSize,
		Concurrency: request.Concurrency,
		Force:       request.Force,
	}, nil)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) handleManifest(c *gin.Context) {
	manifest, err := h.agent.DatasetManifest(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, manifest)
}

func (h *httpHandler) handleCheckForUpdates(c *gin.Context) {
	check, err := h.agent.CheckForUpdates(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, check)
}

func (h *httpHandler) handleNearestMeters(c *gin.Context) {
	latitude, latErr := strconv.ParseFloat(strings.TrimSpace(c.Query("lat")), 64)
	longitude, lngErr := strconv.ParseFloat(strings.TrimSpace(c.Query("lng")), 64)
	if latErr != nil || lngErr != nil {
		h.respondInvalid(c)
		return
	}
	k := 0
	if raw := strings.TrimSpace(c.Query("k")); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			h.respondInvalid(c)
			return
		}
		k = parsed
	}
	matches, err := h.agent.FindNearestMeters(c.Request.Context(), dataset.NewCoordinate(latitude, longitude), k)
	if err != nil {
		h.respondError(c, err)
		return
	}
	if matches == nil {
		matches = []nearest.Match{}
	}
	c.JSON(http.StatusOK, gin.H{"matches": matches})
}

func (h *httpHandler) handleSessionActivity(c *gin.Context) {
	marker, err := h.agent.TouchSession(c.Request.Context())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, marker)
}

func (h *httpHandler) handleLogout(c *gin.Context) {
	result, err := h.agent.EndSession(c.Request.Context(), session.ReasonUser)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *httpHandler) readRawJSON(c *gin.Context) (json.RawMessage, bool) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil || !json.Valid(body) {
		h.respondInvalid(c)
		return nil, false
	}
	return json.RawMessage(body), true
}

func (h *httpHandler) respondInvalid(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
}

// respondError maps a component error to a status code and a
// {"error": reason, "code": code} body.
func (h *httpHandler) respondError(c *gin.Context, err error) {
	status, reason := http.StatusInternalServerError, "internal_error"
	switch {
	case agent.IsRejected(err):
		status, reason = http.StatusBadRequest, "invalid_request"
	case agent.IsNotFound(err):
		status, reason = http.StatusNotFound, "not_found"
	case agent.IsConflict(err):
		status, reason = http.StatusConflict, "conflict"
	case agent.IsUpstream(err):
		status, reason = http.StatusBadGateway, "upstream_failed"
	}
	code := errs.CodeOf(err)
	if index := strings.LastIndex(code, "."); index >= 0 && index < len(code)-1 {
		reason = code[index+1:]
	}
	if status == http.StatusInternalServerError {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	} else {
		h.logger.Debug("request rejected", zap.String("path", c.FullPath()), zap.String("code", code), zap.Error(err))
	}
	body := gin.H{"error": reason}
	if code != "" {
		body["code"] = code
	}
	c.JSON(status, body)
}

func (h *httpHandler) now() time.Time {
	return h.clock().UTC()
}
