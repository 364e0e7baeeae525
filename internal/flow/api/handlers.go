package api

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/kandev/internal/common/logger"
	"github.com/kandev/kandev/internal/flow/hub"
	"github.com/kandev/kandev/internal/flow/models"
	"github.com/kandev/kandev/internal/flow/pool"
	"github.com/kandev/kandev/internal/flow/sessionstore"
)

// sseKeepAlive is how often an idle SSE stream gets a comment frame, per
// spec §6's "15-s keep-alive" requirement.
const sseKeepAlive = 15 * time.Second

// Handlers wires gin routes onto a Controller: JSON request/response
// marshaling and hand-rolled SSE framing, with no business logic of its
// own, mirroring internal/workflow/handlers' controller/gin split.
type Handlers struct {
	controller *Controller
	logger     *logger.Logger
}

// NewHandlers constructs a Handlers.
func NewHandlers(ctrl *Controller, log *logger.Logger) *Handlers {
	return &Handlers{
		controller: ctrl,
		logger:     log.WithFields(zap.String("component", "flow-api")),
	}
}

// RegisterRoutes registers every route in spec §6's HTTP/SSE table.
func RegisterRoutes(router *gin.Engine, ctrl *Controller, log *logger.Logger) {
	h := NewHandlers(ctrl, log)

	api := router.Group("/api")

	api.GET("/flows", h.listFlows)
	api.POST("/flows", h.createFlow)
	api.GET("/flows/:id", h.getFlow)
	api.PUT("/flows/:id", h.updateFlow)
	api.DELETE("/flows/:id", h.deleteFlow)
	api.POST("/flows/:id/trigger", h.triggerFlow)
	api.GET("/flows/:id/runs", h.listRuns)
	api.GET("/flows/:id/runs/stream", h.streamRuns)

	api.GET("/agents/:id/sessions", h.listSessions)
	api.POST("/agents/:id/sessions", h.createSession)
	api.DELETE("/agents/:id/sessions/:sid", h.deleteSession)
	api.POST("/agents/:id/sessions/:sid/kill", h.killSession)
	api.GET("/agents/:id/sessions/:sid/chat/stream", h.streamChat)

	api.POST("/agents/:id/chat", h.chat)
	api.POST("/agents/:id/chat/stop", h.stopChat)
}

// --- Flows ---

func (h *Handlers) listFlows(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"flows": h.controller.ListFlows()})
}

func (h *Handlers) createFlow(c *gin.Context) {
	var req CreateFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name is required"})
		return
	}
	flow, err := h.controller.CreateFlow(c.Request.Context(), req)
	if err != nil {
		h.logger.Error("failed to create flow", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create flow"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"id": flow.ID})
}

func (h *Handlers) getFlow(c *gin.Context) {
	flow, err := h.controller.GetFlow(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}
	c.JSON(http.StatusOK, flow)
}

func (h *Handlers) updateFlow(c *gin.Context) {
	var req UpdateFlowRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	flow, err := h.controller.UpdateFlow(c.Request.Context(), c.Param("id"), req)
	if err != nil {
		if errors.Is(err, ErrFlowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
			return
		}
		h.logger.Error("failed to update flow", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update flow"})
		return
	}
	c.JSON(http.StatusOK, flow)
}

func (h *Handlers) deleteFlow(c *gin.Context) {
	if err := h.controller.DeleteFlow(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, ErrFlowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
			return
		}
		h.logger.Error("failed to delete flow", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete flow"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true})
}

func (h *Handlers) triggerFlow(c *gin.Context) {
	var req TriggerRequest
	// an empty body ({} or nothing) is valid, so a bind error here is only
	// reported back, never treated as a hard failure.
	_ = c.ShouldBindJSON(&req)

	if err := h.controller.TriggerFlow(c.Request.Context(), c.Param("id"), req); err != nil {
		if errors.Is(err, ErrFlowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
			return
		}
		h.logger.Error("failed to trigger flow", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to trigger flow"})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func (h *Handlers) listRuns(c *gin.Context) {
	runs, err := h.controller.ListRuns(c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrFlowNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
			return
		}
		h.logger.Error("failed to list runs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (h *Handlers) streamRuns(c *gin.Context) {
	flowID := c.Param("id")
	if _, err := h.controller.GetFlow(flowID); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "flow not found"})
		return
	}

	replay, live, cancel, ended := h.controller.SubscribeRun(flowID)
	defer cancel()
	h.streamHubEvents(c, replay, live, ended)
}

// --- Agent sessions ---

type sessionsResponse struct {
	Sessions         []*models.InteractSession `json:"sessions"`
	ActiveSessionID  string                    `json:"active_session_id,omitempty"`
	InteractiveCount int                       `json:"interactive_count"`
	Limit            int                       `json:"limit"`
}

func (h *Handlers) listSessions(c *gin.Context) {
	fs := h.controller.AgentSessions(c.Param("id"))
	c.JSON(http.StatusOK, sessionsResponse{
		Sessions:         fs.Sessions,
		ActiveSessionID:  fs.ActiveSessionID,
		InteractiveCount: fs.InteractiveCount(),
		Limit:            models.MaxInteractiveSessions,
	})
}

func (h *Handlers) createSession(c *gin.Context) {
	sess, err := h.controller.CreateSession(c.Param("id"))
	if err != nil {
		if errors.Is(err, sessionstore.ErrSessionCapReached) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "interactive session cap reached"})
			return
		}
		h.logger.Error("failed to create session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create session"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"session_id": sess.ID, "created_at": sess.CreatedAt})
}

func (h *Handlers) deleteSession(c *gin.Context) {
	result, err := h.controller.DeleteSession(c.Param("id"), c.Param("sid"))
	if err != nil {
		if errors.Is(err, sessionstore.ErrLastSession) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "cannot delete the last session"})
			return
		}
		if errors.Is(err, sessionstore.ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		h.logger.Error("failed to delete session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": true, "active_session": result.ActiveSessionID})
}

func (h *Handlers) killSession(c *gin.Context) {
	agentID, sessionID := c.Param("id"), c.Param("sid")
	if err := h.controller.KillSession(agentID, sessionID); err != nil {
		if errors.Is(err, ErrSessionNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("session %s not found", sessionID)})
			return
		}
		h.logger.Error("failed to kill session", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to kill session"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"killed": true})
}

// --- Chat ---

func (h *Handlers) chat(c *gin.Context) {
	agentID := c.Param("id")

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	sess, err := h.controller.ResolveChatSession(agentID, req)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": fmt.Sprintf("session %s not found", req.SessionID)})
		return
	}

	if err := h.controller.AcquireChatTurn(agentID, sess); err != nil {
		if errors.Is(err, sessionstore.ErrSessionBusy) {
			c.JSON(http.StatusConflict, gin.H{"error": "session busy"})
			return
		}
		h.logger.Error("failed to acquire session for turn", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to acquire session"})
		return
	}

	flusher, ok := openSSE(c)
	if !ok {
		h.controller.ReleaseChatTurn(agentID, sess.ID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	key := h.controller.ChatKey(agentID, sess.ID)
	h.controller.OpenChatStream(key)

	runErr := h.controller.RunChatTurn(c.Request.Context(), agentID, sess, req.Prompt, func(ev pool.TurnEvent) {
		h.controller.PublishChatEvent(key, string(ev.Type), ev)
		writeSSEEvent(c.Writer, flusher, string(ev.Type), ev)
	})
	if runErr != nil {
		errEvent := gin.H{"message": runErr.Error()}
		h.controller.PublishChatEvent(key, "error", errEvent)
		writeSSEEvent(c.Writer, flusher, "error", errEvent)
	}

	writeSSEEvent(c.Writer, flusher, hub.DoneEvent, gin.H{"exit_code": 0})
	h.controller.PublishChatEvent(key, hub.DoneEvent, gin.H{"exit_code": 0})
	go h.controller.FinalizeChatStream(key)
}

func (h *Handlers) stopChat(c *gin.Context) {
	agentID := c.Param("id")
	var req ChatRequest
	_ = c.ShouldBindJSON(&req)
	h.controller.StopChat(agentID, req.SessionID)
	c.JSON(http.StatusOK, gin.H{"status": "stopped"})
}

func (h *Handlers) streamChat(c *gin.Context) {
	agentID, sessionID := c.Param("id"), c.Param("sid")
	key := h.controller.ChatKey(agentID, sessionID)

	replay, live, cancel, ended := h.controller.SubscribeChat(key)
	defer cancel()
	h.streamHubEvents(c, replay, live, ended)
}

// --- SSE plumbing ---

func openSSE(c *gin.Context) (http.Flusher, bool) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		return nil, false
	}
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
	flusher.Flush()
	return flusher, true
}

func writeSSEEvent(w io.Writer, flusher http.Flusher, eventType string, data any) {
	e := hub.Encode(eventType, data)
	typ, payload := hub.Split(e)
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", typ, payload)
	flusher.Flush()
}

// streamHubEvents replays buffered hub events then, unless the topic had
// already reached its terminal "done" event, streams the live tail until
// one arrives or the client disconnects. Idle periods get a keep-alive
// comment frame every sseKeepAlive so intermediate proxies don't time the
// connection out.
func (h *Handlers) streamHubEvents(c *gin.Context, replay []hub.Event, live chan hub.Event, ended bool) {
	flusher, ok := openSSE(c)
	if !ok {
		return
	}

	for _, e := range replay {
		typ, payload := hub.Split(e)
		fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", typ, payload)
	}
	flusher.Flush()

	if ended || live == nil {
		return
	}

	ticker := time.NewTicker(sseKeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case e, ok := <-live:
			if !ok {
				return
			}
			typ, payload := hub.Split(e)
			fmt.Fprintf(c.Writer, "event: %s\ndata: %s\n\n", typ, payload)
			flusher.Flush()
			if typ == hub.DoneEvent {
				return
			}
		case <-ticker.C:
			fmt.Fprint(c.Writer, ": keep-alive\n\n")
			flusher.Flush()
		}
	}
}
