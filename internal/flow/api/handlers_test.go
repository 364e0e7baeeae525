package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kandev/kandev/internal/flow/hub"
	"github.com/kandev/kandev/internal/flow/models"
	"github.com/kandev/kandev/internal/flow/pool"
	"github.com/kandev/kandev/internal/flow/sessionstore"
)

func TestHandlers_ChatReturnsConflictWhenSessionBusy(t *testing.T) {
	router, ctrl, _, _ := newTestRouter(t)

	sess, err := ctrl.CreateSession("agent-1")
	require.NoError(t, err)
	require.NoError(t, ctrl.AcquireChatTurn("agent-1", sess))

	resp := doRequest(router, http.MethodPost, "/api/agents/agent-1/chat", ChatRequest{Prompt: "hi", SessionID: sess.ID})
	assert.Equal(t, http.StatusConflict, resp.Code)
}

func newTestRouter(t *testing.T) (*gin.Engine, *Controller, *fakeFlowStore, *fakeRunner) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	log := testLogger(t)
	flows := newFakeFlowStore()
	runner := &fakeRunner{}
	sched := &fakeScheduler{}
	sessions := sessionstore.New(fakeSnapshotter{}, log)
	p := pool.New(fakeSpecResolver{}, log)
	h := hub.New(log)

	ctrl := New(flows, runner, sched, sessions, p, h)
	router := gin.New()
	RegisterRoutes(router, ctrl, log)
	return router, ctrl, flows, runner
}

func doRequest(router *gin.Engine, method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	resp := httptest.NewRecorder()
	router.ServeHTTP(resp, req)
	return resp
}

func TestHandlers_FlowCRUD(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	resp := doRequest(router, http.MethodPost, "/api/flows", CreateFlowRequest{Name: "review-bot"})
	require.Equal(t, http.StatusCreated, resp.Code)

	var created struct{ ID string `json:"id"` }
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	resp = doRequest(router, http.MethodGet, "/api/flows/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(router, http.MethodGet, "/api/flows/nonexistent", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = doRequest(router, http.MethodPut, "/api/flows/"+created.ID, UpdateFlowRequest{Description: strPtr("new description")})
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(router, http.MethodGet, "/api/flows", nil)
	assert.Equal(t, http.StatusOK, resp.Code)
	var listed struct {
		Flows []FlowSummary `json:"flows"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &listed))
	assert.Len(t, listed.Flows, 1)

	resp = doRequest(router, http.MethodDelete, "/api/flows/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(router, http.MethodDelete, "/api/flows/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHandlers_TriggerFlow(t *testing.T) {
	router, _, flows, runner := newTestRouter(t)
	flow := &models.Flow{ID: "flow-1", Name: "f"}
	require.NoError(t, flows.SaveFlow(context.Background(), flow))

	ran := make(chan struct{})
	runner.runFunc = func(ctx context.Context, f *models.Flow, initialCtx map[string]any) (*models.FlowRun, error) {
		close(ran)
		return &models.FlowRun{ID: "r1", FlowID: f.ID, Status: models.RunStatusSuccess}, nil
	}

	resp := doRequest(router, http.MethodPost, "/api/flows/flow-1/trigger", TriggerRequest{Repo: "acme/widgets"})
	assert.Equal(t, http.StatusAccepted, resp.Code)
	<-ran

	resp = doRequest(router, http.MethodPost, "/api/flows/nonexistent/trigger", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func TestHandlers_SessionLifecycle(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	resp := doRequest(router, http.MethodPost, "/api/agents/agent-1/sessions", nil)
	require.Equal(t, http.StatusCreated, resp.Code)

	var created struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &created))
	require.NotEmpty(t, created.SessionID)

	resp = doRequest(router, http.MethodGet, "/api/agents/agent-1/sessions", nil)
	assert.Equal(t, http.StatusOK, resp.Code)

	resp = doRequest(router, http.MethodDelete, "/api/agents/agent-1/sessions/"+created.SessionID, nil)
	assert.Equal(t, http.StatusBadRequest, resp.Code, "deleting the last session must be refused")
}

func TestHandlers_SessionCapReached(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	for i := 0; i < models.MaxInteractiveSessions; i++ {
		resp := doRequest(router, http.MethodPost, "/api/agents/agent-1/sessions", nil)
		require.Equal(t, http.StatusCreated, resp.Code)
	}

	resp := doRequest(router, http.MethodPost, "/api/agents/agent-1/sessions", nil)
	assert.Equal(t, http.StatusTooManyRequests, resp.Code)
}

func TestHandlers_ChatUnknownSessionReturns404(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	resp := doRequest(router, http.MethodPost, "/api/agents/agent-x/chat", ChatRequest{Prompt: "hi", SessionID: "s1"})
	assert.Equal(t, http.StatusNotFound, resp.Code)

	var body struct {
		Error string `json:"error"`
	}
	require.NoError(t, json.Unmarshal(resp.Body.Bytes(), &body))
	assert.Equal(t, "session s1 not found", body.Error)
}

func TestHandlers_KillSessionNotFound(t *testing.T) {
	router, _, _, _ := newTestRouter(t)

	resp := doRequest(router, http.MethodPost, "/api/agents/agent-1/sessions/nonexistent/kill", nil)
	assert.Equal(t, http.StatusNotFound, resp.Code)
}

func strPtr(s string) *string { return &s }
