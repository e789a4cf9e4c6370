package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cerebro-sh/cerebro/pkg/brain"
	"github.com/cerebro-sh/cerebro/pkg/eventlog"
	"github.com/cerebro-sh/cerebro/pkg/models"
	"github.com/cerebro-sh/cerebro/pkg/run"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func echoBrain() *brain.Brain {
	return &brain.Brain{
		Name:  "echo",
		Title: "Echo",
		Blocks: []brain.Block{
			{ID: "seed", Title: "Seed", Kind: brain.BlockStep, Step: func(_ context.Context, sc *brain.StepContext) (json.RawMessage, error) {
				msg, _ := sc.Options["message"].(string)
				return json.Marshal(map[string]any{"message": msg})
			}},
		},
	}
}

func gateBrain() *brain.Brain {
	return &brain.Brain{
		Name:  "gated",
		Title: "Gated",
		Blocks: []brain.Block{
			{ID: "gate", Title: "Gate", Kind: brain.BlockWait, Wait: func(context.Context, *brain.StepContext) ([]models.WebhookRegistration, error) {
				return []models.WebhookRegistration{{Slug: "approval", Identifier: "main", Token: "tok"}}, nil
			}},
			{ID: "after", Title: "After", Kind: brain.BlockStep, Step: func(_ context.Context, sc *brain.StepContext) (json.RawMessage, error) {
				return sc.Response, nil
			}},
		},
	}
}

type fixture struct {
	router  *gin.Engine
	manager *run.Manager
	store   eventlog.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := eventlog.NewMemoryStore()
	registry := brain.NewRegistry()
	require.NoError(t, registry.Register(echoBrain()))
	require.NoError(t, registry.Register(gateBrain()))
	require.NoError(t, registry.Register(&brain.Brain{Name: "alpha-one", Title: "Alpha One"}))
	require.NoError(t, registry.Register(&brain.Brain{Name: "alpha-two", Title: "Alpha Two"}))

	manager := run.NewManager(context.Background(), store, registry, nil)
	server := NewServer(manager, registry, store, "memory", nil)
	return &fixture{router: server.Router(), manager: manager, store: store}
}

func (f *fixture) do(method, path string, body any) *httptest.ResponseRecorder {
	var reader *bytes.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) waitForRunStatus(t *testing.T, runID string, want models.RunStatus) {
	t.Helper()
	require.Eventually(t, func() bool {
		header, err := f.store.GetRun(context.Background(), runID)
		return err == nil && header.Status == want
	}, 5*time.Second, 5*time.Millisecond, "run %s never reached %s", runID, want)
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	return out
}

func TestHealthEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, "memory", body["backend"])
}

func TestHealthEndpointUnhealthyBackend(t *testing.T) {
	store := eventlog.NewMemoryStore()
	registry := brain.NewRegistry()
	manager := run.NewManager(context.Background(), store, registry, nil)
	server := NewServer(manager, registry, store, "postgres", func(context.Context) error {
		return errors.New("connection refused")
	})
	router := server.Router()

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, w.Code)
	body := decode(t, w)
	assert.Equal(t, "unhealthy", body["status"])
	assert.Contains(t, body["error"], "connection refused")
}

func TestListBrains(t *testing.T) {
	f := newFixture(t)

	t.Run("all", func(t *testing.T) {
		w := f.do(http.MethodGet, "/brains", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.EqualValues(t, 4, body["count"])
	})

	t.Run("filtered", func(t *testing.T) {
		w := f.do(http.MethodGet, "/brains?q=alpha", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.EqualValues(t, 2, body["count"])
	})
}

func TestGetBrain(t *testing.T) {
	f := newFixture(t)

	t.Run("found", func(t *testing.T) {
		w := f.do(http.MethodGet, "/brains/gated", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "gated", body["name"])
		steps := body["steps"].([]any)
		require.Len(t, steps, 2)
		first := steps[0].(map[string]any)
		assert.Equal(t, "gate", first["id"])
		assert.Equal(t, "wait", first["kind"])
	})

	t.Run("not found", func(t *testing.T) {
		w := f.do(http.MethodGet, "/brains/nope", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("ambiguous", func(t *testing.T) {
		w := f.do(http.MethodGet, "/brains/alpha", nil)
		require.Equal(t, http.StatusMultipleChoices, w.Code)
		body := decode(t, w)
		assert.Len(t, body["candidates"], 2)
	})
}

func TestStartRun(t *testing.T) {
	f := newFixture(t)

	t.Run("created", func(t *testing.T) {
		w := f.do(http.MethodPost, "/brains/runs", gin.H{
			"identifier": "echo",
			"options":    gin.H{"message": "hi"},
		})
		require.Equal(t, http.StatusCreated, w.Code)
		runID := decode(t, w)["brainRunId"].(string)
		require.NotEmpty(t, runID)
		f.waitForRunStatus(t, runID, models.RunStatusComplete)
	})

	t.Run("unknown identifier", func(t *testing.T) {
		w := f.do(http.MethodPost, "/brains/runs", gin.H{"identifier": "nope"})
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("ambiguous identifier", func(t *testing.T) {
		w := f.do(http.MethodPost, "/brains/runs", gin.H{"identifier": "alpha"})
		assert.Equal(t, http.StatusMultipleChoices, w.Code)
	})

	t.Run("missing identifier", func(t *testing.T) {
		w := f.do(http.MethodPost, "/brains/runs", gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})
}

func TestGetRun(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/brains/runs", gin.H{"identifier": "echo"})
	require.Equal(t, http.StatusCreated, w.Code)
	runID := decode(t, w)["brainRunId"].(string)
	f.waitForRunStatus(t, runID, models.RunStatusComplete)

	w = f.do(http.MethodGet, "/brains/runs/"+runID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, "echo", body["brainName"])
	assert.Equal(t, string(models.RunStatusComplete), body["status"])

	w = f.do(http.MethodGet, "/brains/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestKillRun(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/brains/runs", gin.H{"identifier": "gated"})
	require.Equal(t, http.StatusCreated, w.Code)
	runID := decode(t, w)["brainRunId"].(string)
	f.waitForRunStatus(t, runID, models.RunStatusWaiting)

	w = f.do(http.MethodDelete, "/brains/runs/"+runID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	f.waitForRunStatus(t, runID, models.RunStatusCancelled)

	// Idempotent.
	w = f.do(http.MethodDelete, "/brains/runs/"+runID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = f.do(http.MethodDelete, "/brains/runs/nope", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReceiveWebhook(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/brains/runs", gin.H{"identifier": "gated"})
	require.Equal(t, http.StatusCreated, w.Code)
	runID := decode(t, w)["brainRunId"].(string)
	f.waitForRunStatus(t, runID, models.RunStatusWaiting)

	t.Run("no match", func(t *testing.T) {
		w := f.do(http.MethodPost, "/webhooks/approval", gin.H{
			"identifier": "main",
			"token":      "wrong",
		})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "no-match", decode(t, w)["action"])
	})

	t.Run("missing fields", func(t *testing.T) {
		w := f.do(http.MethodPost, "/webhooks/approval", gin.H{"identifier": "main"})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("resumed", func(t *testing.T) {
		w := f.do(http.MethodPost, "/webhooks/approval", gin.H{
			"identifier": "main",
			"token":      "tok",
			"payload":    gin.H{"approved": true},
		})
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.Equal(t, "resumed", body["action"])
		assert.Equal(t, runID, body["brainRunId"])
		f.waitForRunStatus(t, runID, models.RunStatusComplete)
	})
}

func TestRunHistoryAndActiveRuns(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/brains/runs", gin.H{"identifier": "echo"})
	require.Equal(t, http.StatusCreated, w.Code)
	runID := decode(t, w)["brainRunId"].(string)
	f.waitForRunStatus(t, runID, models.RunStatusComplete)

	t.Run("history", func(t *testing.T) {
		w := f.do(http.MethodGet, "/brains/echo/history", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.EqualValues(t, 1, body["count"])
	})

	t.Run("history bad limit", func(t *testing.T) {
		w := f.do(http.MethodGet, "/brains/echo/history?limit=-1", nil)
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("no active runs after completion", func(t *testing.T) {
		w := f.do(http.MethodGet, "/brains/echo/active-runs", nil)
		require.Equal(t, http.StatusOK, w.Code)
		body := decode(t, w)
		assert.EqualValues(t, 0, body["count"])
	})

	t.Run("unknown brain", func(t *testing.T) {
		w := f.do(http.MethodGet, "/brains/nope/history", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}

func TestRerunEndpoint(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/brains/runs", gin.H{
		"identifier": "echo",
		"options":    gin.H{"message": "original"},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	sourceID := decode(t, w)["brainRunId"].(string)
	f.waitForRunStatus(t, sourceID, models.RunStatusComplete)

	t.Run("from source run", func(t *testing.T) {
		w := f.do(http.MethodPost, "/brains/runs/rerun", gin.H{
			"runId":    sourceID,
			"startsAt": 0,
		})
		require.Equal(t, http.StatusCreated, w.Code)
		rerunID := decode(t, w)["brainRunId"].(string)
		f.waitForRunStatus(t, rerunID, models.RunStatusComplete)

		header, err := f.store.GetRun(context.Background(), rerunID)
		require.NoError(t, err)
		assert.Equal(t, "RERUN", header.Type)
	})

	t.Run("by block title", func(t *testing.T) {
		w := f.do(http.MethodPost, "/brains/runs/rerun", gin.H{
			"runId":      sourceID,
			"startsAt":   "Seed",
			"stopsAfter": "Seed",
		})
		require.Equal(t, http.StatusCreated, w.Code)
	})

	t.Run("unknown block title", func(t *testing.T) {
		w := f.do(http.MethodPost, "/brains/runs/rerun", gin.H{
			"runId":    sourceID,
			"startsAt": "Nope",
		})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("neither identifier nor runId", func(t *testing.T) {
		w := f.do(http.MethodPost, "/brains/runs/rerun", gin.H{})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("fresh partial run", func(t *testing.T) {
		w := f.do(http.MethodPost, "/brains/runs/rerun", gin.H{
			"identifier": "echo",
			"options":    gin.H{"message": "partial"},
		})
		require.Equal(t, http.StatusCreated, w.Code)
	})
}

func TestPauseResumeMessage(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/brains/runs", gin.H{"identifier": "gated"})
	require.Equal(t, http.StatusCreated, w.Code)
	runID := decode(t, w)["brainRunId"].(string)
	f.waitForRunStatus(t, runID, models.RunStatusWaiting)

	w = f.do(http.MethodPost, "/brains/runs/"+runID+"/pause", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/brains/runs/"+runID+"/message", gin.H{"message": "hello"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = f.do(http.MethodPost, "/brains/runs/"+runID+"/message", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = f.do(http.MethodPost, "/brains/runs/nope/resume", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWatchRunTerminal(t *testing.T) {
	f := newFixture(t)
	w := f.do(http.MethodPost, "/brains/runs", gin.H{"identifier": "echo"})
	require.Equal(t, http.StatusCreated, w.Code)
	runID := decode(t, w)["brainRunId"].(string)
	f.waitForRunStatus(t, runID, models.RunStatusComplete)

	// A terminal run's stream is its full history followed by EOF.
	w = f.do(http.MethodGet, "/brains/runs/"+runID+"/watch", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	frames := 0
	var last string
	for _, line := range strings.Split(w.Body.String(), "\n") {
		if strings.HasPrefix(line, "data: ") {
			frames++
			last = strings.TrimPrefix(line, "data: ")
		}
	}
	require.Greater(t, frames, 2)
	var ev models.Event
	require.NoError(t, json.Unmarshal([]byte(last), &ev))
	assert.Equal(t, models.EventComplete, ev.Type)

	w = f.do(http.MethodGet, "/brains/runs/nope/watch", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}
