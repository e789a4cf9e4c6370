package api

import (
	"encoding/json"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cerebro-sh/cerebro/pkg/eventlog"
	"github.com/cerebro-sh/cerebro/pkg/models"
)

// watchRun handles GET /brains/runs/:runId/watch: an SSE stream of the
// run's events, full history first, then live appends until the run
// terminates or the client disconnects.
func (s *Server) watchRun(c *gin.Context) {
	history, live, cancel, err := s.manager.Watch(c.Request.Context(), c.Param("runId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer cancel()

	sseHeaders(c)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	for i := range history {
		if !writeSSE(c, &history[i]) {
			return
		}
	}
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case ev, ok := <-live:
			if !ok {
				return
			}
			if !writeSSE(c, &ev) {
				return
			}
			flusher.Flush()
		}
	}
}

// runSnapshot is one entry of the all-runs feed.
type runSnapshot struct {
	BrainRunID string           `json:"brainRunId"`
	BrainName  string           `json:"brainName"`
	BrainTitle string           `json:"brainTitle"`
	Status     models.RunStatus `json:"status"`
}

// watchAll handles GET /brains/watch: an SSE feed of top-level snapshots of
// currently running brains. A snapshot is emitted on attach and after every
// run event; consumers treat each frame as the full current picture.
func (s *Server) watchAll(c *gin.Context) {
	live, cancel := s.manager.WatchAll()
	defer cancel()

	sseHeaders(c)
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	if !s.writeSnapshot(c) {
		return
	}
	flusher.Flush()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case _, ok := <-live:
			if !ok {
				return
			}
			if !s.writeSnapshot(c) {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *Server) writeSnapshot(c *gin.Context) bool {
	runs, err := s.store.ListRuns(c.Request.Context(), eventlog.ListFilter{Status: models.RunStatusRunning})
	if err != nil {
		s.logger.Error("Listing running brains failed", "error", err)
		return false
	}
	out := make([]runSnapshot, 0, len(runs))
	for _, r := range runs {
		out = append(out, runSnapshot{
			BrainRunID: r.BrainRunID,
			BrainName:  r.BrainName,
			BrainTitle: r.BrainTitle,
			Status:     r.Status,
		})
	}
	payload, err := json.Marshal(gin.H{"running": out})
	if err != nil {
		return false
	}
	return writeFrame(c, payload)
}

func sseHeaders(c *gin.Context) {
	h := c.Writer.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	c.Writer.WriteHeader(http.StatusOK)
}

// writeSSE frames one event as "data: <json>\n\n".
func writeSSE(c *gin.Context, ev *models.Event) bool {
	payload, err := json.Marshal(ev)
	if err != nil {
		return false
	}
	return writeFrame(c, payload)
}

func writeFrame(c *gin.Context, payload []byte) bool {
	if _, err := c.Writer.Write([]byte("data: ")); err != nil {
		return false
	}
	if _, err := c.Writer.Write(payload); err != nil {
		return false
	}
	_, err := c.Writer.Write([]byte("\n\n"))
	return err == nil
}
