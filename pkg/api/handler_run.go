package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/cerebro-sh/cerebro/pkg/brain"
	"github.com/cerebro-sh/cerebro/pkg/models"
)

// startRun handles POST /brains/runs.
func (s *Server) startRun(c *gin.Context) {
	var req StartRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	res := s.registry.Resolve(req.Identifier)
	switch res.MatchType {
	case brain.MatchNone:
		c.JSON(http.StatusNotFound, gin.H{"matchType": "none", "error": "no brain matches identifier"})
		return
	case brain.MatchMultiple:
		c.JSON(http.StatusMultipleChoices, gin.H{
			"matchType":  "multiple",
			"candidates": candidateList(res.Candidates),
		})
		return
	}

	header, err := s.manager.StartRun(c.Request.Context(), res.Brain, req.Options)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"brainRunId": header.BrainRunID})
}

// rerun handles POST /brains/runs/rerun. With a source runId the new run
// inherits the folded state up to startsAt; without one it is a fresh run
// bounded to the requested block window.
func (s *Server) rerun(c *gin.Context) {
	var req RerunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var target *brain.Brain
	if req.Identifier != "" {
		res := s.registry.Resolve(req.Identifier)
		switch res.MatchType {
		case brain.MatchNone:
			c.JSON(http.StatusNotFound, gin.H{"matchType": "none", "error": "no brain matches identifier"})
			return
		case brain.MatchMultiple:
			c.JSON(http.StatusMultipleChoices, gin.H{
				"matchType":  "multiple",
				"candidates": candidateList(res.Candidates),
			})
			return
		}
		target = res.Brain
	} else if req.RunID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "identifier or runId is required"})
		return
	}

	if target == nil {
		source, err := s.store.GetRun(c.Request.Context(), req.RunID)
		if err != nil {
			abortWithError(c, err)
			return
		}
		res := s.registry.Resolve(source.BrainName)
		if res.MatchType != brain.MatchUnique {
			c.JSON(http.StatusNotFound, gin.H{"error": "brain of source run is no longer registered"})
			return
		}
		target = res.Brain
	}

	startsAt, err := resolveBlockRef(target, req.StartsAt)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if startsAt < 0 {
		startsAt = 0
	}
	stopIdx, err := resolveBlockRef(target, req.StopsAfter)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	stopsAfter := 0
	if stopIdx >= 0 {
		stopsAfter = stopIdx + 1
	}

	var header *models.Run
	if req.RunID != "" {
		header, err = s.manager.Rerun(c.Request.Context(), req.RunID, startsAt, stopsAfter)
	} else {
		header, err = s.manager.StartPartial(c.Request.Context(), target, req.Options, startsAt, stopsAfter)
	}
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"brainRunId": header.BrainRunID})
}

// getRun handles GET /brains/runs/:runId.
func (s *Server) getRun(c *gin.Context) {
	header, err := s.store.GetRun(c.Request.Context(), c.Param("runId"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, header)
}

// killRun handles DELETE /brains/runs/:runId. Idempotent.
func (s *Server) killRun(c *gin.Context) {
	if err := s.manager.Kill(c.Request.Context(), c.Param("runId")); err != nil {
		abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// pauseRun handles POST /brains/runs/:runId/pause.
func (s *Server) pauseRun(c *gin.Context) {
	if err := s.manager.Pause(c.Request.Context(), c.Param("runId")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "pause requested"})
}

// resumeRun handles POST /brains/runs/:runId/resume.
func (s *Server) resumeRun(c *gin.Context) {
	if err := s.manager.ResumeRun(c.Request.Context(), c.Param("runId")); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// sendMessage handles POST /brains/runs/:runId/message. The message is
// buffered until the run's next agent iteration.
func (s *Server) sendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.manager.SendUserMessage(c.Request.Context(), c.Param("runId"), req.Message); err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "buffered"})
}
