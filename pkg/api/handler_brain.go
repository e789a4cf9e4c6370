package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/cerebro-sh/cerebro/pkg/brain"
	"github.com/cerebro-sh/cerebro/pkg/eventlog"
	"github.com/cerebro-sh/cerebro/pkg/models"
)

// brainSummary is the catalog view of one brain.
type brainSummary struct {
	Name        string `json:"name"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
	StepCount   int    `json:"stepCount"`
}

// listBrains handles GET /brains, optionally filtered by ?q=.
func (s *Server) listBrains(c *gin.Context) {
	brains := s.registry.Search(c.Query("q"))
	out := make([]brainSummary, 0, len(brains))
	for _, b := range brains {
		out = append(out, brainSummary{
			Name:        b.Name,
			Title:       b.Title,
			Description: b.Description,
			StepCount:   len(b.Blocks),
		})
	}
	c.JSON(http.StatusOK, gin.H{"brains": out, "count": len(out)})
}

// getBrain handles GET /brains/:identifier, returning the nested structure.
func (s *Server) getBrain(c *gin.Context) {
	res := s.registry.Resolve(c.Param("identifier"))
	switch res.MatchType {
	case brain.MatchNone:
		c.JSON(http.StatusNotFound, gin.H{"matchType": "none", "error": "no brain matches identifier"})
	case brain.MatchMultiple:
		c.JSON(http.StatusMultipleChoices, gin.H{
			"matchType":  "multiple",
			"candidates": candidateList(res.Candidates),
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"name":        res.Brain.Name,
			"title":       res.Brain.Title,
			"description": res.Brain.Description,
			"steps":       res.Brain.Structure(),
		})
	}
}

// activeRuns handles GET /brains/:identifier/active-runs.
func (s *Server) activeRuns(c *gin.Context) {
	s.listRunsFor(c, eventlog.ListFilter{Status: models.RunStatusRunning})
}

// runHistory handles GET /brains/:identifier/history, with ?limit=.
func (s *Server) runHistory(c *gin.Context) {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	s.listRunsFor(c, eventlog.ListFilter{Limit: limit})
}

func (s *Server) listRunsFor(c *gin.Context, filter eventlog.ListFilter) {
	res := s.registry.Resolve(c.Param("identifier"))
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
	filter.BrainName = res.Brain.Name

	runs, err := s.store.ListRuns(c.Request.Context(), filter)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}
