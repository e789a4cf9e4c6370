package api

import (
	"fmt"

	"github.com/cerebro-sh/cerebro/pkg/brain"
)

// StartRunRequest is the body of POST /brains/runs.
type StartRunRequest struct {
	Identifier string         `json:"identifier" binding:"required"`
	Options    map[string]any `json:"options"`
}

// RerunRequest is the body of POST /brains/runs/rerun. StartsAt and
// StopsAfter accept either a zero-based block index (number) or a block
// title (string).
type RerunRequest struct {
	Identifier string         `json:"identifier"`
	RunID      string         `json:"runId"`
	Options    map[string]any `json:"options"`
	StartsAt   any            `json:"startsAt"`
	StopsAfter any            `json:"stopsAfter"`
}

// MessageRequest is the body of POST /brains/runs/:runId/message.
type MessageRequest struct {
	Message string `json:"message" binding:"required"`
}

// resolveBlockRef maps a block reference (index or title) to a block index.
func resolveBlockRef(b *brain.Brain, ref any) (int, error) {
	switch v := ref.(type) {
	case nil:
		return -1, nil
	case float64:
		idx := int(v)
		if idx < 0 || idx >= len(b.Blocks) {
			return 0, fmt.Errorf("block index %d out of range", idx)
		}
		return idx, nil
	case string:
		for i := range b.Blocks {
			if b.Blocks[i].Title == v || b.Blocks[i].ID == v {
				return i, nil
			}
		}
		return 0, fmt.Errorf("no block titled %q", v)
	default:
		return 0, fmt.Errorf("block reference must be an index or a title")
	}
}

// candidateList renders a resolution's candidates for the 300 response.
func candidateList(brains []*brain.Brain) []map[string]string {
	out := make([]map[string]string, 0, len(brains))
	for _, b := range brains {
		out = append(out, map[string]string{
			"name":        b.Name,
			"title":       b.Title,
			"description": b.Description,
		})
	}
	return out
}
