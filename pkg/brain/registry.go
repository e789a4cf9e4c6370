package brain

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// MatchType classifies an identifier resolution.
type MatchType string

// Resolution outcomes.
const (
	MatchUnique   MatchType = "unique"
	MatchNone     MatchType = "none"
	MatchMultiple MatchType = "multiple"
)

// Resolution is the outcome of resolving a brain identifier.
type Resolution struct {
	MatchType  MatchType
	Brain      *Brain
	Candidates []*Brain
}

// Registry holds the registered brains. The dispatcher receives one at
// construction; there is no global state.
type Registry struct {
	mu     sync.RWMutex
	brains map[string]*Brain
	order  []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{brains: make(map[string]*Brain)}
}

// Register adds a brain under its Name. Duplicate names are rejected.
func (r *Registry) Register(b *Brain) error {
	if b.Name == "" {
		return fmt.Errorf("brain has no name")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.brains[b.Name]; ok {
		return fmt.Errorf("brain %q already registered", b.Name)
	}
	r.brains[b.Name] = b
	r.order = append(r.order, b.Name)
	return nil
}

// List returns all brains in registration order.
func (r *Registry) List() []*Brain {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Brain, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.brains[name])
	}
	return out
}

// Search returns brains whose name or title contains the query,
// case-insensitive, sorted by name. An empty query returns everything.
func (r *Registry) Search(query string) []*Brain {
	all := r.List()
	if query == "" {
		return all
	}
	q := strings.ToLower(query)
	var out []*Brain
	for _, b := range all {
		if strings.Contains(strings.ToLower(b.Name), q) || strings.Contains(strings.ToLower(b.Title), q) {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Resolve maps an identifier to a brain. Precedence: exact name, exact
// title, then fuzzy (case-insensitive substring of name or title). The
// result classifies into unique, none, or multiple with candidates.
func (r *Registry) Resolve(identifier string) Resolution {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if b, ok := r.brains[identifier]; ok {
		return Resolution{MatchType: MatchUnique, Brain: b}
	}

	var titleMatches []*Brain
	for _, name := range r.order {
		if r.brains[name].Title == identifier {
			titleMatches = append(titleMatches, r.brains[name])
		}
	}
	if res, done := classify(titleMatches); done {
		return res
	}

	q := strings.ToLower(identifier)
	var fuzzy []*Brain
	for _, name := range r.order {
		b := r.brains[name]
		if strings.Contains(strings.ToLower(b.Name), q) || strings.Contains(strings.ToLower(b.Title), q) {
			fuzzy = append(fuzzy, b)
		}
	}
	res, _ := classify(fuzzy)
	return res
}

func classify(matches []*Brain) (Resolution, bool) {
	switch len(matches) {
	case 0:
		return Resolution{MatchType: MatchNone}, false
	case 1:
		return Resolution{MatchType: MatchUnique, Brain: matches[0]}, true
	default:
		return Resolution{MatchType: MatchMultiple, Candidates: matches}, true
	}
}
