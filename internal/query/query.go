// Package query projects the event store through a feed filter and a free
// text search.
package query

import (
	"strings"
	"sync"

	"marketfeed/models"
)

// Criteria selects events. The zero value matches everything.
type Criteria struct {
	Feed   models.Feed `json:"feed"`
	Search string      `json:"search"`
}

// NewCriteria normalises the feed filter.
func NewCriteria(feed, search string) Criteria {
	return Criteria{Feed: models.ParseFeed(feed), Search: search}
}

func (c Criteria) allFeeds() bool {
	return c.Feed == "" || c.Feed == models.AllFeeds
}

// Match reports whether ev passes both the feed filter and the search.
func Match(ev models.MarketEvent, c Criteria) bool {
	if !c.allFeeds() && ev.Feed != c.Feed {
		return false
	}
	if c.Search == "" {
		return true
	}
	return matchSearch(ev, strings.ToLower(c.Search))
}

// matchSearch expects an already lower-cased query.
func matchSearch(ev models.MarketEvent, q string) bool {
	return contains(string(ev.Feed), q) ||
		contains(string(ev.Type), q) ||
		contains(ev.Description, q) ||
		strings.Contains(ev.PriceText(), q) ||
		strings.Contains(ev.QuantityText(), q) ||
		strings.Contains(ev.Total().StringFixed(2), q) ||
		strings.Contains(ev.Clock(), q)
}

func contains(field, q string) bool {
	return strings.Contains(strings.ToLower(field), q)
}

// Filter returns the events matching c in their original order. The input is
// never modified.
func Filter(events []models.MarketEvent, c Criteria) []models.MarketEvent {
	out := make([]models.MarketEvent, 0, len(events))
	if c.allFeeds() && c.Search == "" {
		return append(out, events...)
	}

	q := strings.ToLower(c.Search)
	for _, ev := range events {
		if !c.allFeeds() && ev.Feed != c.Feed {
			continue
		}
		if q != "" && !matchSearch(ev, q) {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// Source is the read side of the event store.
type Source interface {
	Version() uint64
	View() ([]models.MarketEvent, uint64)
}

type memoKey struct {
	version  uint64
	criteria Criteria
}

// Engine keeps the current criteria and caches the last projection, keyed on
// the store version and the criteria, so repeated reads are free until one of
// them changes.
type Engine struct {
	src Source

	mu         sync.Mutex
	criteria   Criteria
	key        memoKey
	valid      bool
	results    []models.MarketEvent
	recomputes uint64
}

func NewEngine(src Source) *Engine {
	return &Engine{src: src, criteria: Criteria{Feed: models.AllFeeds}}
}

func (e *Engine) SetFeed(feed models.Feed) {
	if feed == "" {
		feed = models.AllFeeds
	}
	e.mu.Lock()
	e.criteria.Feed = feed
	e.mu.Unlock()
}

func (e *Engine) SetSearch(search string) {
	e.mu.Lock()
	e.criteria.Search = search
	e.mu.Unlock()
}

func (e *Engine) Criteria() Criteria {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.criteria
}

// Results returns the projection for the current criteria. The slice is a
// copy; callers may keep it.
func (e *Engine) Results() []models.MarketEvent {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := memoKey{version: e.src.Version(), criteria: e.criteria}
	if !e.valid || key != e.key {
		events, version := e.src.View()
		e.results = Filter(events, e.criteria)
		e.key = memoKey{version: version, criteria: e.criteria}
		e.valid = true
		e.recomputes++
	}

	out := make([]models.MarketEvent, len(e.results))
	copy(out, e.results)
	return out
}

// Recomputes counts how many times the projection was rebuilt.
func (e *Engine) Recomputes() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.recomputes
}
