// Package knowledge answers read-only similarity searches used as RCA context.
package knowledge

import (
	"context"
	"errors"
	"log/slog"

	"github.com/miradorstack/triage-agent/internal/models"
)

// DefaultLimit caps results when a query does not set Limit.
const DefaultLimit = 5

// Query is a knowledge-base search. Text drives similarity; Services and
// Levels let rule-based sources match without free-text recall.
type Query struct {
	Text     string
	Services []string
	Levels   []models.Level
	Limit    int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultLimit
	}
	return q.Limit
}

// Searcher returns documents ordered by relevance.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]models.Document, error)
}

// Empty is a Searcher with no documents.
type Empty struct{}

// Search implements Searcher.
func (Empty) Search(context.Context, Query) ([]models.Document, error) { return nil, nil }

// Multi queries each searcher in order and concatenates their results.
// A failing source is logged and skipped; Search only fails when every
// source failed.
type Multi struct {
	searchers []Searcher
	logger    *slog.Logger
}

// NewMulti combines searchers; nil entries are ignored.
func NewMulti(logger *slog.Logger, searchers ...Searcher) *Multi {
	if logger == nil {
		logger = slog.Default()
	}
	kept := make([]Searcher, 0, len(searchers))
	for _, s := range searchers {
		if s != nil {
			kept = append(kept, s)
		}
	}
	return &Multi{searchers: kept, logger: logger}
}

// Search implements Searcher.
func (m *Multi) Search(ctx context.Context, q Query) ([]models.Document, error) {
	limit := q.limit()
	seen := make(map[string]struct{})
	var docs []models.Document
	var errs []error
	for _, s := range m.searchers {
		found, err := s.Search(ctx, q)
		if err != nil {
			m.logger.Warn("knowledge source failed", "error", err)
			errs = append(errs, err)
			continue
		}
		for _, d := range found {
			key := d.Source + "\x00" + d.Title
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			docs = append(docs, d)
		}
	}
	if len(errs) > 0 && len(errs) == len(m.searchers) {
		return nil, errors.Join(errs...)
	}
	if len(docs) > limit {
		docs = docs[:limit]
	}
	return docs, nil
}
