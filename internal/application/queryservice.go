package application

import (
	"context"
	"time"

	"github.com/followstars/followstars/internal/domain/model"
	"github.com/followstars/followstars/internal/domain/port/driven"
)

// QueryService is a read-only façade over the Store for renderers: the
// RSS feed, the JSON API, and the status/options views. It never mutates
// state and consumes a consistent storage snapshot on every call.
type QueryService struct {
	store driven.Store
}

// NewQueryService builds a QueryService over store.
func NewQueryService(store driven.Store) *QueryService {
	return &QueryService{store: store}
}

// RecentForFeed returns the most recent star events, newest-first by
// FetchedAt, limited to limit rows.
func (q *QueryService) RecentForFeed(ctx context.Context, limit int) ([]model.StarEvent, error) {
	return q.store.RecentEventsForFeed(ctx, limit)
}

// Query runs a paged, filtered read.
func (q *QueryService) Query(ctx context.Context, query driven.StarQuery) (driven.StarQueryResult, error) {
	return q.store.QueryStars(ctx, query.Normalized())
}

// Options returns facet counts for languages, activity tiers, and users.
func (q *QueryService) Options(ctx context.Context) (driven.OptionsSnapshot, error) {
	return q.store.Options(ctx)
}

// NextCheckSummary returns MIN(next_check_at) grouped by activity tier.
func (q *QueryService) NextCheckSummary(ctx context.Context, now time.Time) (driven.NextCheckSummary, error) {
	return q.store.NextCheckSummary(ctx, now)
}
