// Package driven declares the ports the application layer depends on:
// durable storage (Store) and the remote forge (ForgeClient). Adapters in
// internal/adapter/driven implement them.
package driven

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/followstars/followstars/internal/domain/model"
)

// StarQuery filters and pages a read over StarEvent rows, joined with the
// owning FollowedUser's login. Page and PageSize are normalized to >= 1 by
// NormalizedKey/the Store implementation before use.
type StarQuery struct {
	Search     string // case-insensitive substring over repo_full_name and repo_description.
	Language   string // case-insensitive equality; empty means unfiltered.
	Activity   model.ActivityTier
	User       string
	UserMode   model.UserFilterMode
	Sort       model.StarSort
	Page       int
	PageSize   int
}

// Normalized returns q with Page/PageSize floored at 1, matching the
// original implementation's page()/page_size() accessors.
func (q StarQuery) Normalized() StarQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = 1
	}
	return q
}

// NormalizedKey builds a stable, sorted "key=value&..." string suitable for
// deriving a weak ETag, so that equivalent queries always hash the same way
// regardless of field order.
func (q StarQuery) NormalizedKey() string {
	q = q.Normalized()
	pairs := []string{
		"activity=" + string(q.Activity),
		"language=" + strings.ToLower(q.Language),
		"page=" + strconv.Itoa(q.Page),
		"page_size=" + strconv.Itoa(q.PageSize),
		"search=" + strings.ToLower(q.Search),
		"sort=" + string(q.Sort),
		"user=" + strings.ToLower(q.User),
		"user_mode=" + string(q.UserMode),
	}
	out := pairs[0]
	for _, p := range pairs[1:] {
		out += "&" + p
	}
	return out
}

// StarQueryResult is the output of a paged StarQuery: the matching page of
// items, the total count across all pages, and the newest FetchedAt across
// the whole filtered set (used for the weak ETag and "last updated" display).
type StarQueryResult struct {
	Items         []model.StarEvent
	Total         int64
	NewestFetched *time.Time
}

// LanguageStat is one facet row in OptionsSnapshot.
type LanguageStat struct {
	Language string
	Count    int64
}

// ActivityTierStat is one facet row in OptionsSnapshot.
type ActivityTierStat struct {
	Tier  model.ActivityTier
	Count int64
}

// UserStat is one facet row in OptionsSnapshot.
type UserStat struct {
	Login string
	Count int64
}

// OptionsSnapshot is the facet summary backing GET /api/options.
type OptionsSnapshot struct {
	Languages []LanguageStat
	Activity  []ActivityTierStat
	Users     []UserStat
	UpdatedAt time.Time
}

// Fingerprint returns a stable string encoding of the snapshot's contents,
// used to derive a weak ETag without re-serializing to JSON twice.
func (s OptionsSnapshot) Fingerprint() string {
	out := ""
	for _, l := range s.Languages {
		out += "lang:" + l.Language + "=" + strconv.FormatInt(l.Count, 10) + "|"
	}
	for _, a := range s.Activity {
		out += "activity:" + string(a.Tier) + "=" + strconv.FormatInt(a.Count, 10) + "|"
	}
	for _, u := range s.Users {
		out += "user:" + u.Login + "=" + strconv.FormatInt(u.Count, 10) + "|"
	}
	out += "updated=" + s.UpdatedAt.UTC().Format(time.RFC3339)
	return out
}

// NextCheckSummary is MIN(next_check_at) grouped by activity tier, backing
// GET /api/status.
type NextCheckSummary struct {
	High    *time.Time
	Medium  *time.Time
	Low     *time.Time
	Unknown *time.Time
}

// Store is the durable record of followed users, their polling state, and
// ingested star events. A single logical writer performs all mutations;
// reads observe a consistent snapshot and never block on a write lock.
type Store interface {
	// Init creates tables and indices if absent, applies additive schema
	// evolution (new columns), and backfills derived columns. Idempotent.
	Init(ctx context.Context) error

	// UpsertFollowings inserts users missing from the store with
	// IntervalMin = initialInterval, NextCheckAt = now, ActivityTier = low,
	// StarCount = 0. Existing users have only Login refreshed. Atomic.
	UpsertFollowings(ctx context.Context, users []model.Following, initialInterval int64) error

	// DueUsers returns every user with NextCheckAt <= now, ordered by
	// NextCheckAt ascending.
	DueUsers(ctx context.Context, now time.Time) ([]model.FollowedUser, error)

	// RecordNotModified advances LastFetchedAt and recomputes NextCheckAt
	// from fetchedAt + jitter(intervalMinutes). Does not touch star_count,
	// last_starred_at, ema_minutes, or fetch_interval_minutes.
	RecordNotModified(ctx context.Context, userID int64, fetchedAt time.Time, intervalMinutes int64) error

	// DeferUser sets NextCheckAt = now + wait. If the user's current
	// IntervalMin is 0, it is seeded to max(1, minutes(wait)).
	DeferUser(ctx context.Context, userID int64, now time.Time, wait time.Duration) error

	// InsertStarEvents transactionally inserts events (ignoring duplicates
	// on the unique key), advances LastStarredAt only if the batch advances
	// it, updates cache validators, invokes CadenceEngine, and writes the
	// resulting IntervalMin/EMAMinutes/ActivityTier/StarCount/NextCheckAt.
	// Returns the newly chosen interval in minutes.
	InsertStarEvents(ctx context.Context, user model.FollowedUser, events []model.StarEvent, fetchedAt time.Time, etag, lastModified *string, cfg model.CadenceConfig) (int64, error)

	// RecentEventsForFeed returns the most recent star events, newest first
	// by FetchedAt, limited to limit rows.
	RecentEventsForFeed(ctx context.Context, limit int) ([]model.StarEvent, error)

	// QueryStars runs a paged, filtered read per StarQuery's semantics.
	QueryStars(ctx context.Context, q StarQuery) (StarQueryResult, error)

	// Options returns facet counts for languages, activity tiers, and users.
	Options(ctx context.Context) (OptionsSnapshot, error)

	// NextCheckSummary returns MIN(next_check_at) grouped by activity tier.
	NextCheckSummary(ctx context.Context, now time.Time) (NextCheckSummary, error)

	// Close releases the underlying storage handle.
	Close() error
}
