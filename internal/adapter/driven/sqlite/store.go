// Package sqlite implements the Store port on top of a dual reader/writer
// SQLite connection pair. The writer is serialized to a single connection;
// readers observe a WAL snapshot and never block on the writer.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/followstars/followstars/internal/domain/cadence"
	"github.com/followstars/followstars/internal/domain/model"
	"github.com/followstars/followstars/internal/domain/port/driven"
)

// Store implements driven.Store over a *DB.
type Store struct {
	db  *DB
	rng *rand.Rand
}

var _ driven.Store = (*Store)(nil)

// NewStore wraps db as a Store. rng sources the jitter perturbation applied
// to next_check_at; pass rand.New(rand.NewSource(time.Now().UnixNano())) in
// production.
func NewStore(db *DB, rng *rand.Rand) *Store {
	return &Store{db: db, rng: rng}
}

// Init delegates to the package-level idempotent schema bootstrap.
func (s *Store) Init(ctx context.Context) error {
	return initSchema(ctx, s.db.Writer)
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func parseTime(raw string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, raw)
}

func parseOptionalTime(raw sql.NullString) (*time.Time, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	t, err := parseTime(raw.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func (s *Store) UpsertFollowings(ctx context.Context, users []model.Following, initialInterval int64) error {
	if len(users) == 0 {
		return nil
	}

	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin upsert followings: %w", err)
	}
	defer tx.Rollback()

	now := formatTime(time.Now())
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO users (user_id, login, last_starred_at, last_fetched_at, etag, last_modified, fetch_interval_minutes, next_check_at, activity_tier, star_count)
		VALUES (?, ?, NULL, NULL, NULL, NULL, ?, ?, 'low', 0)
		ON CONFLICT(user_id) DO UPDATE SET login = excluded.login
	`)
	if err != nil {
		return fmt.Errorf("prepare upsert followings: %w", err)
	}
	defer stmt.Close()

	for _, u := range users {
		if _, err := stmt.ExecContext(ctx, u.UserID, u.Login, initialInterval, now); err != nil {
			return fmt.Errorf("upsert following %s: %w", u.Login, err)
		}
	}

	return tx.Commit()
}

const userColumns = `user_id, login, last_starred_at, last_fetched_at, etag, last_modified, fetch_interval_minutes, next_check_at, activity_tier, ema_minutes, star_count`

func scanUser(row interface {
	Scan(dest ...any) error
}) (model.FollowedUser, error) {
	var (
		u                                    model.FollowedUser
		lastStarred, lastFetched             sql.NullString
		etag, lastModified, tier             sql.NullString
		nextCheckRaw                         string
		ema                                  sql.NullFloat64
	)
	if err := row.Scan(&u.UserID, &u.Login, &lastStarred, &lastFetched, &etag, &lastModified, &u.IntervalMin, &nextCheckRaw, &tier, &ema, &u.StarCount); err != nil {
		return model.FollowedUser{}, err
	}

	var err error
	if u.LastStarredAt, err = parseOptionalTime(lastStarred); err != nil {
		return model.FollowedUser{}, fmt.Errorf("parse last_starred_at: %w", err)
	}
	if u.LastFetchedAt, err = parseOptionalTime(lastFetched); err != nil {
		return model.FollowedUser{}, fmt.Errorf("parse last_fetched_at: %w", err)
	}
	if u.NextCheckAt, err = parseTime(nextCheckRaw); err != nil {
		return model.FollowedUser{}, fmt.Errorf("parse next_check_at: %w", err)
	}
	if etag.Valid {
		v := etag.String
		u.ETag = &v
	}
	if lastModified.Valid {
		v := lastModified.String
		u.LastModified = &v
	}
	if tier.Valid {
		u.ActivityTier = model.ActivityTier(tier.String)
	} else {
		u.ActivityTier = model.TierUnknown
	}
	if ema.Valid {
		v := ema.Float64
		u.EMAMinutes = &v
	}
	return u, nil
}

func (s *Store) DueUsers(ctx context.Context, now time.Time) ([]model.FollowedUser, error) {
	rows, err := s.db.Reader.QueryContext(ctx, `
		SELECT `+userColumns+`
		FROM users
		WHERE next_check_at <= ?
		ORDER BY next_check_at ASC
	`, formatTime(now))
	if err != nil {
		return nil, fmt.Errorf("query due users: %w", err)
	}
	defer rows.Close()

	var out []model.FollowedUser
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *Store) RecordNotModified(ctx context.Context, userID int64, fetchedAt time.Time, intervalMinutes int64) error {
	next := fetchedAt.Add(time.Duration(cadence.Jitter(intervalMinutes, s.rng)) * time.Minute)
	_, err := s.db.Writer.ExecContext(ctx, `
		UPDATE users SET last_fetched_at = ?, next_check_at = ? WHERE user_id = ?
	`, formatTime(fetchedAt), formatTime(next), userID)
	if err != nil {
		return fmt.Errorf("record not modified for user %d: %w", userID, err)
	}
	return nil
}

func (s *Store) DeferUser(ctx context.Context, userID int64, now time.Time, wait time.Duration) error {
	next := now.Add(wait)
	waitMinutes := int64(wait / time.Minute)
	if waitMinutes < 1 {
		waitMinutes = 1
	}
	_, err := s.db.Writer.ExecContext(ctx, `
		UPDATE users
		SET next_check_at = ?,
		    fetch_interval_minutes = CASE WHEN fetch_interval_minutes = 0 THEN ? ELSE fetch_interval_minutes END
		WHERE user_id = ?
	`, formatTime(next), waitMinutes, userID)
	if err != nil {
		return fmt.Errorf("defer user %d: %w", userID, err)
	}
	return nil
}

// InsertStarEvents is the one operation that also drives CadenceEngine: it
// inserts the batch, recomputes gaps against the pre-batch last_starred_at,
// derives the new interval/EMA/tier, and writes the resulting polling state
// in the same transaction.
func (s *Store) InsertStarEvents(ctx context.Context, user model.FollowedUser, events []model.StarEvent, fetchedAt time.Time, etag, lastModified *string, cfg model.CadenceConfig) (int64, error) {
	tx, err := s.db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin insert star events: %w", err)
	}
	defer tx.Rollback()

	sorted := append([]model.StarEvent(nil), events...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].StarredAt.Before(sorted[j].StarredAt) })

	insertStmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO stars (user_id, repo_full_name, repo_description, repo_language, repo_topics, repo_html_url, starred_at, fetched_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return 0, fmt.Errorf("prepare insert star: %w", err)
	}
	defer insertStmt.Close()

	inserted := 0
	for _, ev := range sorted {
		topics, err := json.Marshal(ev.RepoTopics)
		if err != nil {
			return 0, fmt.Errorf("marshal repo_topics: %w", err)
		}
		res, err := insertStmt.ExecContext(ctx, user.UserID, ev.RepoFullName, nullableString(ev.RepoDescription), nullableString(ev.RepoLanguage), string(topics), ev.RepoHTMLURL, formatTime(ev.StarredAt), formatTime(ev.FetchedAt))
		if err != nil {
			return 0, fmt.Errorf("insert star event %s: %w", ev.RepoFullName, err)
		}
		if n, _ := res.RowsAffected(); n > 0 {
			inserted++
		}
	}

	var newStarCount int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM stars WHERE user_id = ?`, user.UserID).Scan(&newStarCount); err != nil {
		return 0, fmt.Errorf("count stars for user %d: %w", user.UserID, err)
	}

	gaps := computeGaps(user.LastStarredAt, sorted)

	var histAvg *float64
	if newStarCount >= 3 && user.EMAMinutes == nil {
		if avg, ok, err := historicalAverageGap(ctx, tx, user.UserID); err != nil {
			return 0, err
		} else if ok {
			histAvg = &avg
		}
	}

	out := cadence.ComputeCadence(cadence.CadenceInput{
		Config:               cfg,
		PrevIntervalMinutes:  user.IntervalMin,
		PrevStarCount:        user.StarCount,
		PrevEMAMinutes:       user.EMAMinutes,
		NewStarCount:         newStarCount,
		Gaps:                 gaps,
		HistoricalAverageGap: histAvg,
	})

	newLastStarred := user.LastStarredAt
	for _, ev := range sorted {
		if newLastStarred == nil || ev.StarredAt.After(*newLastStarred) {
			t := ev.StarredAt
			newLastStarred = &t
		}
	}

	next := fetchedAt.Add(time.Duration(cadence.Jitter(out.IntervalMinutes, s.rng)) * time.Minute)

	_, err = tx.ExecContext(ctx, `
		UPDATE users
		SET last_starred_at = ?,
		    last_fetched_at = ?,
		    etag = ?,
		    last_modified = ?,
		    fetch_interval_minutes = ?,
		    ema_minutes = ?,
		    activity_tier = ?,
		    star_count = ?,
		    next_check_at = ?
		WHERE user_id = ?
	`, formatOptionalTime(newLastStarred), formatTime(fetchedAt), nullableString(etag), nullableString(lastModified),
		out.IntervalMinutes, emaValue(out.EMAMinutes), string(out.Tier), newStarCount, formatTime(next), user.UserID)
	if err != nil {
		return 0, fmt.Errorf("update user %d after star insert: %w", user.UserID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit insert star events: %w", err)
	}
	return out.IntervalMinutes, nil
}

func emaValue(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

// computeGaps mirrors process_user's gap computation: strictly-positive
// minute-gaps between the pre-batch last_starred_at and each subsequent
// event, in chronological order.
func computeGaps(seed *time.Time, sorted []model.StarEvent) []float64 {
	var gaps []float64
	prev := seed
	for _, ev := range sorted {
		if prev != nil {
			g := ev.StarredAt.Sub(*prev).Minutes()
			if g > 0 {
				gaps = append(gaps, g)
			}
		}
		t := ev.StarredAt
		prev = &t
	}
	return gaps
}

// historicalAverageGap computes the average of positive consecutive gaps
// across every stored star event for the user, used to bootstrap the EMA
// the first time a user's star_count crosses the threshold.
func historicalAverageGap(ctx context.Context, tx *sql.Tx, userID int64) (float64, bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT starred_at FROM stars WHERE user_id = ? ORDER BY starred_at ASC`, userID)
	if err != nil {
		return 0, false, fmt.Errorf("query historical stars for user %d: %w", userID, err)
	}
	defer rows.Close()

	var times []time.Time
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return 0, false, fmt.Errorf("scan starred_at: %w", err)
		}
		t, err := parseTime(raw)
		if err != nil {
			return 0, false, fmt.Errorf("parse starred_at: %w", err)
		}
		times = append(times, t)
	}
	if err := rows.Err(); err != nil {
		return 0, false, err
	}

	var sum float64
	var n int
	for i := 1; i < len(times); i++ {
		g := times[i].Sub(times[i-1]).Minutes()
		if g > 0 {
			sum += g
			n++
		}
	}
	if n == 0 {
		return 0, false, nil
	}
	return sum / float64(n), true, nil
}

func (s *Store) RecentEventsForFeed(ctx context.Context, limit int) ([]model.StarEvent, error) {
	rows, err := s.db.Reader.QueryContext(ctx, `
		SELECT s.user_id, u.login, s.repo_full_name, s.repo_html_url, s.repo_description, s.repo_language, s.repo_topics, s.starred_at, s.fetched_at, s.id
		FROM stars s
		JOIN users u ON u.user_id = s.user_id
		ORDER BY s.fetched_at DESC, s.id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()
	return scanStarEvents(rows)
}

func scanStarEvents(rows *sql.Rows) ([]model.StarEvent, error) {
	var out []model.StarEvent
	for rows.Next() {
		var (
			ev                        model.StarEvent
			description, language     sql.NullString
			topicsRaw                 string
			starredRaw, fetchedRaw    string
		)
		if err := rows.Scan(&ev.UserID, &ev.Login, &ev.RepoFullName, &ev.RepoHTMLURL, &description, &language, &topicsRaw, &starredRaw, &fetchedRaw, &ev.IngestSequence); err != nil {
			return nil, fmt.Errorf("scan star event: %w", err)
		}
		var err error
		if ev.StarredAt, err = parseTime(starredRaw); err != nil {
			return nil, fmt.Errorf("parse starred_at: %w", err)
		}
		if ev.FetchedAt, err = parseTime(fetchedRaw); err != nil {
			return nil, fmt.Errorf("parse fetched_at: %w", err)
		}
		if description.Valid {
			v := description.String
			ev.RepoDescription = &v
		}
		if language.Valid {
			v := language.String
			ev.RepoLanguage = &v
		}
		if topicsRaw != "" {
			if err := json.Unmarshal([]byte(topicsRaw), &ev.RepoTopics); err != nil {
				return nil, fmt.Errorf("unmarshal repo_topics: %w", err)
			}
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (s *Store) QueryStars(ctx context.Context, q driven.StarQuery) (driven.StarQueryResult, error) {
	q = q.Normalized()

	where := []string{"1=1"}
	args := []any{}

	if q.Search != "" {
		where = append(where, "(LOWER(s.repo_full_name) LIKE ? OR LOWER(s.repo_description) LIKE ?)")
		needle := "%" + strings.ToLower(q.Search) + "%"
		args = append(args, needle, needle)
	}
	if q.Language != "" {
		where = append(where, "LOWER(s.repo_language) = ?")
		args = append(args, strings.ToLower(q.Language))
	}
	if q.Activity != "" {
		if q.Activity == model.TierUnknown {
			where = append(where, "u.activity_tier IS NULL")
		} else {
			where = append(where, "u.activity_tier = ?")
			args = append(args, string(q.Activity))
		}
	}
	if q.User != "" {
		switch q.UserMode {
		case model.UserFilterExclude:
			where = append(where, "u.login != ?")
		default:
			where = append(where, "u.login = ?")
		}
		args = append(args, q.User)
	}

	whereClause := strings.Join(where, " AND ")

	var total int64
	var newestRaw sql.NullString
	countQuery := fmt.Sprintf(`
		SELECT COUNT(*), MAX(s.fetched_at)
		FROM stars s JOIN users u ON u.user_id = s.user_id
		WHERE %s
	`, whereClause)
	if err := s.db.Reader.QueryRowContext(ctx, countQuery, args...).Scan(&total, &newestRaw); err != nil {
		return driven.StarQueryResult{}, fmt.Errorf("count stars: %w", err)
	}

	order := "s.fetched_at DESC, s.id DESC"
	if q.Sort == model.SortAlpha {
		order = "s.repo_full_name ASC, s.id DESC"
	}

	offset := (q.Page - 1) * q.PageSize
	selectQuery := fmt.Sprintf(`
		SELECT s.user_id, u.login, s.repo_full_name, s.repo_html_url, s.repo_description, s.repo_language, s.repo_topics, s.starred_at, s.fetched_at, s.id
		FROM stars s JOIN users u ON u.user_id = s.user_id
		WHERE %s
		ORDER BY %s
		LIMIT ? OFFSET ?
	`, whereClause, order)
	pageArgs := append(append([]any{}, args...), q.PageSize, offset)

	rows, err := s.db.Reader.QueryContext(ctx, selectQuery, pageArgs...)
	if err != nil {
		return driven.StarQueryResult{}, fmt.Errorf("query stars: %w", err)
	}
	defer rows.Close()

	items, err := scanStarEvents(rows)
	if err != nil {
		return driven.StarQueryResult{}, err
	}

	var newest *time.Time
	if newestRaw.Valid && newestRaw.String != "" {
		t, err := parseTime(newestRaw.String)
		if err != nil {
			return driven.StarQueryResult{}, fmt.Errorf("parse newest fetched_at: %w", err)
		}
		newest = &t
	}

	return driven.StarQueryResult{Items: items, Total: total, NewestFetched: newest}, nil
}

func (s *Store) Options(ctx context.Context) (driven.OptionsSnapshot, error) {
	var out driven.OptionsSnapshot

	langRows, err := s.db.Reader.QueryContext(ctx, `
		SELECT repo_language, COUNT(*) FROM stars
		WHERE repo_language IS NOT NULL AND repo_language != ''
		GROUP BY repo_language
		ORDER BY COUNT(*) DESC, repo_language ASC
	`)
	if err != nil {
		return out, fmt.Errorf("query language facets: %w", err)
	}
	for langRows.Next() {
		var stat driven.LanguageStat
		if err := langRows.Scan(&stat.Language, &stat.Count); err != nil {
			langRows.Close()
			return out, fmt.Errorf("scan language facet: %w", err)
		}
		out.Languages = append(out.Languages, stat)
	}
	if err := langRows.Close(); err != nil {
		return out, err
	}

	tierRows, err := s.db.Reader.QueryContext(ctx, `
		SELECT COALESCE(activity_tier, 'unknown') AS tier, COUNT(*)
		FROM users
		GROUP BY tier
		ORDER BY COUNT(*) DESC, tier ASC
	`)
	if err != nil {
		return out, fmt.Errorf("query activity facets: %w", err)
	}
	for tierRows.Next() {
		var tier string
		var count int64
		if err := tierRows.Scan(&tier, &count); err != nil {
			tierRows.Close()
			return out, fmt.Errorf("scan activity facet: %w", err)
		}
		out.Activity = append(out.Activity, driven.ActivityTierStat{Tier: model.ActivityTier(tier), Count: count})
	}
	if err := tierRows.Close(); err != nil {
		return out, err
	}

	userRows, err := s.db.Reader.QueryContext(ctx, `
		SELECT u.login, COUNT(*) FROM stars s
		JOIN users u ON u.user_id = s.user_id
		GROUP BY u.user_id, u.login
		ORDER BY COUNT(*) DESC, u.login ASC
	`)
	if err != nil {
		return out, fmt.Errorf("query user facets: %w", err)
	}
	for userRows.Next() {
		var stat driven.UserStat
		if err := userRows.Scan(&stat.Login, &stat.Count); err != nil {
			userRows.Close()
			return out, fmt.Errorf("scan user facet: %w", err)
		}
		out.Users = append(out.Users, stat)
	}
	if err := userRows.Close(); err != nil {
		return out, err
	}

	var newestRaw sql.NullString
	if err := s.db.Reader.QueryRowContext(ctx, `SELECT MAX(fetched_at) FROM stars`).Scan(&newestRaw); err != nil {
		return out, fmt.Errorf("query updated_at: %w", err)
	}
	if newestRaw.Valid && newestRaw.String != "" {
		t, err := parseTime(newestRaw.String)
		if err != nil {
			return out, fmt.Errorf("parse updated_at: %w", err)
		}
		out.UpdatedAt = t
	}

	return out, nil
}

func (s *Store) NextCheckSummary(ctx context.Context, now time.Time) (driven.NextCheckSummary, error) {
	rows, err := s.db.Reader.QueryContext(ctx, `
		SELECT COALESCE(activity_tier, 'unknown') AS tier, MIN(next_check_at)
		FROM users
		GROUP BY tier
	`)
	if err != nil {
		return driven.NextCheckSummary{}, fmt.Errorf("query next check summary: %w", err)
	}
	defer rows.Close()

	var out driven.NextCheckSummary
	for rows.Next() {
		var tier, minRaw string
		if err := rows.Scan(&tier, &minRaw); err != nil {
			return driven.NextCheckSummary{}, fmt.Errorf("scan next check summary: %w", err)
		}
		t, err := parseTime(minRaw)
		if err != nil {
			return driven.NextCheckSummary{}, fmt.Errorf("parse next_check_at: %w", err)
		}
		switch model.ActivityTier(tier) {
		case model.TierHigh:
			out.High = &t
		case model.TierMedium:
			out.Medium = &t
		case model.TierLow:
			out.Low = &t
		default:
			out.Unknown = &t
		}
	}
	return out, rows.Err()
}
