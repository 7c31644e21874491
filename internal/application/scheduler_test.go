package application

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/followstars/followstars/internal/domain/model"
	"github.com/followstars/followstars/internal/domain/port/driven"
)

type mockForgeClient struct {
	fetchFollowings func(ctx context.Context) ([]model.Following, error)
	fetchStarred    func(ctx context.Context, login string, etag, lastModified *string, knownLatest *time.Time) (driven.FetchResult, error)
}

func (m *mockForgeClient) FetchFollowings(ctx context.Context) ([]model.Following, error) {
	return m.fetchFollowings(ctx)
}

func (m *mockForgeClient) FetchStarred(ctx context.Context, login string, etag, lastModified *string, knownLatest *time.Time) (driven.FetchResult, error) {
	return m.fetchStarred(ctx, login, etag, lastModified, knownLatest)
}

func (m *mockForgeClient) RateLimit() driven.RateLimitSnapshot { return driven.RateLimitSnapshot{} }

type mockStore struct {
	mu sync.Mutex

	upsertFollowings   func(ctx context.Context, users []model.Following, initial int64) error
	dueUsers           func(ctx context.Context, now time.Time) ([]model.FollowedUser, error)
	recordNotModified  func(ctx context.Context, userID int64, fetchedAt time.Time, interval int64) error
	deferUser          func(ctx context.Context, userID int64, now time.Time, wait time.Duration) error
	insertStarEvents   func(ctx context.Context, u model.FollowedUser, events []model.StarEvent, fetchedAt time.Time, etag, lastModified *string, cfg model.CadenceConfig) (int64, error)
	deferCalls         int32
	notModifiedCalls   int32
	insertCalls        int32
}

func (m *mockStore) Init(ctx context.Context) error { return nil }

func (m *mockStore) UpsertFollowings(ctx context.Context, users []model.Following, initial int64) error {
	return m.upsertFollowings(ctx, users, initial)
}

func (m *mockStore) DueUsers(ctx context.Context, now time.Time) ([]model.FollowedUser, error) {
	return m.dueUsers(ctx, now)
}

func (m *mockStore) RecordNotModified(ctx context.Context, userID int64, fetchedAt time.Time, interval int64) error {
	atomic.AddInt32(&m.notModifiedCalls, 1)
	return m.recordNotModified(ctx, userID, fetchedAt, interval)
}

func (m *mockStore) DeferUser(ctx context.Context, userID int64, now time.Time, wait time.Duration) error {
	atomic.AddInt32(&m.deferCalls, 1)
	return m.deferUser(ctx, userID, now, wait)
}

func (m *mockStore) InsertStarEvents(ctx context.Context, u model.FollowedUser, events []model.StarEvent, fetchedAt time.Time, etag, lastModified *string, cfg model.CadenceConfig) (int64, error) {
	atomic.AddInt32(&m.insertCalls, 1)
	return m.insertStarEvents(ctx, u, events, fetchedAt, etag, lastModified, cfg)
}

func (m *mockStore) RecentEventsForFeed(ctx context.Context, limit int) ([]model.StarEvent, error) {
	return nil, nil
}
func (m *mockStore) QueryStars(ctx context.Context, q driven.StarQuery) (driven.StarQueryResult, error) {
	return driven.StarQueryResult{}, nil
}
func (m *mockStore) Options(ctx context.Context) (driven.OptionsSnapshot, error) {
	return driven.OptionsSnapshot{}, nil
}
func (m *mockStore) NextCheckSummary(ctx context.Context, now time.Time) (driven.NextCheckSummary, error) {
	return driven.NextCheckSummary{}, nil
}
func (m *mockStore) Close() error { return nil }

func TestScheduler_RunCycle_NotModifiedAdvancesOnly(t *testing.T) {
	now := time.Now()
	user := model.FollowedUser{UserID: 1, Login: "octo", IntervalMin: 60, NextCheckAt: now.Add(-time.Minute)}

	store := &mockStore{
		upsertFollowings: func(ctx context.Context, users []model.Following, initial int64) error { return nil },
		dueUsers: func(ctx context.Context, now time.Time) ([]model.FollowedUser, error) {
			return []model.FollowedUser{user}, nil
		},
		recordNotModified: func(ctx context.Context, userID int64, fetchedAt time.Time, interval int64) error { return nil },
	}
	client := &mockForgeClient{
		fetchFollowings: func(ctx context.Context) ([]model.Following, error) {
			return []model.Following{{UserID: 1, Login: "octo"}}, nil
		},
		fetchStarred: func(ctx context.Context, login string, etag, lastModified *string, knownLatest *time.Time) (driven.FetchResult, error) {
			return driven.FetchResult{NotModified: true, FetchedAt: now}, nil
		},
	}

	sched := NewScheduler(store, client, model.CadenceConfig{MinIntervalMinutes: 10, MaxIntervalMinutes: 10080, DefaultIntervalMinutes: 60}, 4, nil)
	err := sched.RunCycle(context.Background(), now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.notModifiedCalls)
	assert.EqualValues(t, 0, store.insertCalls)
}

func TestScheduler_RunCycle_RateLimitedDefersAndSleeps(t *testing.T) {
	now := time.Now()
	user := model.FollowedUser{UserID: 1, Login: "octo", IntervalMin: 60, NextCheckAt: now.Add(-time.Minute)}

	store := &mockStore{
		upsertFollowings: func(ctx context.Context, users []model.Following, initial int64) error { return nil },
		dueUsers: func(ctx context.Context, now time.Time) ([]model.FollowedUser, error) {
			return []model.FollowedUser{user}, nil
		},
		deferUser: func(ctx context.Context, userID int64, now time.Time, wait time.Duration) error { return nil },
	}
	client := &mockForgeClient{
		fetchFollowings: func(ctx context.Context) ([]model.Following, error) {
			return []model.Following{{UserID: 1, Login: "octo"}}, nil
		},
		fetchStarred: func(ctx context.Context, login string, etag, lastModified *string, knownLatest *time.Time) (driven.FetchResult, error) {
			return driven.FetchResult{}, &driven.RateLimitedError{Wait: 20 * time.Millisecond}
		},
	}

	sched := NewScheduler(store, client, model.CadenceConfig{MinIntervalMinutes: 10, MaxIntervalMinutes: 10080, DefaultIntervalMinutes: 60}, 4, nil)
	start := time.Now()
	err := sched.RunCycle(context.Background(), now)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	assert.EqualValues(t, 1, store.deferCalls)
}

func TestScheduler_RunCycle_AuthIsFatal(t *testing.T) {
	now := time.Now()
	client := &mockForgeClient{
		fetchFollowings: func(ctx context.Context) ([]model.Following, error) {
			return nil, driven.ErrAuth
		},
	}
	store := &mockStore{}

	sched := NewScheduler(store, client, model.CadenceConfig{MinIntervalMinutes: 10, MaxIntervalMinutes: 10080, DefaultIntervalMinutes: 60}, 4, nil)
	err := sched.RunCycle(context.Background(), now)
	require.Error(t, err)
}

func TestScheduler_RunCycle_ModifiedInsertsEvents(t *testing.T) {
	now := time.Now()
	user := model.FollowedUser{UserID: 1, Login: "octo", IntervalMin: 60, NextCheckAt: now.Add(-time.Minute)}

	store := &mockStore{
		upsertFollowings: func(ctx context.Context, users []model.Following, initial int64) error { return nil },
		dueUsers: func(ctx context.Context, now time.Time) ([]model.FollowedUser, error) {
			return []model.FollowedUser{user}, nil
		},
		insertStarEvents: func(ctx context.Context, u model.FollowedUser, events []model.StarEvent, fetchedAt time.Time, etag, lastModified *string, cfg model.CadenceConfig) (int64, error) {
			return 30, nil
		},
	}
	client := &mockForgeClient{
		fetchFollowings: func(ctx context.Context) ([]model.Following, error) {
			return []model.Following{{UserID: 1, Login: "octo"}}, nil
		},
		fetchStarred: func(ctx context.Context, login string, etag, lastModified *string, knownLatest *time.Time) (driven.FetchResult, error) {
			return driven.FetchResult{FetchedAt: now, Events: []model.StarEvent{{UserID: 1, RepoFullName: "a/b", StarredAt: now}}}, nil
		},
	}

	sched := NewScheduler(store, client, model.CadenceConfig{MinIntervalMinutes: 10, MaxIntervalMinutes: 10080, DefaultIntervalMinutes: 60}, 4, nil)
	err := sched.RunCycle(context.Background(), now)
	require.NoError(t, err)
	assert.EqualValues(t, 1, store.insertCalls)
}
