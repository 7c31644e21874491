package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/followstars/followstars/internal/domain/model"
	"github.com/followstars/followstars/internal/domain/port/driven"
)

// Scheduler is the core control loop: it selects due users, runs bounded-
// parallel fetch workers, drives the ForgeClient, and funnels results
// through the CadenceEngine and Store.
type Scheduler struct {
	store  driven.Store
	client driven.ForgeClient
	cfg    model.CadenceConfig

	maxConcurrency int
	logger         *slog.Logger
}

// NewScheduler builds a Scheduler. maxConcurrency bounds the number of
// fetch tasks in flight at once; cfg bounds the polling interval the
// CadenceEngine may produce.
func NewScheduler(store driven.Store, client driven.ForgeClient, cfg model.CadenceConfig, maxConcurrency int, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if maxConcurrency < 1 {
		maxConcurrency = 1
	}
	return &Scheduler{store: store, client: client, cfg: cfg, maxConcurrency: maxConcurrency, logger: logger}
}

// fatalError marks an error that must abort the whole cycle (Auth or
// Forbidden, from either the followings fetch or a per-user fetch).
type fatalError struct{ err error }

func (f *fatalError) Error() string { return f.err.Error() }
func (f *fatalError) Unwrap() error { return f.err }

// RunCycle runs one scheduling cycle: refreshes followings, queries due
// users, and fans out bounded-concurrency fetch workers for each.
func (s *Scheduler) RunCycle(ctx context.Context, now time.Time) error {
	followings, err := s.fetchFollowingsWithRetry(ctx)
	if err != nil {
		return err
	}

	if err := s.store.UpsertFollowings(ctx, followings, s.cfg.Normalize().MaxIntervalMinutes); err != nil {
		return fmt.Errorf("upsert followings: %w", err)
	}

	due, err := s.store.DueUsers(ctx, now)
	if err != nil {
		return fmt.Errorf("query due users: %w", err)
	}
	if len(due) == 0 {
		return nil
	}

	sem := make(chan struct{}, s.maxConcurrency)
	results := make(chan error, len(due))

	cycleCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for _, u := range due {
		u := u
		wg.Add(1)
		go func() {
			defer wg.Done()
			select {
			case sem <- struct{}{}:
			case <-cycleCtx.Done():
				results <- cycleCtx.Err()
				return
			}
			defer func() { <-sem }()

			results <- s.processUser(cycleCtx, u)
		}()
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var firstFatal error
	for err := range results {
		if err == nil {
			continue
		}
		var fe *fatalError
		if errors.As(err, &fe) && firstFatal == nil {
			firstFatal = fe
			cancel() // stop spawning/awaiting further work; in-flight writes still commit.
		} else if firstFatal == nil {
			s.logger.Error("poll task failed", "error", err)
		}
	}

	if firstFatal != nil {
		return firstFatal
	}
	return nil
}

// fetchFollowingsWithRetry retries once on a recoverable rate limit by
// sleeping the advertised wait; auth/forbidden are propagated as fatal.
func (s *Scheduler) fetchFollowingsWithRetry(ctx context.Context) ([]model.Following, error) {
	followings, err := s.client.FetchFollowings(ctx)
	if err == nil {
		return followings, nil
	}

	var rl *driven.RateLimitedError
	if errors.As(err, &rl) {
		s.logger.Warn("rate limited fetching followings, retrying after wait", "wait", rl.Wait)
		select {
		case <-time.After(rl.Wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		followings, err = s.client.FetchFollowings(ctx)
		if err == nil {
			return followings, nil
		}
	}

	if errors.Is(err, driven.ErrAuth) || errors.Is(err, driven.ErrForbidden) {
		return nil, &fatalError{err: fmt.Errorf("fetch followings: %w", err)}
	}
	return nil, fmt.Errorf("fetch followings: %w", err)
}

// processUser implements process_user(u): fetch, then dispatch on the
// result kind.
func (s *Scheduler) processUser(ctx context.Context, u model.FollowedUser) error {
	result, err := s.client.FetchStarred(ctx, u.Login, u.ETag, u.LastModified, u.LastStarredAt)
	if err != nil {
		var rl *driven.RateLimitedError
		if errors.As(err, &rl) {
			if derr := s.store.DeferUser(ctx, u.UserID, time.Now(), rl.Wait); derr != nil {
				return fmt.Errorf("defer user %s: %w", u.Login, derr)
			}
			select {
			case <-time.After(rl.Wait):
			case <-ctx.Done():
				return ctx.Err()
			}
			return nil
		}

		if errors.Is(err, driven.ErrAuth) {
			return &fatalError{err: fmt.Errorf("fetch starred for %s: %w", u.Login, err)}
		}
		if errors.Is(err, driven.ErrForbidden) {
			return &fatalError{err: fmt.Errorf("fetch starred for %s: %w", u.Login, err)}
		}
		return fmt.Errorf("fetch starred for %s: %w", u.Login, err)
	}

	if result.NotModified {
		return s.store.RecordNotModified(ctx, u.UserID, result.FetchedAt, u.IntervalMin)
	}

	if _, err := s.store.InsertStarEvents(ctx, u, result.Events, result.FetchedAt, result.ETag, result.LastModified, s.cfg); err != nil {
		return fmt.Errorf("insert star events for %s: %w", u.Login, err)
	}
	return nil
}
