package driven

import (
	"context"
	"errors"
	"time"

	"github.com/followstars/followstars/internal/domain/model"
)

// Sentinel error kinds surfaced by ForgeClient, matching the error taxonomy
// the Scheduler type-switches on. AuthError and Forbidden are fatal;
// RateLimitedError is recovered locally; anything else is wrapped as
// transient and retried on the next scheduled tick.
var (
	// ErrAuth indicates the forge rejected the bearer token (401). Fatal for
	// the whole cycle.
	ErrAuth = errors.New("forge: authentication failed")

	// ErrForbidden indicates a 403 response with no Retry-After header.
	// Fatal for the whole cycle.
	ErrForbidden = errors.New("forge: forbidden")
)

// RateLimitedError wraps a 403 response carrying a Retry-After header. The
// caller should defer the user and sleep Wait before continuing.
type RateLimitedError struct {
	Wait time.Duration
}

func (e *RateLimitedError) Error() string {
	return "forge: rate limited, retry after " + e.Wait.String()
}

// FetchResult is the outcome of ForgeClient.FetchStarred: NotModified is
// true for a 304 response; otherwise the result carries the fetched events.
type FetchResult struct {
	NotModified bool
	FetchedAt   time.Time

	// Populated only when NotModified is false.
	ETag         *string
	LastModified *string
	Events       []model.StarEvent
}

// RateLimitSnapshot is a point-in-time copy of the most recently observed
// rate-limit headers, safe to read without synchronizing with in-flight
// requests.
type RateLimitSnapshot struct {
	Remaining int
	Limit     int
	ResetAt   time.Time
	Valid     bool // false until at least one response has been observed.
}

// ForgeClient abstracts the two remote operations the Scheduler depends on.
// Implementations own the HTTP transport, bearer token, user-agent, and a
// rate-limit snapshot updated on every response.
type ForgeClient interface {
	// FetchFollowings returns every account the authenticated user follows,
	// paginating with a fixed page size until a short or empty page.
	FetchFollowings(ctx context.Context) ([]model.Following, error)

	// FetchStarred fetches one followed user's starred repositories.
	// etag/lastModified, when non-nil, are sent as conditional-request
	// validators on the first page only. knownLatest, when non-nil, prunes
	// pagination: events with StarredAt <= *knownLatest are treated as
	// already seen (strict > is retained).
	FetchStarred(ctx context.Context, login string, etag, lastModified *string, knownLatest *time.Time) (FetchResult, error)

	// RateLimit returns the most recently observed rate-limit snapshot.
	RateLimit() RateLimitSnapshot
}
