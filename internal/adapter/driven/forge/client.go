// Package forge implements the ForgeClient port against the GitHub REST API.
package forge

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	gh "github.com/google/go-github/v82/github"

	"github.com/followstars/followstars/internal/domain/model"
	"github.com/followstars/followstars/internal/domain/port/driven"
)

var _ driven.ForgeClient = (*Client)(nil)

const perPage = 100

// Client implements driven.ForgeClient with manual NewRequest/Do calls
// instead of go-github's high-level convenience methods, so conditional
// request headers (If-None-Match, If-Modified-Since) can be set precisely
// on the first page of a paginated fetch.
type Client struct {
	gh     *gh.Client
	logger *slog.Logger

	mu        sync.RWMutex
	rateLimit driven.RateLimitSnapshot
}

// NewClient builds a Client authenticated with token, talking to baseURL
// (pass "" for the default https://api.github.com).
func NewClient(httpClient *http.Client, token, baseURL, userAgent string, logger *slog.Logger) (*Client, error) {
	client := gh.NewClient(httpClient).WithAuthToken(token)
	client.UserAgent = userAgent

	if baseURL != "" {
		u, err := gh.NewClient(nil).BaseURL.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse base url: %w", err)
		}
		client.BaseURL = u
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Client{gh: client, logger: logger}, nil
}

func (c *Client) RateLimit() driven.RateLimitSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rateLimit
}

func (c *Client) recordRateLimit(resp *gh.Response) {
	if resp == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rateLimit = driven.RateLimitSnapshot{
		Remaining: resp.Rate.Remaining,
		Limit:     resp.Rate.Limit,
		ResetAt:   resp.Rate.Reset.Time,
		Valid:     true,
	}
}

// FetchFollowings paginates GET /user/following until a short page.
func (c *Client) FetchFollowings(ctx context.Context) ([]model.Following, error) {
	var out []model.Following
	opts := &gh.ListOptions{PerPage: perPage}

	for {
		req, err := c.gh.NewRequest(http.MethodGet, "user/following", nil)
		if err != nil {
			return nil, fmt.Errorf("build following request: %w", err)
		}
		applyListOptions(req, opts)

		var users []*gh.User
		resp, err := c.gh.Do(ctx, req, &users)
		if mapped := c.mapError(resp, err); mapped != nil {
			return nil, mapped
		}
		c.recordRateLimit(resp)

		for _, u := range users {
			out = append(out, model.Following{UserID: u.GetID(), Login: u.GetLogin()})
		}

		if resp.NextPage == 0 || len(users) < perPage {
			break
		}
		opts.Page = resp.NextPage
	}

	return out, nil
}

// FetchStarred fetches one user's starred repositories, newest first (the
// GitHub API's default activity sort), pruning pages once an event's
// StarredAt falls at or before knownLatest.
func (c *Client) FetchStarred(ctx context.Context, login string, etag, lastModified *string, knownLatest *time.Time) (driven.FetchResult, error) {
	path := fmt.Sprintf("users/%s/starred", login)
	opts := &gh.ListOptions{PerPage: perPage}

	var events []model.StarEvent
	fetchedAt := time.Now()
	var respETag, respLastModified *string

	page := 0
	for {
		page++
		req, err := c.gh.NewRequest(http.MethodGet, path, nil)
		if err != nil {
			return driven.FetchResult{}, fmt.Errorf("build starred request: %w", err)
		}
		req.Header.Set("Accept", "application/vnd.github.star+json")
		applyListOptions(req, opts)

		if page == 1 {
			if etag != nil {
				req.Header.Set("If-None-Match", *etag)
			}
			if lastModified != nil {
				req.Header.Set("If-Modified-Since", *lastModified)
			}
		}

		var starred []*gh.StarredRepository
		resp, err := c.gh.Do(ctx, req, &starred)

		if page == 1 && resp != nil && resp.StatusCode == http.StatusNotModified {
			c.recordRateLimit(resp)
			return driven.FetchResult{NotModified: true, FetchedAt: fetchedAt}, nil
		}
		if mapped := c.mapError(resp, err); mapped != nil {
			return driven.FetchResult{}, mapped
		}
		c.recordRateLimit(resp)

		if page == 1 {
			if v := resp.Header.Get("ETag"); v != "" {
				respETag = &v
			}
			if v := resp.Header.Get("Last-Modified"); v != "" {
				respLastModified = &v
			}
		}

		stop := false
		for _, sr := range starred {
			starredAt := sr.GetStarredAt().Time
			if knownLatest != nil && !starredAt.After(*knownLatest) {
				stop = true
				continue
			}
			events = append(events, mapStarEvent(login, starredAt, fetchedAt, sr.GetRepository()))
		}

		if stop || resp.NextPage == 0 || len(starred) < perPage {
			break
		}
		opts.Page = resp.NextPage
	}

	return driven.FetchResult{
		NotModified:  false,
		FetchedAt:    fetchedAt,
		ETag:         respETag,
		LastModified: respLastModified,
		Events:       events,
	}, nil
}

func mapStarEvent(login string, starredAt, fetchedAt time.Time, repo *gh.Repository) model.StarEvent {
	var description, language *string
	if repo.Description != nil {
		v := repo.GetDescription()
		description = &v
	}
	if repo.Language != nil {
		v := repo.GetLanguage()
		language = &v
	}

	topics := repo.Topics
	if topics == nil {
		topics = []string{}
	}

	return model.StarEvent{
		Login:           login,
		RepoFullName:    repo.GetFullName(),
		RepoHTMLURL:     repo.GetHTMLURL(),
		RepoDescription: description,
		RepoLanguage:    language,
		RepoTopics:      topics,
		StarredAt:       starredAt,
		FetchedAt:       fetchedAt,
	}
}

func applyListOptions(req *http.Request, opts *gh.ListOptions) {
	q := req.URL.Query()
	q.Set("per_page", strconv.Itoa(opts.PerPage))
	if opts.Page != 0 {
		q.Set("page", strconv.Itoa(opts.Page))
	}
	req.URL.RawQuery = q.Encode()
}

// mapError translates a go-github response/error pair into the ForgeClient
// error taxonomy the Scheduler type-switches on.
func (c *Client) mapError(resp *gh.Response, err error) error {
	if err == nil {
		return nil
	}

	var statusCode int
	if resp != nil {
		statusCode = resp.StatusCode
	}

	switch statusCode {
	case http.StatusUnauthorized:
		return driven.ErrAuth
	case http.StatusForbidden:
		if resp != nil {
			if wait := retryAfter(resp.Response); wait > 0 {
				return &driven.RateLimitedError{Wait: wait}
			}
		}
		return driven.ErrForbidden
	case http.StatusTooManyRequests:
		if resp != nil {
			if wait := retryAfter(resp.Response); wait > 0 {
				return &driven.RateLimitedError{Wait: wait}
			}
		}
		return &driven.RateLimitedError{Wait: time.Minute}
	}

	c.logger.Warn("forge request failed", "status", statusCode, "error", err)
	return fmt.Errorf("forge request failed: %w", err)
}

func retryAfter(resp *http.Response) time.Duration {
	if resp == nil {
		return 0
	}
	raw := resp.Header.Get("Retry-After")
	if raw == "" {
		return 0
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(raw); err == nil {
		return time.Until(when)
	}
	return 0
}
