// Package httphandler implements the JSON API: GET /api/stars, GET
// /api/status, GET /api/options, each with weak-ETag conditional GET support.
package httphandler

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/followstars/followstars/internal/application"
	"github.com/followstars/followstars/internal/domain/model"
	"github.com/followstars/followstars/internal/domain/port/driven"
)

// rateLimiter is the narrow slice of ForgeClient the Status handler needs;
// satisfied by driven.ForgeClient without importing the forge adapter.
type rateLimiter interface {
	RateLimit() driven.RateLimitSnapshot
}

// Handler is the HTTP driving adapter serving the JSON API.
type Handler struct {
	queries *application.QueryService
	poller  *application.Poller
	limiter rateLimiter
	logger  *slog.Logger
}

// NewHandler creates a Handler with all required dependencies. limiter may
// be nil (rate-limit fields are then omitted from GET /api/status).
func NewHandler(queries *application.QueryService, poller *application.Poller, limiter rateLimiter, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{queries: queries, poller: poller, limiter: limiter, logger: logger}
}

// NewServeMux creates an http.Handler with all routes registered and wrapped
// with logging and recovery middleware.
func NewServeMux(h *Handler, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/stars", h.ListStars)
	mux.HandleFunc("GET /api/status", h.Status)
	mux.HandleFunc("GET /api/options", h.Options)
	mux.HandleFunc("GET /api/health", h.Health)

	wrapped := recoveryMiddleware(logger, mux)
	wrapped = loggingMiddleware(logger, wrapped)
	return wrapped
}

// ListStars serves a paged, filtered read over star events.
func (h *Handler) ListStars(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := driven.StarQuery{
		Search:   q.Get("search"),
		Language: q.Get("language"),
		Activity: model.ActivityTier(q.Get("activity")),
		User:     q.Get("user"),
		UserMode: model.UserFilterMode(q.Get("user_mode")),
		Sort:     model.StarSort(q.Get("sort")),
		Page:     atoiDefault(q.Get("page"), 1),
		PageSize: atoiDefault(q.Get("page_size"), 50),
	}.Normalized()

	if query.UserMode == "" {
		query.UserMode = model.UserFilterAll
	}
	if query.Sort == "" {
		query.Sort = model.SortNewest
	}

	result, err := h.queries.Query(r.Context(), query)
	if err != nil {
		h.logger.Error("failed to query stars", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	etag := computeStarsETag(query.NormalizedKey(), result.NewestFetched, result.Total)
	if ifNoneMatch(r.Header.Get("If-None-Match"), etag) {
		writeCacheHeaders(w, etag, cacheControlStars)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	items := make([]StarEventResponse, 0, len(result.Items))
	for _, ev := range result.Items {
		items = append(items, toStarEventResponse(ev))
	}

	writeCacheHeaders(w, etag, cacheControlStars)
	writeJSON(w, http.StatusOK, StarsPageResponse{
		Items:    items,
		Total:    result.Total,
		Page:     query.Page,
		PageSize: query.PageSize,
	})
}

// Options serves facet counts for languages, activity tiers, and users.
func (h *Handler) Options(w http.ResponseWriter, r *http.Request) {
	snap, err := h.queries.Options(r.Context())
	if err != nil {
		h.logger.Error("failed to load options", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	etag := computeWeakETag("options", snap.Fingerprint())
	if ifNoneMatch(r.Header.Get("If-None-Match"), etag) {
		writeCacheHeaders(w, etag, cacheControlOptions)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeCacheHeaders(w, etag, cacheControlOptions)
	writeJSON(w, http.StatusOK, toOptionsResponse(snap))
}

// Status serves the next-check summary and the poller's last-cycle snapshot.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	summary, err := h.queries.NextCheckSummary(r.Context(), time.Now())
	if err != nil {
		h.logger.Error("failed to load status", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	body := StatusResponse{
		NextCheck: NextCheckResponse{
			High:    formatOptionalRFC3339(summary.High),
			Medium:  formatOptionalRFC3339(summary.Medium),
			Low:     formatOptionalRFC3339(summary.Low),
			Unknown: formatOptionalRFC3339(summary.Unknown),
		},
	}

	if h.poller != nil {
		snap := h.poller.Snapshot()
		body.LastPoll = PollSnapshotResponse{
			Started:  formatOptionalRFC3339(snap.Started),
			Finished: formatOptionalRFC3339(snap.Finished),
			Error:    snap.Error,
			Stale:    h.poller.IsStale(time.Now()),
		}
	}

	if h.limiter != nil {
		if rl := h.limiter.RateLimit(); rl.Valid {
			remaining := rl.Remaining
			body.RateLimitRemaining = &remaining
			resetAt := rl.ResetAt.UTC().Format(time.RFC3339)
			body.RateLimitReset = &resetAt
		}
	}

	fingerprint, err := jsonFingerprint(body)
	if err != nil {
		h.logger.Error("failed to compute status etag", "error", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	etag := computeWeakETag("status", fingerprint)
	if ifNoneMatch(r.Header.Get("If-None-Match"), etag) {
		writeCacheHeaders(w, etag, cacheControlStatus)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	writeCacheHeaders(w, etag, cacheControlStatus)
	writeJSON(w, http.StatusOK, body)
}

// Health returns a simple health check response.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

func atoiDefault(raw string, fallback int) int {
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return v
}
