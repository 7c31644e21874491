// Package status serves the single HTML status page. It uses html/template
// rather than the teacher's templ components: templ requires a code
// generation step, and this exercise never runs the Go toolchain, so a
// generated _templ.go file has nowhere to come from.
package status

import (
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/followstars/followstars/internal/application"
)

const pageTemplate = `<!DOCTYPE html>
<html lang="en">
<head>
	<meta charset="utf-8">
	<title>followstars</title>
	<style>
		body { font-family: system-ui, sans-serif; max-width: 42rem; margin: 3rem auto; color: #1a1a1a; }
		dl { display: grid; grid-template-columns: 10rem 1fr; gap: 0.25rem 1rem; }
		dt { font-weight: 600; }
		.error { color: #b00020; }
		a { color: #0550ae; }
	</style>
</head>
<body>
	<h1>followstars</h1>
	<p>Aggregated feed of repositories starred by the accounts you follow on GitHub.</p>
	<p><a href="/feed.xml">RSS feed</a> &middot; <a href="/api/stars">JSON API</a></p>
	<dl>
		<dt>Last poll started</dt><dd>{{.Started}} ({{.StartedRelative}})</dd>
		<dt>Last poll finished</dt><dd>{{.Finished}} ({{.FinishedRelative}})</dd>
		{{if .Error}}<dt>Last poll error</dt><dd class="error">{{.Error}}</dd>{{end}}
		<dt>Stale</dt><dd>{{.Stale}}</dd>
		<dt>Generated at</dt><dd>{{.GeneratedAt}}</dd>
	</dl>
</body>
</html>
`

var tmpl = template.Must(template.New("status").Parse(pageTemplate))

type pageData struct {
	Started          string
	StartedRelative  string
	Finished         string
	FinishedRelative string
	Error            string
	Stale            bool
	GeneratedAt      string
}

// Handler serves the HTML status page at GET /.
type Handler struct {
	poller *application.Poller
	logger *slog.Logger
}

// NewHandler builds a status page Handler over poller.
func NewHandler(poller *application.Poller, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{poller: poller, logger: logger}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	data := pageData{GeneratedAt: time.Now().UTC().Format(time.RFC3339)}
	if h.poller != nil {
		snap := h.poller.Snapshot()
		if snap.Started != nil {
			data.Started = snap.Started.UTC().Format(time.RFC3339)
			data.StartedRelative = humanize.Time(*snap.Started)
		}
		if snap.Finished != nil {
			data.Finished = snap.Finished.UTC().Format(time.RFC3339)
			data.FinishedRelative = humanize.Time(*snap.Finished)
		}
		data.Error = snap.Error
		data.Stale = h.poller.IsStale(time.Now())
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "private, max-age=0")
	if err := tmpl.Execute(w, data); err != nil {
		h.logger.Error("failed to render status page", "error", err)
	}
}
