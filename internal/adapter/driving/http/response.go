package httphandler

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/followstars/followstars/internal/domain/model"
	"github.com/followstars/followstars/internal/domain/port/driven"
)

// writeJSON marshals v to JSON and writes it to the response with the given
// status code. If marshalling fails, a 500 error is written instead.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":"internal server error"}`))
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

// writeError writes a JSON error response with the given status code and message.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Error: message})
}

type errorResponse struct {
	Error string `json:"error"`
}

// StarEventResponse is the JSON representation of one star event row.
type StarEventResponse struct {
	Login       string   `json:"login"`
	Repo        string   `json:"repo"`
	RepoURL     string   `json:"repo_url"`
	Description *string  `json:"description,omitempty"`
	Language    *string  `json:"language,omitempty"`
	Topics      []string `json:"topics"`
	StarredAt   string   `json:"starred_at"`
	FetchedAt   string   `json:"fetched_at"`
}

// StarsPageResponse is the JSON body for GET /api/stars.
type StarsPageResponse struct {
	Items    []StarEventResponse `json:"items"`
	Total    int64                `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

// OptionsResponse is the JSON body for GET /api/options.
type OptionsResponse struct {
	Languages []LanguageStatResponse `json:"languages"`
	Activity  []ActivityStatResponse `json:"activity"`
	Users     []UserStatResponse     `json:"users"`
	UpdatedAt string                  `json:"updated_at"`
}

type LanguageStatResponse struct {
	Language string `json:"language"`
	Count    int64  `json:"count"`
}

type ActivityStatResponse struct {
	Tier  string `json:"tier"`
	Count int64  `json:"count"`
}

type UserStatResponse struct {
	Login string `json:"login"`
	Count int64  `json:"count"`
}

// StatusResponse is the JSON body for GET /api/status.
type StatusResponse struct {
	NextCheck          NextCheckResponse    `json:"next_check"`
	LastPoll           PollSnapshotResponse `json:"last_poll"`
	RateLimitRemaining *int                 `json:"rate_limit_remaining,omitempty"`
	RateLimitReset     *string              `json:"rate_limit_reset,omitempty"`
}

type NextCheckResponse struct {
	High    *string `json:"high,omitempty"`
	Medium  *string `json:"medium,omitempty"`
	Low     *string `json:"low,omitempty"`
	Unknown *string `json:"unknown,omitempty"`
}

type PollSnapshotResponse struct {
	Started  *string `json:"started,omitempty"`
	Finished *string `json:"finished,omitempty"`
	Error    string  `json:"error,omitempty"`
	Stale    bool    `json:"stale"`
}

func toStarEventResponse(ev model.StarEvent) StarEventResponse {
	topics := ev.RepoTopics
	if topics == nil {
		topics = []string{}
	}
	return StarEventResponse{
		Login:       ev.Login,
		Repo:        ev.RepoFullName,
		RepoURL:     ev.RepoHTMLURL,
		Description: ev.RepoDescription,
		Language:    ev.RepoLanguage,
		Topics:      topics,
		StarredAt:   ev.StarredAt.UTC().Format(time.RFC3339),
		FetchedAt:   ev.FetchedAt.UTC().Format(time.RFC3339),
	}
}

func toOptionsResponse(snap driven.OptionsSnapshot) OptionsResponse {
	langs := make([]LanguageStatResponse, 0, len(snap.Languages))
	for _, l := range snap.Languages {
		langs = append(langs, LanguageStatResponse{Language: l.Language, Count: l.Count})
	}
	activity := make([]ActivityStatResponse, 0, len(snap.Activity))
	for _, a := range snap.Activity {
		activity = append(activity, ActivityStatResponse{Tier: string(a.Tier), Count: a.Count})
	}
	users := make([]UserStatResponse, 0, len(snap.Users))
	for _, u := range snap.Users {
		users = append(users, UserStatResponse{Login: u.Login, Count: u.Count})
	}
	return OptionsResponse{
		Languages: langs,
		Activity:  activity,
		Users:     users,
		UpdatedAt: snap.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func formatOptionalRFC3339(t *time.Time) *string {
	if t == nil {
		return nil
	}
	v := t.UTC().Format(time.RFC3339)
	return &v
}
