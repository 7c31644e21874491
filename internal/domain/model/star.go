package model

import "time"

// StarEvent is an immutable (user, repo, timestamp) triple recording that a
// followed user starred a repository. Uniqueness is enforced on
// (UserID, RepoFullName, StarredAt); duplicate inserts are silently ignored.
type StarEvent struct {
	UserID          int64
	Login           string // owning user's login, denormalized for feed/query rendering.
	RepoFullName    string
	RepoHTMLURL     string
	RepoDescription *string
	RepoLanguage    *string
	RepoTopics      []string
	StarredAt       time.Time
	FetchedAt       time.Time
	IngestSequence  int64 // monotonically increasing, assigned at insert within a transaction.
}
