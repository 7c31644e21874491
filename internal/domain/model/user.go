package model

import "time"

// FollowedUser is one account followed by the authenticated account, along
// with this system's polling state for it. See the Store port for the
// operations that create and mutate these records.
type FollowedUser struct {
	UserID         int64
	Login          string
	LastStarredAt  *time.Time // greatest starred_at ever observed for this user.
	LastFetchedAt  *time.Time // set on every poll attempt.
	ETag           *string
	LastModified   *string
	IntervalMin    int64 // fetch_interval_minutes, always within [MIN, MAX].
	NextCheckAt    time.Time
	ActivityTier   ActivityTier
	EMAMinutes     *float64 // absent until the bootstrap condition in CadenceEngine is met.
	StarCount      int64
}

// Following is the minimal shape ForgeClient.FetchFollowings returns: the
// forge's notion of who the authenticated account follows.
type Following struct {
	UserID int64
	Login  string
}

// CadenceConfig bounds the polling interval CadenceEngine may produce.
// MinIntervalMinutes and MaxIntervalMinutes define the clamp band;
// DefaultIntervalMinutes is used before enough samples exist to bootstrap an
// EMA.
type CadenceConfig struct {
	MinIntervalMinutes     int64
	MaxIntervalMinutes     int64
	DefaultIntervalMinutes int64
}

// Normalize applies the clamp rules from CadenceEngine's algorithm:
// min' = max(1, min), max' = max(min', max), default' = clamp(default, min', max').
func (c CadenceConfig) Normalize() CadenceConfig {
	minV := c.MinIntervalMinutes
	if minV < 1 {
		minV = 1
	}
	maxV := c.MaxIntervalMinutes
	if maxV < minV {
		maxV = minV
	}
	def := c.DefaultIntervalMinutes
	if def < minV {
		def = minV
	}
	if def > maxV {
		def = maxV
	}
	return CadenceConfig{MinIntervalMinutes: minV, MaxIntervalMinutes: maxV, DefaultIntervalMinutes: def}
}
