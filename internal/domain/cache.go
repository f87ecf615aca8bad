package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// CacheSource tells the caller where a cached payload came from.
type CacheSource string

const (
	SourceCache    CacheSource = "cache"
	SourceRefresh  CacheSource = "refresh"
	SourcePrime    CacheSource = "prime"
	SourceFallback CacheSource = "fallback"
)

// Refresh reasons recorded on cache entries.
const (
	ReasonOnDemand  = "on_demand"
	ReasonScheduler = "scheduler"
	ReasonPrewarm   = "prewarm_scheduler"
	ReasonForced    = "forced"
	ReasonIngest    = "ingest_job"
	ReasonBackfill  = "backfill"
	ReasonManual    = "manual"
)

// CacheKey is the identity of a cache entry. SinceTS and UntilTS are unix
// seconds; zero means the resource is not windowed. ExtraHash is empty when
// the request carried no extra parameters.
type CacheKey struct {
	Resource  Resource `json:"resource" db:"resource"`
	OwnerID   string   `json:"owner_id" db:"owner_id"`
	SinceTS   int64    `json:"since_ts" db:"since_ts"`
	UntilTS   int64    `json:"until_ts" db:"until_ts"`
	ExtraHash string   `json:"extra_hash" db:"extra_hash"`
	Platform  Platform `json:"platform" db:"platform"`
}

// String renders the key for logs and lock names.
func (k CacheKey) String() string {
	return fmt.Sprintf("%s:%s:%s:%d:%d:%s", k.Platform, k.Resource, k.OwnerID, k.SinceTS, k.UntilTS, k.ExtraHash)
}

// CacheEntry is one persisted cache row. Payload is nil for placeholder
// rows created by a failed first fetch.
type CacheEntry struct {
	Key           CacheKey        `json:"key"`
	Extra         json.RawMessage `json:"extra,omitempty" db:"extra"`
	Payload       json.RawMessage `json:"payload,omitempty" db:"payload"`
	FetchedAt     *time.Time      `json:"fetched_at,omitempty" db:"fetched_at"`
	NextRefreshAt *time.Time      `json:"next_refresh_at,omitempty" db:"next_refresh_at"`
	Stale         bool            `json:"stale" db:"stale"`
	LastError     *string         `json:"last_error,omitempty" db:"last_error"`
	RefreshReason string          `json:"refresh_reason,omitempty" db:"refresh_reason"`
	CreatedAt     time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// HasPayload reports whether the entry ever held a successful fetch.
func (e *CacheEntry) HasPayload() bool {
	return len(e.Payload) > 0 && string(e.Payload) != "null"
}

// FreshAt reports whether the entry may be served without refetching.
func (e *CacheEntry) FreshAt(now time.Time) bool {
	if !e.HasPayload() || e.NextRefreshAt == nil {
		return false
	}
	return now.Before(*e.NextRefreshAt)
}

// ExtraMap decodes the stored extra parameters. A missing column yields nil.
func (e *CacheEntry) ExtraMap() (map[string]any, error) {
	if len(e.Extra) == 0 || string(e.Extra) == "null" {
		return nil, nil
	}
	var out map[string]any
	if err := json.Unmarshal(e.Extra, &out); err != nil {
		return nil, fmt.Errorf("decode cache extra: %w", err)
	}
	return out, nil
}
