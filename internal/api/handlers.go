package api

import (
	"context"
	"time"

	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/ingest"
)

// CacheService is the cache API the handlers read through.
type CacheService interface {
	Get(ctx context.Context, q cache.Query) (*cache.Result, error)
	WithFallback(ctx context.Context, q cache.Query) (*cache.Result, error)
}

// CoverageComputer summarizes how much of a range is stored.
type CoverageComputer interface {
	Compute(ctx context.Context, accountID string, platform domain.Platform, from, to time.Time) (domain.CoverageRow, error)
}

// BackfillTrigger starts a deduplicated background fill.
type BackfillTrigger interface {
	Trigger(ctx context.Context, accountID string, from, to time.Time) bool
	InFlight(accountID string, from, to time.Time) bool
}

// AudienceReader loads stored demographic snapshots.
type AudienceReader interface {
	LoadLatest(ctx context.Context, accountID, timeframe string, onOrBefore time.Time) (*domain.AudienceSnapshot, error)
}

// Deps are the collaborators of the handlers. Only Cache is required; the
// daily metrics and ingest routes answer 503 when their stores are nil.
type Deps struct {
	Cache    CacheService
	Metrics  ingest.MetricsStore
	Rollups  ingest.RollupStore
	Coverage CoverageComputer
	Backfill BackfillTrigger
	Audience AudienceReader
	Logs     ingest.LogStore
	Jobs     JobRunner
	Health   *HealthChecker

	// Location is the timezone used to pick default day ranges.
	Location *time.Location
	// MaxRangeDays caps the daily route's range.
	MaxRangeDays int
	Now          func() time.Time

	// Default owners for the manual refresh route.
	DefaultInstagramID string
	DefaultPageID      string
	DefaultAdAccountID string
}

// Handlers contains all HTTP handlers.
type Handlers struct {
	deps Deps
}

// NewHandlers creates handlers with defaults applied.
func NewHandlers(deps Deps) *Handlers {
	if deps.Location == nil {
		deps.Location = time.UTC
	}
	if deps.MaxRangeDays <= 0 {
		deps.MaxRangeDays = 366
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Handlers{deps: deps}
}

// yesterday is the last complete day in the configured timezone.
func (h *Handlers) yesterday() time.Time {
	return domain.Date(h.deps.Now().In(h.deps.Location)).AddDate(0, 0, -1)
}
