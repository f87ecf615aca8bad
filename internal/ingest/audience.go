package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/social-metrics/internal/domain"
)

// DefaultAudienceTimeframe is the breakdown window snapshotted daily.
const DefaultAudienceTimeframe = "this_month"

// AudienceFetchFunc returns the demographic breakdown of an account.
type AudienceFetchFunc func(ctx context.Context, accountID, timeframe string) (json.RawMessage, error)

// AudienceSnapshotter stores one demographic breakdown per account and day.
type AudienceSnapshotter struct {
	fetch AudienceFetchFunc
	store AudienceStore
	now   func() time.Time
}

// NewAudienceSnapshotter creates a snapshotter.
func NewAudienceSnapshotter(fetch AudienceFetchFunc, store AudienceStore) *AudienceSnapshotter {
	return &AudienceSnapshotter{fetch: fetch, store: store, now: time.Now}
}

// Persist fetches the breakdown for timeframe and upserts it keyed by
// (account, date, timeframe).
func (a *AudienceSnapshotter) Persist(ctx context.Context, accountID, timeframe string, date time.Time) (*domain.AudienceSnapshot, error) {
	if timeframe == "" {
		timeframe = DefaultAudienceTimeframe
	}
	payload, err := a.fetch(ctx, accountID, timeframe)
	if err != nil {
		return nil, fmt.Errorf("fetch audience %s: %w", accountID, err)
	}
	snap := domain.AudienceSnapshot{
		AccountID:    accountID,
		SnapshotDate: domain.Date(date),
		Timeframe:    timeframe,
		Payload:      payload,
		UpdatedAt:    a.now().UTC(),
	}
	if err := a.store.Upsert(ctx, snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// LoadLatest returns the newest snapshot on or before the given day, or
// domain.ErrNotFound.
func (a *AudienceSnapshotter) LoadLatest(ctx context.Context, accountID, timeframe string, onOrBefore time.Time) (*domain.AudienceSnapshot, error) {
	if timeframe == "" {
		timeframe = DefaultAudienceTimeframe
	}
	return a.store.Latest(ctx, accountID, timeframe, domain.Date(onOrBefore))
}
