// Package ingest turns provider day snapshots into durable daily metrics,
// trailing-window rollups and coverage summaries.
package ingest

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/domain"
)

// MetricsStore persists daily metric rows.
type MetricsStore interface {
	// Upsert writes rows last-write-wins and reports new vs replaced rows.
	Upsert(ctx context.Context, rows []domain.MetricRow) (inserted, updated int, err error)
	ListRange(ctx context.Context, accountID string, platform domain.Platform, metricKeys []string, from, to time.Time) ([]domain.MetricRow, error)
	ListDates(ctx context.Context, accountID string, platform domain.Platform, from, to time.Time) ([]time.Time, error)
}

// RollupStore persists trailing-window aggregates.
type RollupStore interface {
	Upsert(ctx context.Context, rows []domain.RollupRow) error
	ListForEnd(ctx context.Context, accountID string, platform domain.Platform, end time.Time) ([]domain.RollupRow, error)
}

// LogStore persists one row per ingestion run.
type LogStore interface {
	Start(ctx context.Context, l *domain.IngestLog) error
	Finish(ctx context.Context, l *domain.IngestLog) error
	List(ctx context.Context, accountID string, limit int) ([]domain.IngestLog, error)
}

// CoverageStore keeps the advisory copy of coverage computations.
type CoverageStore interface {
	Upsert(ctx context.Context, c domain.CoverageRow) error
	MarkBackfill(ctx context.Context, accountID string, platform domain.Platform, from, to, at time.Time, lastError *string) error
	Get(ctx context.Context, accountID string, platform domain.Platform, from, to time.Time) (*domain.CoverageRow, error)
}

// AudienceStore persists demographic snapshots.
type AudienceStore interface {
	Upsert(ctx context.Context, s domain.AudienceSnapshot) error
	Latest(ctx context.Context, accountID, timeframe string, onOrBefore time.Time) (*domain.AudienceSnapshot, error)
}

// Archiver keeps a copy of each raw day snapshot.
type Archiver interface {
	Put(ctx context.Context, platform domain.Platform, accountID string, date time.Time, raw json.RawMessage) error
}

// CacheReader is the part of the cache service the pipeline uses to warm
// resources after an ingest.
type CacheReader interface {
	Get(ctx context.Context, q cache.Query) (*cache.Result, error)
}
