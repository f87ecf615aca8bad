package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ignite/social-metrics/internal/domain"
)

// RollupEngine recomputes trailing-window aggregates from daily rows.
type RollupEngine struct {
	metrics MetricsStore
	rollups RollupStore
}

// NewRollupEngine creates a rollup engine.
func NewRollupEngine(metrics MetricsStore, rollups RollupStore) *RollupEngine {
	return &RollupEngine{metrics: metrics, rollups: rollups}
}

// Refresh recomputes every bucket ending on target for metricKeys and
// returns the number of rollup rows written. A metric with no rows inside a
// window produces no rollup for it. An empty buckets slice means the defaults.
func (e *RollupEngine) Refresh(ctx context.Context, accountID string, platform domain.Platform, metricKeys []string, target time.Time, buckets []domain.Bucket) (int, error) {
	if len(metricKeys) == 0 {
		return 0, nil
	}
	if len(buckets) == 0 {
		buckets = domain.DefaultBuckets
	}
	end := domain.Date(target)

	widest := buckets[0]
	for _, b := range buckets[1:] {
		if b > widest {
			widest = b
		}
	}
	// One read for the widest window; narrower buckets filter it in memory.
	rows, err := e.metrics.ListRange(ctx, accountID, platform, metricKeys, widest.Start(end), end)
	if err != nil {
		return 0, fmt.Errorf("load rollup source: %w", err)
	}
	byKey := make(map[string][]domain.MetricRow)
	for _, r := range rows {
		byKey[r.MetricKey] = append(byKey[r.MetricKey], r)
	}

	var out []domain.RollupRow
	for _, b := range buckets {
		for _, key := range metricKeys {
			if row, ok := BuildRollup(accountID, platform, key, b, end, byKey[key]); ok {
				out = append(out, row)
			}
		}
	}
	if len(out) == 0 {
		return 0, nil
	}
	if err := e.rollups.Upsert(ctx, out); err != nil {
		return 0, err
	}
	return len(out), nil
}

// BuildRollup aggregates the rows of one metric that fall inside the bucket
// ending on end. ok is false when no row falls inside it.
func BuildRollup(accountID string, platform domain.Platform, metricKey string, bucket domain.Bucket, end time.Time, rows []domain.MetricRow) (domain.RollupRow, bool) {
	end = domain.Date(end)
	start := bucket.Start(end)

	var points []domain.RollupPoint
	var sum float64
	for _, r := range rows {
		d := domain.Date(r.MetricDate)
		if d.Before(start) || d.After(end) {
			continue
		}
		sum += r.Value
		points = append(points, domain.RollupPoint{MetricDate: d.Format(domain.DateLayout), Value: r.Value})
	}
	if len(points) == 0 {
		return domain.RollupRow{}, false
	}
	sort.Slice(points, func(i, j int) bool { return points[i].MetricDate < points[j].MetricDate })

	return domain.RollupRow{
		AccountID: accountID,
		Platform:  platform,
		MetricKey: metricKey,
		Bucket:    bucket,
		StartDate: start,
		EndDate:   end,
		ValueSum:  sum,
		ValueAvg:  sum / float64(len(points)),
		Samples:   len(points),
		Payload:   domain.RollupPayload{Values: points},
	}, true
}
