package ingest

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/logger"
)

// CoverageTracker measures how much of a date range has stored rows.
type CoverageTracker struct {
	metrics MetricsStore
	store   CoverageStore
	now     func() time.Time
}

// NewCoverageTracker creates a tracker. store may be nil, in which case
// results are not persisted.
func NewCoverageTracker(metrics MetricsStore, store CoverageStore) *CoverageTracker {
	return &CoverageTracker{metrics: metrics, store: store, now: time.Now}
}

// Compute recounts the distinct stored days in [from, to]. The result is
// always computed from the metrics table; the persisted copy is only for
// dashboards and a failure to write it is logged. When a store is set, the
// last backfill outcome recorded for the range is attached.
func (t *CoverageTracker) Compute(ctx context.Context, accountID string, platform domain.Platform, from, to time.Time) (domain.CoverageRow, error) {
	from, to = domain.Date(from), domain.Date(to)
	row := domain.CoverageRow{
		AccountID:  accountID,
		Platform:   platform,
		DateFrom:   from,
		DateTo:     to,
		ComputedAt: t.now().UTC(),
	}

	expected := 0
	if !to.Before(from) {
		expected = domain.DaysBetween(from, to)
	}
	row.DaysExpected = expected
	if expected == 0 {
		row.CoverageRatio = 1.0
		return row, nil
	}

	dates, err := t.metrics.ListDates(ctx, accountID, platform, from, to)
	if err != nil {
		return row, err
	}
	seen := make(map[time.Time]bool, len(dates))
	for _, d := range dates {
		d = domain.Date(d)
		if d.Before(from) || d.After(to) || seen[d] {
			continue
		}
		seen[d] = true
		if row.FirstAvailable == nil || d.Before(*row.FirstAvailable) {
			first := d
			row.FirstAvailable = &first
		}
		if row.LastAvailable == nil || d.After(*row.LastAvailable) {
			last := d
			row.LastAvailable = &last
		}
	}

	row.DaysPresent = len(seen)
	row.MissingDays = expected - row.DaysPresent
	row.CoverageRatio = math.Round(float64(row.DaysPresent)/float64(expected)*10000) / 10000
	row.HasFullCoverage = row.DaysPresent == expected

	if t.store != nil {
		t.persist(ctx, &row)
	}
	return row, nil
}

// persist writes the row and copies back the backfill bookkeeping the store
// keeps for the range.
func (t *CoverageTracker) persist(ctx context.Context, row *domain.CoverageRow) {
	rng := row.DateFrom.Format(domain.DateLayout) + ".." + row.DateTo.Format(domain.DateLayout)
	if err := t.store.Upsert(ctx, *row); err != nil {
		logger.Warn("coverage persist failed", "account", row.AccountID, "range", rng, "error", err)
		return
	}
	stored, err := t.store.Get(ctx, row.AccountID, row.Platform, row.DateFrom, row.DateTo)
	switch {
	case errors.Is(err, domain.ErrNotFound):
	case err != nil:
		logger.Warn("coverage lookup failed", "account", row.AccountID, "range", rng, "error", err)
	default:
		row.LastBackfillAt = stored.LastBackfillAt
		row.LastError = stored.LastError
	}
}

// MissingSpans groups the days of [from, to] absent from present into
// maximal contiguous runs, in ascending order.
func MissingSpans(from, to time.Time, present []time.Time) []domain.DateRange {
	from, to = domain.Date(from), domain.Date(to)
	have := make(map[time.Time]bool, len(present))
	for _, d := range present {
		have[domain.Date(d)] = true
	}

	var spans []domain.DateRange
	var cur *domain.DateRange
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		if have[d] {
			if cur != nil {
				spans = append(spans, *cur)
				cur = nil
			}
			continue
		}
		if cur == nil {
			cur = &domain.DateRange{From: d, To: d}
		} else {
			cur.To = d
		}
	}
	if cur != nil {
		spans = append(spans, *cur)
	}
	return spans
}
