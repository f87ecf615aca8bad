package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ignite/social-metrics/internal/domain"
)

const coverageTable = "metrics_coverage"

// CoverageRepo persists advisory coverage summaries.
type CoverageRepo struct{ db *sql.DB }

// NewCoverageRepo creates a Postgres-backed coverage repository.
func NewCoverageRepo(db *sql.DB) *CoverageRepo { return &CoverageRepo{db: db} }

// Upsert stores the latest computation for the row's range. Backfill
// bookkeeping columns are left as they are.
func (r *CoverageRepo) Upsert(ctx context.Context, c domain.CoverageRow) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO metrics_coverage
			(account_id, platform, date_from, date_to, days_expected, days_present, missing_days,
			 coverage_ratio, has_full_coverage, first_available, last_available, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (account_id, platform, date_from, date_to) DO UPDATE SET
			days_expected = EXCLUDED.days_expected,
			days_present = EXCLUDED.days_present,
			missing_days = EXCLUDED.missing_days,
			coverage_ratio = EXCLUDED.coverage_ratio,
			has_full_coverage = EXCLUDED.has_full_coverage,
			first_available = EXCLUDED.first_available,
			last_available = EXCLUDED.last_available,
			computed_at = EXCLUDED.computed_at
	`, c.AccountID, c.Platform, c.DateFrom.Format(domain.DateLayout), c.DateTo.Format(domain.DateLayout),
		c.DaysExpected, c.DaysPresent, c.MissingDays, c.CoverageRatio, c.HasFullCoverage,
		formatDatePtr(c.FirstAvailable), formatDatePtr(c.LastAvailable), c.ComputedAt)
	if err != nil {
		return storeErr("upsert", coverageTable, err)
	}
	return nil
}

// MarkBackfill records the outcome of a backfill for the range.
func (r *CoverageRepo) MarkBackfill(ctx context.Context, accountID string, platform domain.Platform, from, to, at time.Time, lastError *string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE metrics_coverage
		SET last_backfill_at = $5, last_error = $6
		WHERE account_id = $1 AND platform = $2 AND date_from = $3 AND date_to = $4
	`, accountID, platform, from.Format(domain.DateLayout), to.Format(domain.DateLayout), at, lastError)
	if err != nil {
		return storeErr("mark backfill", coverageTable, err)
	}
	return nil
}

// Get returns the stored summary for a range or domain.ErrNotFound.
func (r *CoverageRepo) Get(ctx context.Context, accountID string, platform domain.Platform, from, to time.Time) (*domain.CoverageRow, error) {
	c := &domain.CoverageRow{}
	err := r.db.QueryRowContext(ctx, `
		SELECT account_id, platform, date_from, date_to, days_expected, days_present, missing_days,
		       coverage_ratio, has_full_coverage, first_available, last_available,
		       last_backfill_at, last_error, computed_at
		FROM metrics_coverage
		WHERE account_id = $1 AND platform = $2 AND date_from = $3 AND date_to = $4
	`, accountID, platform, from.Format(domain.DateLayout), to.Format(domain.DateLayout)).Scan(
		&c.AccountID, &c.Platform, &c.DateFrom, &c.DateTo, &c.DaysExpected, &c.DaysPresent, &c.MissingDays,
		&c.CoverageRatio, &c.HasFullCoverage, &c.FirstAvailable, &c.LastAvailable,
		&c.LastBackfillAt, &c.LastError, &c.ComputedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("get", coverageTable, err)
	}
	return c, nil
}

func formatDatePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Format(domain.DateLayout)
}
