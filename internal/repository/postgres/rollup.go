package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/social-metrics/internal/domain"
)

const rollupTable = "metrics_daily_rollup"

// RollupRepo implements ingest.RollupStore against PostgreSQL.
type RollupRepo struct{ db *sql.DB }

// NewRollupRepo creates a Postgres-backed rollup repository.
func NewRollupRepo(db *sql.DB) *RollupRepo { return &RollupRepo{db: db} }

// Upsert replaces each row keyed by account, platform, metric, bucket and
// window.
func (r *RollupRepo) Upsert(ctx context.Context, rows []domain.RollupRow) error {
	for _, row := range rows {
		payload, err := json.Marshal(row.Payload)
		if err != nil {
			return fmt.Errorf("encode rollup payload: %w", err)
		}
		_, err = r.db.ExecContext(ctx, `
			INSERT INTO metrics_daily_rollup
				(account_id, platform, metric_key, bucket, start_date, end_date,
				 value_sum, value_avg, samples, payload, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, NOW())
			ON CONFLICT (account_id, platform, metric_key, bucket, start_date, end_date) DO UPDATE SET
				value_sum = EXCLUDED.value_sum,
				value_avg = EXCLUDED.value_avg,
				samples = EXCLUDED.samples,
				payload = EXCLUDED.payload,
				updated_at = NOW()
		`, row.AccountID, row.Platform, row.MetricKey, row.Bucket.String(),
			row.StartDate.Format(domain.DateLayout), row.EndDate.Format(domain.DateLayout),
			row.ValueSum, row.ValueAvg, row.Samples, string(payload))
		if err != nil {
			return storeErr("upsert", rollupTable, err)
		}
	}
	return nil
}

// ListForEnd returns every rollup for account whose window ends on end.
func (r *RollupRepo) ListForEnd(ctx context.Context, accountID string, platform domain.Platform, end time.Time) ([]domain.RollupRow, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, platform, metric_key, bucket, start_date, end_date,
		       value_sum, value_avg, samples, payload
		FROM metrics_daily_rollup
		WHERE account_id = $1 AND platform = $2 AND end_date = $3
		ORDER BY metric_key, start_date DESC
	`, accountID, platform, end.Format(domain.DateLayout))
	if err != nil {
		return nil, storeErr("list", rollupTable, err)
	}
	defer rows.Close()

	var out []domain.RollupRow
	for rows.Next() {
		var row domain.RollupRow
		var bucket string
		var payload []byte
		if err := rows.Scan(&row.AccountID, &row.Platform, &row.MetricKey, &bucket,
			&row.StartDate, &row.EndDate, &row.ValueSum, &row.ValueAvg, &row.Samples, &payload); err != nil {
			return nil, storeErr("scan", rollupTable, err)
		}
		b, err := parseBucket(bucket)
		if err != nil {
			return nil, storeErr("scan", rollupTable, err)
		}
		row.Bucket = b
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &row.Payload); err != nil {
				return nil, storeErr("decode payload", rollupTable, err)
			}
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", rollupTable, err)
	}
	return out, nil
}

func parseBucket(s string) (domain.Bucket, error) {
	n, err := strconv.Atoi(strings.TrimSuffix(s, "d"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid bucket %q", s)
	}
	return domain.Bucket(n), nil
}
