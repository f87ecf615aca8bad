package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/logger"
)

const (
	metricsTable = "metrics_daily"
	// UpsertBatchSize bounds the rows written per statement.
	UpsertBatchSize = 500
)

// MetricsRepo implements ingest.MetricsStore against PostgreSQL.
type MetricsRepo struct {
	db        *sql.DB
	batchSize int
}

// NewMetricsRepo creates a Postgres-backed daily metrics repository.
func NewMetricsRepo(db *sql.DB) *MetricsRepo {
	return &MetricsRepo{db: db, batchSize: UpsertBatchSize}
}

// Upsert writes rows with last-write-wins semantics and reports how many
// were new and how many replaced an existing day. The classification is
// informational; every row is written either way. Duplicate keys within
// rows collapse to the last occurrence.
func (r *MetricsRepo) Upsert(ctx context.Context, rows []domain.MetricRow) (inserted, updated int, err error) {
	rows = dedupeRows(rows)
	if len(rows) == 0 {
		return 0, 0, nil
	}

	existing, err := r.existingKeys(ctx, rows)
	if err != nil {
		logger.Warn("metrics existence check failed, counting all rows as inserts", "error", err)
		existing = map[domain.MetricKey]bool{}
	}
	for _, row := range rows {
		if existing[row.Key()] {
			updated++
		} else {
			inserted++
		}
	}

	for start := 0; start < len(rows); start += r.batchSize {
		end := start + r.batchSize
		if end > len(rows) {
			end = len(rows)
		}
		if err := r.writeBatch(ctx, rows[start:end]); err != nil {
			return 0, 0, storeErr("upsert", metricsTable, fmt.Errorf("batch %d-%d: %w", start, end, err))
		}
	}
	return inserted, updated, nil
}

func dedupeRows(rows []domain.MetricRow) []domain.MetricRow {
	idx := make(map[domain.MetricKey]int, len(rows))
	out := make([]domain.MetricRow, 0, len(rows))
	for _, row := range rows {
		row.MetricDate = domain.Date(row.MetricDate)
		k := row.Key()
		if i, ok := idx[k]; ok {
			out[i] = row
			continue
		}
		idx[k] = len(out)
		out = append(out, row)
	}
	return out
}

// existingKeys fetches the keys already stored among rows. The filter uses
// the distinct values per column and the exact keys are matched in memory.
func (r *MetricsRepo) existingKeys(ctx context.Context, rows []domain.MetricRow) (map[domain.MetricKey]bool, error) {
	var accounts, platforms, keys, dates []string
	seen := map[string]bool{}
	add := func(dst *[]string, prefix, v string) {
		if !seen[prefix+v] {
			seen[prefix+v] = true
			*dst = append(*dst, v)
		}
	}
	want := make(map[domain.MetricKey]bool, len(rows))
	for _, row := range rows {
		k := row.Key()
		want[k] = true
		add(&accounts, "a:", k.AccountID)
		add(&platforms, "p:", string(k.Platform))
		add(&keys, "k:", k.MetricKey)
		add(&dates, "d:", k.MetricDate)
	}

	res, err := r.db.QueryContext(ctx, `
		SELECT account_id, platform, metric_key, metric_date
		FROM metrics_daily
		WHERE account_id = ANY($1) AND platform = ANY($2)
		  AND metric_key = ANY($3) AND metric_date = ANY($4::date[])
	`, pq.Array(accounts), pq.Array(platforms), pq.Array(keys), pq.Array(dates))
	if err != nil {
		return nil, err
	}
	defer res.Close()

	out := map[domain.MetricKey]bool{}
	for res.Next() {
		var k domain.MetricKey
		var date time.Time
		if err := res.Scan(&k.AccountID, &k.Platform, &k.MetricKey, &date); err != nil {
			return nil, err
		}
		k.MetricDate = domain.Date(date).Format(domain.DateLayout)
		if want[k] {
			out[k] = true
		}
	}
	return out, res.Err()
}

func (r *MetricsRepo) writeBatch(ctx context.Context, rows []domain.MetricRow) error {
	var sb strings.Builder
	sb.WriteString(`INSERT INTO metrics_daily
		(account_id, platform, metric_key, metric_date, value, metadata, created_at, updated_at)
		VALUES `)
	args := make([]interface{}, 0, len(rows)*6)
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		n := i * 6
		fmt.Fprintf(&sb, "($%d, $%d, $%d, $%d, $%d, $%d, NOW(), NOW())", n+1, n+2, n+3, n+4, n+5, n+6)
		args = append(args, row.AccountID, row.Platform, row.MetricKey,
			row.MetricDate.Format(domain.DateLayout), row.Value, nullJSON(row.Metadata))
	}
	sb.WriteString(`
		ON CONFLICT (account_id, platform, metric_key, metric_date) DO UPDATE SET
			value = EXCLUDED.value,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()`)
	_, err := r.db.ExecContext(ctx, sb.String(), args...)
	return err
}

// ListRange returns rows for account in [from, to], optionally limited to
// metricKeys, ordered by metric then date.
func (r *MetricsRepo) ListRange(ctx context.Context, accountID string, platform domain.Platform, metricKeys []string, from, to time.Time) ([]domain.MetricRow, error) {
	q := `
		SELECT account_id, platform, metric_key, metric_date, value, metadata
		FROM metrics_daily
		WHERE account_id = $1 AND platform = $2 AND metric_date BETWEEN $3 AND $4`
	args := []interface{}{accountID, platform, from.Format(domain.DateLayout), to.Format(domain.DateLayout)}
	if len(metricKeys) > 0 {
		q += ` AND metric_key = ANY($5)`
		args = append(args, pq.Array(metricKeys))
	}
	q += ` ORDER BY metric_key, metric_date`

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list range", metricsTable, err)
	}
	defer rows.Close()

	var out []domain.MetricRow
	for rows.Next() {
		var m domain.MetricRow
		var meta []byte
		if err := rows.Scan(&m.AccountID, &m.Platform, &m.MetricKey, &m.MetricDate, &m.Value, &meta); err != nil {
			return nil, storeErr("scan range", metricsTable, err)
		}
		m.MetricDate = domain.Date(m.MetricDate)
		if len(meta) > 0 {
			m.Metadata = json.RawMessage(meta)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list range", metricsTable, err)
	}
	return out, nil
}

// ListDates returns the distinct days in [from, to] with at least one row,
// ascending.
func (r *MetricsRepo) ListDates(ctx context.Context, accountID string, platform domain.Platform, from, to time.Time) ([]time.Time, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT metric_date
		FROM metrics_daily
		WHERE account_id = $1 AND platform = $2 AND metric_date BETWEEN $3 AND $4
		ORDER BY metric_date
	`, accountID, platform, from.Format(domain.DateLayout), to.Format(domain.DateLayout))
	if err != nil {
		return nil, storeErr("list dates", metricsTable, err)
	}
	defer rows.Close()

	var out []time.Time
	for rows.Next() {
		var d time.Time
		if err := rows.Scan(&d); err != nil {
			return nil, storeErr("scan dates", metricsTable, err)
		}
		out = append(out, domain.Date(d))
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list dates", metricsTable, err)
	}
	return out, nil
}
