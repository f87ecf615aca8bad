package postgres

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/ignite/social-metrics/internal/domain"
)

const ingestLogTable = "ingest_logs"

// IngestLogRepo implements ingest.LogStore against PostgreSQL.
type IngestLogRepo struct{ db *sql.DB }

// NewIngestLogRepo creates a Postgres-backed ingest log repository.
func NewIngestLogRepo(db *sql.DB) *IngestLogRepo { return &IngestLogRepo{db: db} }

// Start inserts a running log row, assigning an ID when empty.
func (r *IngestLogRepo) Start(ctx context.Context, l *domain.IngestLog) error {
	if l.ID == "" {
		l.ID = uuid.New().String()
	}
	if l.StartedAt.IsZero() {
		l.StartedAt = time.Now().UTC()
	}
	l.Status = domain.IngestRunning
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ingest_logs
			(id, platform, job_type, account_id, date_from, date_to, status, started_at,
			 records_inserted, records_updated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0, 0)
	`, l.ID, l.Platform, l.JobType, l.AccountID,
		l.DateFrom.Format(domain.DateLayout), l.DateTo.Format(domain.DateLayout), l.Status, l.StartedAt)
	if err != nil {
		return storeErr("start", ingestLogTable, err)
	}
	return nil
}

// Finish writes the final status and counts of a run.
func (r *IngestLogRepo) Finish(ctx context.Context, l *domain.IngestLog) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ingest_logs
		SET status = $2, finished_at = $3, records_inserted = $4, records_updated = $5,
		    error_message = $6, details = $7
		WHERE id = $1
	`, l.ID, l.Status, l.FinishedAt, l.RecordsInserted, l.RecordsUpdated, l.ErrorMessage, nullJSON(l.Details))
	if err != nil {
		return storeErr("finish", ingestLogTable, err)
	}
	return nil
}

// List returns the most recent runs, optionally for one account.
func (r *IngestLogRepo) List(ctx context.Context, accountID string, limit int) ([]domain.IngestLog, error) {
	if limit <= 0 {
		limit = 50
	}
	q := `
		SELECT id, platform, job_type, account_id, date_from, date_to, status, started_at,
		       finished_at, records_inserted, records_updated, error_message, details
		FROM ingest_logs`
	args := []interface{}{}
	if accountID != "" {
		q += ` WHERE account_id = $1 ORDER BY started_at DESC LIMIT $2`
		args = append(args, accountID, limit)
	} else {
		q += ` ORDER BY started_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storeErr("list", ingestLogTable, err)
	}
	defer rows.Close()

	var out []domain.IngestLog
	for rows.Next() {
		var l domain.IngestLog
		var details []byte
		if err := rows.Scan(&l.ID, &l.Platform, &l.JobType, &l.AccountID, &l.DateFrom, &l.DateTo,
			&l.Status, &l.StartedAt, &l.FinishedAt, &l.RecordsInserted, &l.RecordsUpdated,
			&l.ErrorMessage, &details); err != nil {
			return nil, storeErr("scan", ingestLogTable, err)
		}
		if len(details) > 0 {
			l.Details = details
		}
		out = append(out, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list", ingestLogTable, err)
	}
	return out, nil
}
