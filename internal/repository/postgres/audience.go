package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/ignite/social-metrics/internal/domain"
)

const audienceTable = "ig_audience_snapshots"

// AudienceRepo stores follower demographic snapshots.
type AudienceRepo struct{ db *sql.DB }

// NewAudienceRepo creates a Postgres-backed audience snapshot repository.
func NewAudienceRepo(db *sql.DB) *AudienceRepo { return &AudienceRepo{db: db} }

func (r *AudienceRepo) Upsert(ctx context.Context, s domain.AudienceSnapshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ig_audience_snapshots (account_id, snapshot_date, timeframe, payload, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (account_id, snapshot_date, timeframe) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = NOW()
	`, s.AccountID, s.SnapshotDate.Format(domain.DateLayout), s.Timeframe, string(s.Payload))
	if err != nil {
		return storeErr("upsert", audienceTable, err)
	}
	return nil
}

// Latest returns the newest snapshot on or before the given day.
func (r *AudienceRepo) Latest(ctx context.Context, accountID, timeframe string, onOrBefore time.Time) (*domain.AudienceSnapshot, error) {
	s := &domain.AudienceSnapshot{}
	var payload []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT account_id, snapshot_date, timeframe, payload, updated_at
		FROM ig_audience_snapshots
		WHERE account_id = $1 AND timeframe = $2 AND snapshot_date <= $3
		ORDER BY snapshot_date DESC
		LIMIT 1
	`, accountID, timeframe, onOrBefore.Format(domain.DateLayout)).Scan(
		&s.AccountID, &s.SnapshotDate, &s.Timeframe, &payload, &s.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("latest", audienceTable, err)
	}
	s.Payload = payload
	return s, nil
}
