package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ignite/social-metrics/internal/domain"
)

const (
	cacheTable              = "meta_cache"
	defaultCleanupBatch     = 1000
	cleanupStatementTimeout = 60 * time.Second
)

const cacheColumns = `
	resource, owner_id, since_ts, until_ts, extra_hash, platform,
	extra, payload, fetched_at, next_refresh_at, stale, last_error,
	COALESCE(refresh_reason, ''), created_at, updated_at`

// CacheRepo implements cache.Repository against PostgreSQL.
type CacheRepo struct {
	db          *sql.DB
	deleteBatch int
}

// NewCacheRepo creates a Postgres-backed cache repository.
func NewCacheRepo(db *sql.DB) *CacheRepo {
	return &CacheRepo{db: db, deleteBatch: defaultCleanupBatch}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanCacheEntry(s rowScanner) (*domain.CacheEntry, error) {
	e := &domain.CacheEntry{}
	var extra, payload []byte
	if err := s.Scan(
		&e.Key.Resource, &e.Key.OwnerID, &e.Key.SinceTS, &e.Key.UntilTS, &e.Key.ExtraHash, &e.Key.Platform,
		&extra, &payload, &e.FetchedAt, &e.NextRefreshAt, &e.Stale, &e.LastError,
		&e.RefreshReason, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(extra) > 0 {
		e.Extra = json.RawMessage(extra)
	}
	if len(payload) > 0 {
		e.Payload = json.RawMessage(payload)
	}
	return e, nil
}

func (r *CacheRepo) Find(ctx context.Context, key domain.CacheKey) (*domain.CacheEntry, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT`+cacheColumns+`
		FROM meta_cache
		WHERE resource = $1 AND owner_id = $2 AND since_ts = $3 AND until_ts = $4
		  AND extra_hash = $5 AND platform = $6
	`, key.Resource, key.OwnerID, key.SinceTS, key.UntilTS, key.ExtraHash, key.Platform)
	e, err := scanCacheEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("find", cacheTable, err)
	}
	return e, nil
}

func (r *CacheRepo) FindLatest(ctx context.Context, resource domain.Resource, ownerID string, extraHash *string, platform domain.Platform) (*domain.CacheEntry, error) {
	q := `
		SELECT` + cacheColumns + `
		FROM meta_cache
		WHERE resource = $1 AND owner_id = $2 AND platform = $3 AND payload IS NOT NULL`
	args := []interface{}{resource, ownerID, platform}
	if extraHash != nil {
		q += ` AND extra_hash = $4`
		args = append(args, *extraHash)
	}
	q += ` ORDER BY fetched_at DESC NULLS LAST, updated_at DESC LIMIT 1`

	e, err := scanCacheEntry(r.db.QueryRowContext(ctx, q, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, storeErr("find latest", cacheTable, err)
	}
	return e, nil
}

func (r *CacheRepo) Upsert(ctx context.Context, e *domain.CacheEntry) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO meta_cache
			(resource, owner_id, since_ts, until_ts, extra_hash, platform,
			 extra, payload, fetched_at, next_refresh_at, stale, last_error,
			 refresh_reason, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, NOW(), NOW())
		ON CONFLICT (resource, owner_id, since_ts, until_ts, extra_hash, platform) DO UPDATE SET
			extra = EXCLUDED.extra,
			payload = EXCLUDED.payload,
			fetched_at = EXCLUDED.fetched_at,
			next_refresh_at = EXCLUDED.next_refresh_at,
			stale = EXCLUDED.stale,
			last_error = EXCLUDED.last_error,
			refresh_reason = EXCLUDED.refresh_reason,
			updated_at = NOW()
	`, e.Key.Resource, e.Key.OwnerID, e.Key.SinceTS, e.Key.UntilTS, e.Key.ExtraHash, e.Key.Platform,
		nullJSON(e.Extra), nullJSON(e.Payload), e.FetchedAt, e.NextRefreshAt, e.Stale, e.LastError,
		e.RefreshReason)
	if err != nil {
		return storeErr("upsert", cacheTable, err)
	}
	return nil
}

// MarkError keeps the stored payload and pushes the refresh time out to
// retryAt, never earlier than an already scheduled refresh. A failing
// identity therefore leaves the head of the due queue.
func (r *CacheRepo) MarkError(ctx context.Context, key domain.CacheKey, extra json.RawMessage, message string, at, retryAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO meta_cache
			(resource, owner_id, since_ts, until_ts, extra_hash, platform,
			 extra, payload, fetched_at, next_refresh_at, stale, last_error,
			 created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULL, NULL, $10, TRUE, $9, $8, $8)
		ON CONFLICT (resource, owner_id, since_ts, until_ts, extra_hash, platform) DO UPDATE SET
			stale = TRUE,
			last_error = EXCLUDED.last_error,
			next_refresh_at = GREATEST(meta_cache.next_refresh_at, EXCLUDED.next_refresh_at),
			updated_at = EXCLUDED.updated_at
	`, key.Resource, key.OwnerID, key.SinceTS, key.UntilTS, key.ExtraHash, key.Platform,
		nullJSON(extra), at, message, retryAt)
	if err != nil {
		return storeErr("mark error", cacheTable, err)
	}
	return nil
}

func (r *CacheRepo) ListDue(ctx context.Context, now time.Time, limit int) ([]domain.CacheEntry, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT`+cacheColumns+`
		FROM meta_cache
		WHERE next_refresh_at IS NOT NULL AND next_refresh_at <= $1
		ORDER BY next_refresh_at ASC
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, storeErr("list due", cacheTable, err)
	}
	defer rows.Close()

	var out []domain.CacheEntry
	for rows.Next() {
		e, err := scanCacheEntry(rows)
		if err != nil {
			return nil, storeErr("scan due", cacheTable, err)
		}
		out = append(out, *e)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list due", cacheTable, err)
	}
	return out, nil
}

// DeleteOlderThan removes rows whose effective timestamp is before cutoff,
// in batches so a large sweep never holds one long statement.
func (r *CacheRepo) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		queryCtx, cancel := context.WithTimeout(ctx, cleanupStatementTimeout)
		res, err := r.db.ExecContext(queryCtx, `
			DELETE FROM meta_cache
			WHERE id IN (
				SELECT id FROM meta_cache
				WHERE COALESCE(next_refresh_at, fetched_at, updated_at, created_at, NOW()) < $1
				LIMIT $2
			)
		`, cutoff, r.deleteBatch)
		cancel()
		if err != nil {
			return total, storeErr("cleanup", cacheTable, fmt.Errorf("after %d rows: %w", total, err))
		}
		affected, _ := res.RowsAffected()
		total += affected
		if affected < int64(r.deleteBatch) {
			return total, nil
		}
	}
}
