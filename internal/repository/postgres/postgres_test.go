package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/social-metrics/internal/domain"
)

func setupTestDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, func()) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	return db, mock, func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	}
}

var cacheCols = []string{
	"resource", "owner_id", "since_ts", "until_ts", "extra_hash", "platform",
	"extra", "payload", "fetched_at", "next_refresh_at", "stale", "last_error",
	"refresh_reason", "created_at", "updated_at",
}

func sampleKey() domain.CacheKey {
	return domain.CacheKey{
		Resource: domain.ResourceInstagramPosts,
		OwnerID:  "1784",
		Platform: domain.PlatformInstagram,
	}
}

// =============================================================================
// CACHE REPO
// =============================================================================

func TestCacheRepo_Find(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	fetched := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	next := fetched.Add(time.Hour)
	mock.ExpectQuery("FROM meta_cache").
		WithArgs("instagram_posts", "1784", int64(0), int64(0), "", "instagram").
		WillReturnRows(sqlmock.NewRows(cacheCols).AddRow(
			"instagram_posts", "1784", int64(0), int64(0), "", "instagram",
			nil, []byte(`{"items":[]}`), fetched, next, false, nil,
			"on_demand", fetched, fetched,
		))

	e, err := NewCacheRepo(db).Find(context.Background(), sampleKey())
	require.NoError(t, err)
	assert.Equal(t, domain.ResourceInstagramPosts, e.Key.Resource)
	assert.Equal(t, domain.PlatformInstagram, e.Key.Platform)
	assert.JSONEq(t, `{"items":[]}`, string(e.Payload))
	assert.Nil(t, e.Extra)
	require.NotNil(t, e.NextRefreshAt)
	assert.True(t, e.NextRefreshAt.Equal(next))
	assert.Equal(t, "on_demand", e.RefreshReason)
}

func TestCacheRepo_FindMissing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM meta_cache").WillReturnRows(sqlmock.NewRows(cacheCols))

	_, err := NewCacheRepo(db).Find(context.Background(), sampleKey())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCacheRepo_FindLatestFiltersExtraHash(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	hash := "abc"
	mock.ExpectQuery(`payload IS NOT NULL AND extra_hash = \$4`).
		WithArgs("instagram_posts", "1784", "instagram", "abc").
		WillReturnRows(sqlmock.NewRows(cacheCols))

	_, err := NewCacheRepo(db).FindLatest(context.Background(), domain.ResourceInstagramPosts, "1784", &hash, domain.PlatformInstagram)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCacheRepo_UpsertWrapsStoreError(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO meta_cache").WillReturnError(errors.New("connection reset"))

	err := NewCacheRepo(db).Upsert(context.Background(), &domain.CacheEntry{Key: sampleKey(), Payload: json.RawMessage(`{}`)})
	var se *domain.StoreError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, "meta_cache", se.Table)
}

func TestCacheRepo_MarkErrorKeepsPayloadAndDefersRefresh(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	at := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	retry := at.Add(time.Hour)
	mock.ExpectExec(`ON CONFLICT .* DO UPDATE SET\s+stale = TRUE,\s+last_error = EXCLUDED.last_error,\s+next_refresh_at = GREATEST\(meta_cache.next_refresh_at, EXCLUDED.next_refresh_at\),\s+updated_at = EXCLUDED.updated_at`).
		WithArgs("instagram_posts", "1784", int64(0), int64(0), "", "instagram", nil, at, "boom", retry).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewCacheRepo(db).MarkError(context.Background(), sampleKey(), nil, "boom", at, retry)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCacheRepo_ListDue(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	due := now.Add(-time.Minute)
	mock.ExpectQuery("next_refresh_at <= \\$1").
		WithArgs(now, 25).
		WillReturnRows(sqlmock.NewRows(cacheCols).
			AddRow("facebook_posts", "p1", int64(0), int64(0), "", "facebook",
				[]byte(`{"limit":6}`), nil, nil, due, true, "boom", "", now, now))

	entries, err := NewCacheRepo(db).ListDue(context.Background(), now, 25)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.False(t, entries[0].HasPayload())
	extra, err := entries[0].ExtraMap()
	require.NoError(t, err)
	assert.Equal(t, float64(6), extra["limit"])
}

func TestCacheRepo_DeleteOlderThanBatches(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewCacheRepo(db)
	repo.deleteBatch = 2
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec("DELETE FROM meta_cache").WithArgs(cutoff, 2).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM meta_cache").WithArgs(cutoff, 2).WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM meta_cache").WithArgs(cutoff, 2).WillReturnResult(sqlmock.NewResult(0, 1))

	n, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(5), n)
}

func TestCacheRepo_DeleteOlderThanReportsPartialProgress(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewCacheRepo(db)
	repo.deleteBatch = 2
	mock.ExpectExec("DELETE FROM meta_cache").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("DELETE FROM meta_cache").WillReturnError(errors.New("statement timeout"))

	n, err := repo.DeleteOlderThan(context.Background(), time.Now())
	assert.Error(t, err)
	assert.Equal(t, int64(2), n)
}

// =============================================================================
// METRICS REPO
// =============================================================================

func TestMetricsRepo_UpsertInsertThenUpdate(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	day := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	rows := []domain.MetricRow{{
		AccountID: "1784", Platform: domain.PlatformInstagram,
		MetricKey: "reach", MetricDate: day, Value: 120,
	}}
	existCols := []string{"account_id", "platform", "metric_key", "metric_date"}

	mock.ExpectQuery("SELECT account_id, platform, metric_key, metric_date").
		WillReturnRows(sqlmock.NewRows(existCols))
	mock.ExpectExec("INSERT INTO metrics_daily").
		WithArgs("1784", "instagram", "reach", "2026-01-05", float64(120), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	repo := NewMetricsRepo(db)
	ins, upd, err := repo.Upsert(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 1, ins)
	assert.Equal(t, 0, upd)

	mock.ExpectQuery("SELECT account_id, platform, metric_key, metric_date").
		WillReturnRows(sqlmock.NewRows(existCols).AddRow("1784", "instagram", "reach", day))
	mock.ExpectExec("INSERT INTO metrics_daily").WillReturnResult(sqlmock.NewResult(0, 1))

	ins, upd, err = repo.Upsert(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 0, ins)
	assert.Equal(t, 1, upd)
}

func TestMetricsRepo_UpsertDedupesLastWins(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	day := time.Date(2026, 1, 5, 9, 30, 0, 0, time.UTC)
	rows := []domain.MetricRow{
		{AccountID: "a", Platform: domain.PlatformInstagram, MetricKey: "reach", MetricDate: day, Value: 1},
		{AccountID: "a", Platform: domain.PlatformInstagram, MetricKey: "reach", MetricDate: day, Value: 2},
	}
	mock.ExpectQuery("FROM metrics_daily").WillReturnRows(sqlmock.NewRows([]string{"account_id", "platform", "metric_key", "metric_date"}))
	mock.ExpectExec("INSERT INTO metrics_daily").
		WithArgs("a", "instagram", "reach", "2026-01-05", float64(2), nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	ins, upd, err := NewMetricsRepo(db).Upsert(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 1, ins)
	assert.Equal(t, 0, upd)
}

func TestMetricsRepo_UpsertExistenceFailureCountsInserts(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	day := time.Date(2026, 1, 5, 0, 0, 0, 0, time.UTC)
	rows := []domain.MetricRow{
		{AccountID: "a", Platform: domain.PlatformInstagram, MetricKey: "reach", MetricDate: day, Value: 1},
		{AccountID: "a", Platform: domain.PlatformInstagram, MetricKey: "views", MetricDate: day, Value: 3},
	}
	mock.ExpectQuery("FROM metrics_daily").WillReturnError(errors.New("bad array"))
	mock.ExpectExec("INSERT INTO metrics_daily").WillReturnResult(sqlmock.NewResult(0, 2))

	ins, upd, err := NewMetricsRepo(db).Upsert(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 2, ins)
	assert.Equal(t, 0, upd)
}

func TestMetricsRepo_UpsertBatches(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	repo := NewMetricsRepo(db)
	repo.batchSize = 2
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	var rows []domain.MetricRow
	for i := 0; i < 5; i++ {
		rows = append(rows, domain.MetricRow{
			AccountID: "a", Platform: domain.PlatformInstagram, MetricKey: "reach",
			MetricDate: start.AddDate(0, 0, i), Value: float64(i),
		})
	}
	mock.ExpectQuery("FROM metrics_daily").WillReturnRows(sqlmock.NewRows([]string{"account_id", "platform", "metric_key", "metric_date"}))
	mock.ExpectExec("INSERT INTO metrics_daily").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO metrics_daily").WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectExec("INSERT INTO metrics_daily").WillReturnResult(sqlmock.NewResult(0, 1))

	ins, _, err := repo.Upsert(context.Background(), rows)
	require.NoError(t, err)
	assert.Equal(t, 5, ins)
}

func TestMetricsRepo_UpsertBatchFailure(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rows := []domain.MetricRow{{AccountID: "a", Platform: domain.PlatformInstagram, MetricKey: "reach", MetricDate: time.Now(), Value: 1}}
	mock.ExpectQuery("FROM metrics_daily").WillReturnRows(sqlmock.NewRows([]string{"account_id", "platform", "metric_key", "metric_date"}))
	mock.ExpectExec("INSERT INTO metrics_daily").WillReturnError(errors.New("deadlock"))

	_, _, err := NewMetricsRepo(db).Upsert(context.Background(), rows)
	var se *domain.StoreError
	assert.ErrorAs(t, err, &se)
}

func TestMetricsRepo_ListDates(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	to := from.AddDate(0, 0, 9)
	mock.ExpectQuery("SELECT DISTINCT metric_date").
		WithArgs("a", "instagram", "2026-01-01", "2026-01-10").
		WillReturnRows(sqlmock.NewRows([]string{"metric_date"}).
			AddRow(from).AddRow(from.AddDate(0, 0, 1)))

	dates, err := NewMetricsRepo(db).ListDates(context.Background(), "a", domain.PlatformInstagram, from, to)
	require.NoError(t, err)
	require.Len(t, dates, 2)
	assert.True(t, dates[1].Equal(from.AddDate(0, 0, 1)))
}

func TestMetricsRepo_ListRangeFiltersKeys(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`metric_key = ANY\(\$5\)`).
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "platform", "metric_key", "metric_date", "value", "metadata"}).
			AddRow("a", "instagram", "reach", from, 10.0, nil))

	rows, err := NewMetricsRepo(db).ListRange(context.Background(), "a", domain.PlatformInstagram, []string{"reach"}, from, from)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, 10.0, rows[0].Value)
	assert.Nil(t, rows[0].Metadata)
}

// =============================================================================
// ROLLUPS, LOGS, COVERAGE, AUDIENCE
// =============================================================================

func TestRollupRepo_ListForEnd(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	end := time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM metrics_daily_rollup").
		WithArgs("a", "instagram", "2026-01-07").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "platform", "metric_key", "bucket", "start_date", "end_date",
			"value_sum", "value_avg", "samples", "payload"}).
			AddRow("a", "instagram", "reach", "7d", end.AddDate(0, 0, -6), end, 70.0, 10.0, 7,
				[]byte(`{"values":[{"metric_date":"2026-01-07","value":10}]}`)))

	rows, err := NewRollupRepo(db).ListForEnd(context.Background(), "a", domain.PlatformInstagram, end)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.Bucket7d, rows[0].Bucket)
	assert.Len(t, rows[0].Payload.Values, 1)
}

func TestRollupRepo_Upsert(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	end := time.Date(2026, 1, 7, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec("INSERT INTO metrics_daily_rollup").
		WithArgs("a", "instagram", "reach", "30d", "2025-12-09", "2026-01-07", 5.0, 5.0, 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewRollupRepo(db).Upsert(context.Background(), []domain.RollupRow{{
		AccountID: "a", Platform: domain.PlatformInstagram, MetricKey: "reach", Bucket: domain.Bucket30d,
		StartDate: domain.Bucket30d.Start(end), EndDate: end, ValueSum: 5, ValueAvg: 5, Samples: 1,
	}})
	assert.NoError(t, err)
}

func TestParseBucket(t *testing.T) {
	tests := []struct {
		in      string
		want    domain.Bucket
		wantErr bool
	}{
		{"7d", domain.Bucket7d, false},
		{"90d", domain.Bucket90d, false},
		{"0d", 0, true},
		{"week", 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := parseBucket(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIngestLogRepo_StartAssignsID(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO ingest_logs").WillReturnResult(sqlmock.NewResult(0, 1))

	l := &domain.IngestLog{Platform: domain.PlatformInstagram, JobType: "daily", AccountID: "a"}
	require.NoError(t, NewIngestLogRepo(db).Start(context.Background(), l))
	assert.NotEmpty(t, l.ID)
	assert.Equal(t, domain.IngestRunning, l.Status)
	assert.False(t, l.StartedAt.IsZero())
}

func TestIngestLogRepo_ListByAccount(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`WHERE account_id = \$1 ORDER BY started_at DESC LIMIT \$2`).
		WithArgs("a", 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "platform", "job_type", "account_id", "date_from", "date_to",
			"status", "started_at", "finished_at", "records_inserted", "records_updated", "error_message", "details"}).
			AddRow("id-1", "instagram", "daily", "a", now, now, "succeeded", now, now, 12, 3, nil, nil))

	logs, err := NewIngestLogRepo(db).List(context.Background(), "a", 0)
	require.NoError(t, err)
	require.Len(t, logs, 1)
	assert.Equal(t, domain.IngestSucceeded, logs[0].Status)
	assert.Equal(t, 12, logs[0].RecordsInserted)
	assert.Nil(t, logs[0].ErrorMessage)
}

func TestCoverageRepo_GetMissing(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("FROM metrics_coverage").WillReturnError(sql.ErrNoRows)

	_, err := NewCoverageRepo(db).Get(context.Background(), "a", domain.PlatformInstagram, time.Now(), time.Now())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCoverageRepo_MarkBackfill(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	from := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	at := from.Add(48 * time.Hour)
	mock.ExpectExec("UPDATE metrics_coverage").
		WithArgs("a", "instagram", "2026-01-01", "2026-01-10", at, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := NewCoverageRepo(db).MarkBackfill(context.Background(), "a", domain.PlatformInstagram, from, from.AddDate(0, 0, 9), at, nil)
	assert.NoError(t, err)
}

func TestAudienceRepo_Latest(t *testing.T) {
	db, mock, cleanup := setupTestDB(t)
	defer cleanup()

	day := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM ig_audience_snapshots").
		WithArgs("a", "this_month", "2026-01-05").
		WillReturnRows(sqlmock.NewRows([]string{"account_id", "snapshot_date", "timeframe", "payload", "updated_at"}).
			AddRow("a", day, "this_month", []byte(`{"age":{}}`), day))

	s, err := NewAudienceRepo(db).Latest(context.Background(), "a", "this_month", day.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.True(t, s.SnapshotDate.Equal(day))
	assert.JSONEq(t, `{"age":{}}`, string(s.Payload))
}
