package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/domain"
)

func day(s string) time.Time {
	t, err := time.Parse(domain.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func fptr(v float64) *float64 { return &v }

// memMetrics is an in-memory MetricsStore.
type memMetrics struct {
	mu        sync.Mutex
	rows      map[domain.MetricKey]domain.MetricRow
	upsertErr error
	upserts   int
}

func newMemMetrics() *memMetrics {
	return &memMetrics{rows: map[domain.MetricKey]domain.MetricRow{}}
}

func (m *memMetrics) seed(account string, metric string, value float64, dates ...string) {
	for _, d := range dates {
		r := domain.MetricRow{AccountID: account, Platform: domain.PlatformInstagram, MetricKey: metric, MetricDate: day(d), Value: value}
		m.rows[r.Key()] = r
	}
}

func (m *memMetrics) Upsert(_ context.Context, rows []domain.MetricRow) (int, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.upsertErr != nil {
		return 0, 0, m.upsertErr
	}
	var ins, upd int
	for _, r := range rows {
		r.MetricDate = domain.Date(r.MetricDate)
		if _, ok := m.rows[r.Key()]; ok {
			upd++
		} else {
			ins++
		}
		m.rows[r.Key()] = r
	}
	return ins, upd, nil
}

func (m *memMetrics) ListRange(_ context.Context, account string, platform domain.Platform, keys []string, from, to time.Time) ([]domain.MetricRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	want := map[string]bool{}
	for _, k := range keys {
		want[k] = true
	}
	var out []domain.MetricRow
	for _, r := range m.rows {
		if r.AccountID != account || r.Platform != platform {
			continue
		}
		if len(keys) > 0 && !want[r.MetricKey] {
			continue
		}
		if r.MetricDate.Before(domain.Date(from)) || r.MetricDate.After(domain.Date(to)) {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MetricKey != out[j].MetricKey {
			return out[i].MetricKey < out[j].MetricKey
		}
		return out[i].MetricDate.Before(out[j].MetricDate)
	})
	return out, nil
}

func (m *memMetrics) ListDates(ctx context.Context, account string, platform domain.Platform, from, to time.Time) ([]time.Time, error) {
	rows, _ := m.ListRange(ctx, account, platform, nil, from, to)
	seen := map[time.Time]bool{}
	var out []time.Time
	for _, r := range rows {
		if !seen[r.MetricDate] {
			seen[r.MetricDate] = true
			out = append(out, r.MetricDate)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

type memRollups struct {
	mu   sync.Mutex
	rows []domain.RollupRow
}

func (m *memRollups) Upsert(_ context.Context, rows []domain.RollupRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, rows...)
	return nil
}

func (m *memRollups) ListForEnd(_ context.Context, account string, platform domain.Platform, end time.Time) ([]domain.RollupRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.RollupRow
	for _, r := range m.rows {
		if r.AccountID == account && r.Platform == platform && r.EndDate.Equal(domain.Date(end)) {
			out = append(out, r)
		}
	}
	return out, nil
}

type memLogs struct {
	mu       sync.Mutex
	started  []domain.IngestLog
	finished []domain.IngestLog
}

func (m *memLogs) Start(_ context.Context, l *domain.IngestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.ID = fmt.Sprintf("log-%d", len(m.started)+1)
	l.Status = domain.IngestRunning
	m.started = append(m.started, *l)
	return nil
}

func (m *memLogs) Finish(_ context.Context, l *domain.IngestLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.finished = append(m.finished, *l)
	return nil
}

func (m *memLogs) List(_ context.Context, _ string, _ int) ([]domain.IngestLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.IngestLog(nil), m.finished...), nil
}

type memCoverage struct {
	mu         sync.Mutex
	rows       []domain.CoverageRow
	backfills  []*string
	backfillAt *time.Time
	err        error
}

func (m *memCoverage) Upsert(_ context.Context, c domain.CoverageRow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.rows = append(m.rows, c)
	return nil
}

func (m *memCoverage) MarkBackfill(_ context.Context, _ string, _ domain.Platform, _, _, at time.Time, lastError *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.backfills = append(m.backfills, lastError)
	at2 := at
	m.backfillAt = &at2
	return nil
}

func (m *memCoverage) Get(_ context.Context, account string, _ domain.Platform, from, to time.Time) (*domain.CoverageRow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	for i := len(m.rows) - 1; i >= 0; i-- {
		r := m.rows[i]
		if r.AccountID == account && r.DateFrom.Equal(from) && r.DateTo.Equal(to) {
			r.LastBackfillAt = m.backfillAt
			if n := len(m.backfills); n > 0 {
				r.LastError = m.backfills[n-1]
			}
			return &r, nil
		}
	}
	return nil, domain.ErrNotFound
}

type memAudience struct {
	snaps []domain.AudienceSnapshot
}

func (m *memAudience) Upsert(_ context.Context, s domain.AudienceSnapshot) error {
	m.snaps = append(m.snaps, s)
	return nil
}

func (m *memAudience) Latest(_ context.Context, account, timeframe string, onOrBefore time.Time) (*domain.AudienceSnapshot, error) {
	var best *domain.AudienceSnapshot
	for i := range m.snaps {
		s := m.snaps[i]
		if s.AccountID != account || s.Timeframe != timeframe || s.SnapshotDate.After(onOrBefore) {
			continue
		}
		if best == nil || s.SnapshotDate.After(best.SnapshotDate) {
			best = &s
		}
	}
	if best == nil {
		return nil, domain.ErrNotFound
	}
	return best, nil
}

type fakeArchive struct {
	keys []string
	err  error
}

func (f *fakeArchive) Put(_ context.Context, platform domain.Platform, account string, date time.Time, _ json.RawMessage) error {
	f.keys = append(f.keys, fmt.Sprintf("%s/%s/%s", platform, account, date.Format(domain.DateLayout)))
	return f.err
}

type fakeWarmer struct {
	queries []cache.Query
	err     error
}

func (f *fakeWarmer) Get(_ context.Context, q cache.Query) (*cache.Result, error) {
	f.queries = append(f.queries, q)
	if f.err != nil {
		return nil, f.err
	}
	return &cache.Result{}, nil
}

// snapshotRecorder returns a fixed snapshot per day and records the
// requested windows.
type snapshotRecorder struct {
	mu      sync.Mutex
	calls   []int64
	failOn  map[int64]bool
	values  map[string]*float64
	failErr error
}

func (s *snapshotRecorder) fetch(_ context.Context, _ string, since, _ int64) (domain.DailySnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, since)
	if s.failOn[since] {
		err := s.failErr
		if err == nil {
			err = &domain.ProviderError{Status: 500, Message: "upstream"}
		}
		return domain.DailySnapshot{}, err
	}
	values := s.values
	if values == nil {
		values = map[string]*float64{"reach": fptr(10), "likes": fptr(2), "saves": nil}
	}
	return domain.DailySnapshot{Values: values, Raw: json.RawMessage(`{"reach":10}`)}, nil
}

var errStore = errors.New("store down")
