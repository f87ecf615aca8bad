package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/fetcher"
)

// tableRepo behaves like the meta_cache table: MarkError keeps the payload
// and only ever moves next_refresh_at later.
type tableRepo struct {
	mu      sync.Mutex
	entries map[domain.CacheKey]*domain.CacheEntry
	marks   int
}

func (r *tableRepo) Find(_ context.Context, key domain.CacheKey) (*domain.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *tableRepo) FindLatest(context.Context, domain.Resource, string, *string, domain.Platform) (*domain.CacheEntry, error) {
	return nil, domain.ErrNotFound
}

func (r *tableRepo) Upsert(_ context.Context, e *domain.CacheEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.entries[e.Key] = &cp
	return nil
}

func (r *tableRepo) MarkError(_ context.Context, key domain.CacheKey, _ json.RawMessage, message string, at, retryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks++
	e, ok := r.entries[key]
	if !ok {
		e = &domain.CacheEntry{Key: key, CreatedAt: at}
		r.entries[key] = e
	}
	e.Stale = true
	e.LastError = &message
	if e.NextRefreshAt == nil || retryAt.After(*e.NextRefreshAt) {
		next := retryAt
		e.NextRefreshAt = &next
	}
	return nil
}

func (r *tableRepo) ListDue(_ context.Context, now time.Time, limit int) ([]domain.CacheEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.CacheEntry
	for _, e := range r.entries {
		if e.NextRefreshAt != nil && !e.NextRefreshAt.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRefreshAt.Before(*out[j].NextRefreshAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *tableRepo) DeleteOlderThan(context.Context, time.Time) (int64, error) { return 0, nil }

func TestRunCacheRefresh_FailingEntriesDoNotStarveHealthyOnes(t *testing.T) {
	base := time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)
	now := base
	repo := &tableRepo{entries: map[domain.CacheKey]*domain.CacheEntry{}}
	for i, owner := range []string{"deleted-1", "deleted-2", "healthy"} {
		e := dueEntry(owner)
		next := base.Add(-time.Duration(3-i) * time.Hour)
		e.NextRefreshAt = &next
		repo.entries[e.Key] = &e
	}

	var healthyCalls int
	reg := fetcher.NewRegistry()
	reg.MustRegister(domain.ResourceInstagramMetrics, fetcher.Func(func(_ context.Context, req fetcher.Request) (json.RawMessage, error) {
		if req.OwnerID == "healthy" {
			healthyCalls++
			return json.RawMessage(`{"reach":2}`), nil
		}
		return nil, &domain.ProviderError{Status: 400, Code: 100, Message: "object does not exist"}
	}))
	store := cache.NewStore(repo, reg, cache.WithTTL(time.Hour), cache.WithClock(func() time.Time { return now }))
	s := newTestScheduler(t, Config{RefreshBatchSize: 2}, Deps{Cache: store})

	sum, err := s.RunCacheRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RefreshSummary{Due: 2, Failed: 2}, sum)
	assert.Equal(t, 2, repo.marks, "each failure is recorded once")

	for i := 0; i < 9; i++ {
		now = now.Add(5 * time.Minute)
		_, err := s.RunCacheRefresh(context.Background())
		require.NoError(t, err)
	}
	assert.Equal(t, 1, healthyCalls)
	assert.Equal(t, 2, repo.marks, "failed entries wait for their retry time")

	healthy := repo.entries[dueEntry("healthy").Key]
	assert.Nil(t, healthy.LastError)
	assert.JSONEq(t, `{"reach":2}`, string(healthy.Payload))
}

func TestRunCacheRefresh_FailureIsNotFatal(t *testing.T) {
	fc := newFakeCache()
	fc.due = []domain.CacheEntry{dueEntry("a")}
	fc.failOn["a"] = errors.New("boom")
	s := newTestScheduler(t, Config{}, Deps{Cache: fc})

	sum, err := s.RunCacheRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Failed)
}
