package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/config"
	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/ingest"
	"github.com/ignite/social-metrics/internal/pkg/distlock"
)

type fakeCache struct {
	mu       sync.Mutex
	due      []domain.CacheEntry
	failOn   map[string]error
	gets     []cache.Query
	cleanups []int
}

func newFakeCache() *fakeCache {
	return &fakeCache{failOn: map[string]error{}}
}

func (f *fakeCache) Get(_ context.Context, q cache.Query) (*cache.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gets = append(f.gets, q)
	if err := f.failOn[q.OwnerID]; err != nil {
		return nil, err
	}
	return &cache.Result{Payload: []byte(`{}`)}, nil
}

func (f *fakeCache) ListDue(_ context.Context, limit int) ([]domain.CacheEntry, error) {
	if len(f.due) > limit {
		return f.due[:limit], nil
	}
	return f.due, nil
}

func (f *fakeCache) Cleanup(_ context.Context, retentionDays int) (int64, error) {
	f.cleanups = append(f.cleanups, retentionDays)
	return 7, nil
}

type ingestCall struct {
	account  string
	from, to time.Time
	job      string
}

type fakeIngester struct {
	mu      sync.Mutex
	calls   []ingestCall
	failFor map[string]error
	started chan struct{}
	release chan struct{}
}

func (f *fakeIngester) IngestRange(ctx context.Context, acct string, from, to time.Time, job string) (*ingest.RangeResult, error) {
	if f.started != nil {
		f.started <- struct{}{}
		select {
		case <-f.release:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, ingestCall{account: acct, from: from, to: to, job: job})
	if err := f.failFor[acct]; err != nil {
		return &ingest.RangeResult{AccountID: acct}, err
	}
	return &ingest.RangeResult{AccountID: acct, Days: domain.DaysBetween(from, to)}, nil
}

type fakeDiscovery struct {
	found domain.DiscoveredAccounts
	err   error
}

func (f fakeDiscovery) DiscoverAccounts(context.Context) (domain.DiscoveredAccounts, error) {
	return f.found, f.err
}

func (f fakeDiscovery) DiscoverInstagramAccounts(context.Context) ([]string, error) {
	return f.found.Instagram, f.err
}

type fakeAudience struct {
	persisted []string
}

func (f *fakeAudience) Persist(_ context.Context, acct, timeframe string, date time.Time) (*domain.AudienceSnapshot, error) {
	f.persisted = append(f.persisted, acct+"/"+timeframe+"/"+date.Format(domain.DateLayout))
	return &domain.AudienceSnapshot{AccountID: acct}, nil
}

func fixedNow(t time.Time) func() time.Time { return func() time.Time { return t } }

func newTestScheduler(t *testing.T, cfg Config, deps Deps) *Scheduler {
	t.Helper()
	s, err := New(cfg, deps)
	require.NoError(t, err)
	return s
}

func dueEntry(owner string) domain.CacheEntry {
	return domain.CacheEntry{
		Key: domain.CacheKey{
			Resource: domain.ResourceInstagramMetrics,
			OwnerID:  owner,
			SinceTS:  100,
			UntilTS:  200,
			Platform: domain.PlatformInstagram,
		},
		Payload: []byte(`{"reach":1}`),
	}
}

func TestNew_RequiresCache(t *testing.T) {
	_, err := New(Config{}, Deps{})
	var ce *domain.ConfigError
	assert.ErrorAs(t, err, &ce)
}

func TestRunCacheRefresh(t *testing.T) {
	fc := newFakeCache()
	fc.due = []domain.CacheEntry{dueEntry("a"), dueEntry("b"), dueEntry("c")}
	fc.failOn["b"] = &domain.ProviderError{Status: 500, Message: "boom"}
	s := newTestScheduler(t, Config{RefreshBatchSize: 10}, Deps{Cache: fc})

	sum, err := s.RunCacheRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, RefreshSummary{Due: 3, Refreshed: 2, Failed: 1}, sum)

	require.Len(t, fc.gets, 3)
	for _, q := range fc.gets {
		assert.True(t, q.Force)
		assert.Equal(t, domain.ReasonScheduler, q.Reason)
		assert.Equal(t, int64(100), q.SinceTS)
	}
}

func TestRunCacheRefresh_BatchSize(t *testing.T) {
	fc := newFakeCache()
	fc.due = []domain.CacheEntry{dueEntry("a"), dueEntry("b"), dueEntry("c")}
	s := newTestScheduler(t, Config{RefreshBatchSize: 2}, Deps{Cache: fc})

	sum, err := s.RunCacheRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, sum.Due)
}

func TestRunCacheRefresh_SkipsHeldLease(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	fc := newFakeCache()
	fc.due = []domain.CacheEntry{dueEntry("a"), dueEntry("b")}
	s := newTestScheduler(t, Config{RefreshBatchSize: 10}, Deps{
		Cache: fc,
		Locks: distlock.Factory{Redis: client},
	})

	other := distlock.NewRedisLock(client, "cache:"+fc.due[1].Key.String(), time.Minute)
	ok, err := other.Acquire(context.Background())
	require.NoError(t, err)
	require.True(t, ok)

	sum, err := s.RunCacheRefresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sum.Refreshed)
	assert.Equal(t, 1, sum.Skipped)
	require.Len(t, fc.gets, 1)
	assert.Equal(t, "a", fc.gets[0].OwnerID)
}

func TestRunDailyIngest(t *testing.T) {
	fc := newFakeCache()
	ing := &fakeIngester{failFor: map[string]error{"b": errors.New("provider down")}}
	aud := &fakeAudience{}
	s := newTestScheduler(t, Config{LookbackDays: 3, AudienceSnapshot: true, IngestLocation: time.UTC}, Deps{
		Cache:    fc,
		Ingest:   ing,
		Audience: aud,
		Accounts: ingest.AccountSources{Configured: []string{"a", "b"}},
		Now:      fixedNow(time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC)),
	})

	sum, err := s.RunDailyIngest(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "account b")
	require.NotNil(t, sum)

	assert.Equal(t, "2024-03-07..2024-03-09", sum.Range.String())
	assert.Equal(t, []string{"a", "b"}, sum.Accounts)
	require.Len(t, ing.calls, 2, "one failing account does not stop the others")
	assert.Equal(t, ingest.JobDaily, ing.calls[0].job)
	assert.Contains(t, sum.Failed, "b")
	assert.Equal(t, []string{"a/this_month/2024-03-09"}, aud.persisted)
}

func TestRunDailyIngest_UsesIngestTimezone(t *testing.T) {
	ing := &fakeIngester{}
	brt := time.FixedZone("BRT", -3*3600)
	s := newTestScheduler(t, Config{LookbackDays: 1, IngestLocation: brt}, Deps{
		Cache:    newFakeCache(),
		Ingest:   ing,
		Accounts: ingest.AccountSources{IGUserID: "a"},
		// 23:00 on the 9th in BRT.
		Now: fixedNow(time.Date(2024, 3, 10, 2, 0, 0, 0, time.UTC)),
	})

	sum, err := s.RunDailyIngest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2024-03-08..2024-03-08", sum.Range.String())
}

func TestRunDailyIngest_DiscoversAccounts(t *testing.T) {
	ing := &fakeIngester{}
	s := newTestScheduler(t, Config{LookbackDays: 1}, Deps{
		Cache:     newFakeCache(),
		Ingest:    ing,
		Discovery: fakeDiscovery{found: domain.DiscoveredAccounts{Instagram: []string{"z"}}},
		Accounts:  ingest.AccountSources{Configured: []string{"a"}, AutoDiscover: true},
		Now:       fixedNow(time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC)),
	})

	sum, err := s.RunDailyIngest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "z"}, sum.Accounts)
}

func TestRunDailyIngest_NoAccounts(t *testing.T) {
	s := newTestScheduler(t, Config{}, Deps{Cache: newFakeCache(), Ingest: &fakeIngester{}})
	_, err := s.RunDailyIngest(context.Background())
	assert.ErrorIs(t, err, domain.ErrNoAccounts)
}

func TestPrewarmQueries(t *testing.T) {
	s := newTestScheduler(t, Config{
		PrewarmLookbackDays: 7,
		PrewarmMaxAccounts:  1,
		PrewarmLocation:     time.UTC,
		IGPostsLimit:        40,
		FBPostsLimit:        8,
	}, Deps{Cache: newFakeCache(), Now: fixedNow(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC))})

	qs := s.PrewarmQueries(domain.DiscoveredAccounts{
		Instagram:     []string{"ig1", "ig2"},
		FacebookPages: []string{"p1"},
		AdAccounts:    []string{"act_1"},
	})
	require.Len(t, qs, 6, "three instagram, two page and one ads query")

	since := time.Date(2024, 3, 3, 0, 0, 0, 0, time.UTC).Unix()
	until := time.Date(2024, 3, 9, 23, 59, 59, 0, time.UTC).Unix()

	assert.Equal(t, domain.ResourceInstagramMetrics, qs[0].Resource)
	assert.Equal(t, "ig1", qs[0].OwnerID)
	assert.Equal(t, since, qs[0].SinceTS)
	assert.Equal(t, until, qs[0].UntilTS)

	assert.Equal(t, domain.ResourceInstagramPosts, qs[1].Resource)
	assert.Equal(t, 25, qs[1].Extra["limit"], "limit is clamped")
	assert.Equal(t, domain.ResourceInstagramAudience, qs[2].Resource)
	assert.Equal(t, "this_month", qs[2].Extra["timeframe"])

	assert.Equal(t, domain.ResourceFacebookPosts, qs[4].Resource)
	assert.Equal(t, 8, qs[4].Extra["limit"])
	assert.Equal(t, domain.ResourceAdsHighlights, qs[5].Resource)
	assert.Equal(t, since, qs[5].SinceTS)

	for _, q := range qs {
		assert.False(t, q.Force)
		assert.Equal(t, domain.ReasonPrewarm, q.Reason)
	}
}

func TestRunPrewarm(t *testing.T) {
	fc := newFakeCache()
	fc.failOn["p1"] = errors.New("token expired")
	s := newTestScheduler(t, Config{}, Deps{
		Cache: fc,
		Discovery: fakeDiscovery{found: domain.DiscoveredAccounts{
			Instagram:     []string{"ig1"},
			FacebookPages: []string{"p1"},
		}},
		Now: fixedNow(time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)),
	})

	sum, err := s.RunPrewarm(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sum.Queries)
	assert.Equal(t, 3, sum.Warmed)
	assert.Len(t, sum.Failed, 2)
}

func TestRunPrewarm_DiscoveryFailure(t *testing.T) {
	s := newTestScheduler(t, Config{}, Deps{
		Cache:     newFakeCache(),
		Discovery: fakeDiscovery{err: errors.New("token expired")},
	})
	_, err := s.RunPrewarm(context.Background())
	assert.Error(t, err)
}

func TestRunCleanup(t *testing.T) {
	fc := newFakeCache()
	s := newTestScheduler(t, Config{RetentionDays: 0}, Deps{Cache: fc})
	n, err := s.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Empty(t, fc.cleanups, "retention disabled")

	s = newTestScheduler(t, Config{RetentionDays: 90}, Deps{Cache: fc})
	n, err = s.RunCleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, []int{90}, fc.cleanups)
}

func TestTrigger_SkipsOverlappingRun(t *testing.T) {
	ing := &fakeIngester{started: make(chan struct{}, 1), release: make(chan struct{})}
	s := newTestScheduler(t, Config{}, Deps{
		Cache:    newFakeCache(),
		Ingest:   ing,
		Accounts: ingest.AccountSources{IGUserID: "a"},
	})

	done := make(chan error, 1)
	go func() { done <- s.Trigger(context.Background(), JobDailyIngest) }()
	<-ing.started

	err := s.Trigger(context.Background(), JobDailyIngest)
	assert.ErrorIs(t, err, ErrJobRunning)

	close(ing.release)
	require.NoError(t, <-done)

	assert.Error(t, s.Trigger(context.Background(), "unknown"))
}

func TestStartShutdown(t *testing.T) {
	s := newTestScheduler(t, Config{RetentionDays: 30, IngestEnabled: true}, Deps{
		Cache:  newFakeCache(),
		Ingest: &fakeIngester{},
	})
	require.NoError(t, s.Start())
	assert.Error(t, s.Start(), "double start")

	jobs := s.Jobs()
	assert.Contains(t, jobs, JobCacheRefresh)
	assert.Contains(t, jobs, JobDailyIngest)
	assert.Contains(t, jobs, JobCleanup)
	assert.NotContains(t, jobs, JobPrewarm, "no discovery configured")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
}

func TestDailyAt(t *testing.T) {
	brt := time.FixedZone("BRT", -3*3600)
	sched := dailyAt(config.ClockTime{Hour: 3}, brt)

	next := sched.Next(time.Date(2024, 3, 10, 5, 0, 0, 0, time.UTC))
	assert.True(t, next.Equal(time.Date(2024, 3, 10, 6, 0, 0, 0, time.UTC)), "got %s", next)
}

func TestConfigFrom(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	sc := ConfigFrom(cfg)
	assert.Equal(t, time.Hour, sc.RefreshInterval)
	assert.Equal(t, 25, sc.RefreshBatchSize)
	assert.Equal(t, config.ClockTime{Hour: 3}, sc.IngestAt)
	assert.Equal(t, config.ClockTime{Hour: 4}, sc.CleanupAt)
	assert.Equal(t, 365, sc.RetentionDays)
	assert.True(t, sc.IngestEnabled)
	assert.Equal(t, 30*time.Minute, sc.JobTimeout)
}
