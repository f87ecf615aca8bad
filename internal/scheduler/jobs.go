package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/fetcher"
	"github.com/ignite/social-metrics/internal/ingest"
	"github.com/ignite/social-metrics/internal/pkg/logger"
)

// RefreshSummary reports one cache refresh pass.
type RefreshSummary struct {
	Due       int `json:"due"`
	Refreshed int `json:"refreshed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// RunCacheRefresh refreshes the entries that are due, oldest first. A
// failed entry is recorded by the cache, which also defers its next
// refresh, and the pass continues.
func (s *Scheduler) RunCacheRefresh(ctx context.Context) (RefreshSummary, error) {
	var sum RefreshSummary
	due, err := s.deps.Cache.ListDue(ctx, s.cfg.RefreshBatchSize)
	if err != nil {
		return sum, fmt.Errorf("list due cache entries: %w", err)
	}
	sum.Due = len(due)

	for _, entry := range due {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		q, err := cache.QueryFromEntry(entry, domain.ReasonScheduler, true)
		if err != nil {
			logger.Warn("skipping cache entry with unreadable extra", "key", entry.Key.String(), "error", err)
			sum.Failed++
			continue
		}
		ok, err := s.refreshOne(ctx, q)
		switch {
		case err != nil:
			sum.Failed++
			logger.Warn("cache refresh failed", "key", entry.Key.String(), "error", err)
		case !ok:
			sum.Skipped++
		default:
			sum.Refreshed++
		}
	}

	logger.Info("cache refresh finished",
		"due", sum.Due, "refreshed", sum.Refreshed, "failed", sum.Failed, "skipped", sum.Skipped)
	return sum, nil
}

// refreshOne refreshes a single identity under its lease. It reports false
// when another instance holds the lease.
func (s *Scheduler) refreshOne(ctx context.Context, q cache.Query) (bool, error) {
	if s.deps.Locks != nil {
		lease := s.deps.Locks.New("cache:"+q.Key().String(), s.cfg.LeaseTTL)
		ok, err := lease.Acquire(ctx)
		if err != nil {
			return false, fmt.Errorf("acquire refresh lease: %w", err)
		}
		if !ok {
			return false, nil
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release refresh lease failed", "error", err)
			}
		}()
	}
	if _, err := s.deps.Cache.Get(ctx, q); err != nil {
		return false, err
	}
	return true, nil
}

// IngestSummary reports one daily ingest pass.
type IngestSummary struct {
	Range    domain.DateRange      `json:"range"`
	Accounts []string              `json:"accounts"`
	Results  []*ingest.RangeResult `json:"results"`
	Failed   map[string]string     `json:"failed,omitempty"`
}

// RunDailyIngest ingests the lookback window ending yesterday, in the
// ingest timezone, for every resolved account. One account failing does
// not stop the others; the returned error lists every failure.
func (s *Scheduler) RunDailyIngest(ctx context.Context) (*IngestSummary, error) {
	if s.deps.Ingest == nil {
		return nil, &domain.ConfigError{Field: "scheduler.ingest", Reason: "ingest pipeline is not configured"}
	}
	today := domain.Date(s.deps.Now().In(s.cfg.IngestLocation))
	rng := domain.DateRange{
		From: today.AddDate(0, 0, -s.cfg.LookbackDays),
		To:   today.AddDate(0, 0, -1),
	}

	src := s.deps.Accounts
	if src.AutoDiscover && src.Discoverer == nil && s.deps.Discovery != nil {
		src.Discoverer = s.deps.Discovery
	}
	accounts, err := ingest.ResolveAccounts(ctx, src)
	if err != nil {
		return nil, err
	}

	sum := &IngestSummary{Range: rng, Accounts: accounts, Failed: map[string]string{}}
	var errs []error
	for _, acct := range accounts {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		res, err := s.deps.Ingest.IngestRange(ctx, acct, rng.From, rng.To, ingest.JobDaily)
		if res != nil {
			sum.Results = append(sum.Results, res)
		}
		if err != nil {
			logger.Error("daily ingest failed", "account_id", acct, "range", rng.String(), "error", err)
			sum.Failed[acct] = err.Error()
			errs = append(errs, fmt.Errorf("account %s: %w", acct, err))
			continue
		}
		if s.cfg.AudienceSnapshot && s.deps.Audience != nil {
			if _, err := s.deps.Audience.Persist(ctx, acct, ingest.DefaultAudienceTimeframe, rng.To); err != nil {
				logger.Warn("audience snapshot failed", "account_id", acct, "error", err)
			}
		}
	}

	logger.Info("daily ingest finished",
		"range", rng.String(), "accounts", len(accounts), "failed", len(sum.Failed))
	if len(errs) > 0 {
		return sum, fmt.Errorf("daily ingest: %d of %d accounts failed: %w", len(sum.Failed), len(accounts), errors.Join(errs...))
	}
	return sum, nil
}

// PrewarmSummary reports one prewarm pass.
type PrewarmSummary struct {
	Queries int      `json:"queries"`
	Warmed  int      `json:"warmed"`
	Failed  []string `json:"failed,omitempty"`
}

// RunPrewarm primes the cache with the dashboards' default queries for
// every discovered account. Entries that are still fresh are left alone.
func (s *Scheduler) RunPrewarm(ctx context.Context) (*PrewarmSummary, error) {
	if s.deps.Discovery == nil {
		return nil, &domain.ConfigError{Field: "scheduler.discovery", Reason: "account discovery is not configured"}
	}
	found, err := s.deps.Discovery.DiscoverAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("discover accounts: %w", err)
	}
	if found.Empty() {
		logger.Info("prewarm found no accounts")
		return &PrewarmSummary{}, nil
	}

	queries := s.PrewarmQueries(found)
	sum := &PrewarmSummary{Queries: len(queries)}
	for _, q := range queries {
		if ctx.Err() != nil {
			return sum, ctx.Err()
		}
		if _, err := s.deps.Cache.Get(ctx, q); err != nil {
			logger.Warn("prewarm query failed", "resource", q.Resource, "owner_id", q.OwnerID, "error", err)
			sum.Failed = append(sum.Failed, string(q.Resource)+":"+q.OwnerID)
			continue
		}
		sum.Warmed++
	}
	logger.Info("cache prewarm finished", "queries", sum.Queries, "warmed", sum.Warmed, "failed", len(sum.Failed))
	return sum, nil
}

// PrewarmQueries builds the queries one prewarm pass issues. The metrics
// window runs from lookback days ago through the end of yesterday in the
// prewarm timezone.
func (s *Scheduler) PrewarmQueries(found domain.DiscoveredAccounts) []cache.Query {
	today := domain.Date(s.deps.Now().In(s.cfg.PrewarmLocation))
	since, _ := ingest.DayBounds(today.AddDate(0, 0, -s.cfg.PrewarmLookbackDays), s.cfg.PrewarmLocation)
	_, until := ingest.DayBounds(today.AddDate(0, 0, -1), s.cfg.PrewarmLocation)

	q := func(res domain.Resource, owner string, since, until int64, extra map[string]any) cache.Query {
		return cache.Query{
			Resource: res,
			OwnerID:  owner,
			SinceTS:  since,
			UntilTS:  until,
			Extra:    extra,
			Reason:   domain.ReasonPrewarm,
		}
	}

	var out []cache.Query
	for _, ig := range capIDs(found.Instagram, s.cfg.PrewarmMaxAccounts) {
		out = append(out,
			q(domain.ResourceInstagramMetrics, ig, since, until, nil),
			q(domain.ResourceInstagramPosts, ig, 0, 0, map[string]any{"limit": fetcher.ClampLimit(s.cfg.IGPostsLimit)}),
			q(domain.ResourceInstagramAudience, ig, 0, 0, map[string]any{"timeframe": ingest.DefaultAudienceTimeframe}),
		)
	}
	for _, page := range capIDs(found.FacebookPages, s.cfg.PrewarmMaxAccounts) {
		out = append(out,
			q(domain.ResourceFacebookMetrics, page, since, until, nil),
			q(domain.ResourceFacebookPosts, page, 0, 0, map[string]any{"limit": fetcher.ClampLimit(s.cfg.FBPostsLimit)}),
		)
	}
	for _, act := range capIDs(found.AdAccounts, s.cfg.PrewarmMaxAccounts) {
		out = append(out, q(domain.ResourceAdsHighlights, act, since, until, nil))
	}
	return out
}

func capIDs(ids []string, max int) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id == "" {
			continue
		}
		if len(out) == max {
			break
		}
		out = append(out, id)
	}
	return out
}

// RunCleanup deletes cache entries not updated within the retention
// window. It is a no-op when retention is disabled.
func (s *Scheduler) RunCleanup(ctx context.Context) (int64, error) {
	if s.cfg.RetentionDays <= 0 {
		return 0, nil
	}
	start := time.Now()
	deleted, err := s.deps.Cache.Cleanup(ctx, s.cfg.RetentionDays)
	if err != nil {
		return deleted, fmt.Errorf("cache cleanup: %w", err)
	}
	logger.Info("cache cleanup finished",
		"retention_days", s.cfg.RetentionDays, "deleted", deleted, "elapsed", time.Since(start).String())
	return deleted, nil
}
