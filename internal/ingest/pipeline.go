package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/logger"
	"github.com/ignite/social-metrics/internal/telemetry"
)

// Job types recorded on ingest log rows.
const (
	JobDaily    = "daily"
	JobRange    = "range"
	JobGapFill  = "gap_fill"
	JobBackfill = "backfill"
)

// DefaultWarmPostsLimit is the posts limit used when warming the cache.
const DefaultWarmPostsLimit = 6

// SnapshotFunc fetches the provider's metrics for one account over
// [since, until] in unix seconds.
type SnapshotFunc func(ctx context.Context, accountID string, since, until int64) (domain.DailySnapshot, error)

// RangeResult summarizes one IngestRange call.
type RangeResult struct {
	LogID      string           `json:"log_id"`
	AccountID  string           `json:"account_id"`
	Range      domain.DateRange `json:"range"`
	Days       int              `json:"days"`
	Inserted   int              `json:"inserted"`
	Updated    int              `json:"updated"`
	Rollups    int              `json:"rollups"`
	FailedDays []string         `json:"failed_days,omitempty"`
}

// Pipeline ingests Instagram account metrics day by day.
type Pipeline struct {
	snapshot  SnapshotFunc
	metrics   MetricsStore
	logs      LogStore
	rollups   *RollupEngine
	archive   Archiver
	warmer    CacheReader
	warmLimit int
	platform  domain.Platform
	loc       *time.Location
	buckets   []domain.Bucket
	now       func() time.Time
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithLocation sets the timezone whose calendar days are ingested.
func WithLocation(loc *time.Location) PipelineOption {
	return func(p *Pipeline) {
		if loc != nil {
			p.loc = loc
		}
	}
}

// WithArchive stores every raw day snapshot through a.
func WithArchive(a Archiver) PipelineOption {
	return func(p *Pipeline) { p.archive = a }
}

// WithPostsWarmer refreshes the account's recent posts after each
// successful write.
func WithPostsWarmer(c CacheReader, limit int) PipelineOption {
	return func(p *Pipeline) {
		p.warmer = c
		if limit > 0 {
			p.warmLimit = limit
		}
	}
}

// WithBuckets overrides the rollup windows.
func WithBuckets(b ...domain.Bucket) PipelineOption {
	return func(p *Pipeline) { p.buckets = b }
}

// WithPipelineClock overrides the clock used for log timestamps.
func WithPipelineClock(now func() time.Time) PipelineOption {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline creates a pipeline. rollups may be nil to skip rollup
// refreshes.
func NewPipeline(snapshot SnapshotFunc, metrics MetricsStore, logs LogStore, rollups *RollupEngine, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		snapshot:  snapshot,
		metrics:   metrics,
		logs:      logs,
		rollups:   rollups,
		warmLimit: DefaultWarmPostsLimit,
		platform:  domain.PlatformInstagram,
		loc:       time.UTC,
		buckets:   domain.DefaultBuckets,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Location returns the timezone whose days are ingested.
func (p *Pipeline) Location() *time.Location { return p.loc }

// IngestRange fetches every day in [from, to] ascending, writes all rows in
// one upsert and refreshes the rollups of each day that produced data. A day
// whose fetch fails is skipped and the run is recorded as failed. The
// ingest log row is finalized on every return path.
func (p *Pipeline) IngestRange(ctx context.Context, accountID string, from, to time.Time, jobType string) (res *RangeResult, err error) {
	from, to = domain.Date(from), domain.Date(to)
	if strings.TrimSpace(accountID) == "" {
		return nil, &domain.ConfigError{Field: "account_id", Reason: "missing account for ingest"}
	}
	if to.Before(from) {
		return nil, &domain.RangeError{From: from.Format(domain.DateLayout), To: to.Format(domain.DateLayout), Reason: "until before since"}
	}
	if jobType == "" {
		jobType = JobRange
	}

	entry := &domain.IngestLog{
		Platform:  p.platform,
		JobType:   jobType,
		AccountID: accountID,
		DateFrom:  from,
		DateTo:    to,
		StartedAt: p.now().UTC(),
	}
	if err := p.logs.Start(ctx, entry); err != nil {
		return nil, fmt.Errorf("start ingest log: %w", err)
	}
	res = &RangeResult{
		LogID:     entry.ID,
		AccountID: accountID,
		Range:     domain.DateRange{From: from, To: to},
		Days:      domain.DaysBetween(from, to),
	}

	defer func() {
		if r := recover(); r != nil {
			p.finish(ctx, entry, res, fmt.Errorf("ingest panic: %v", r))
			panic(r)
		}
		p.finish(ctx, entry, res, err)
	}()

	var allRows []domain.MetricRow
	touched := make(map[time.Time][]string)
	var firstErr error

	for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
		since, until := DayBounds(day, p.loc)
		snap, ferr := p.snapshot(ctx, accountID, since, until)
		if ferr != nil {
			logger.Warn("ingest day failed", "account", accountID, "date", day.Format(domain.DateLayout), "error", ferr)
			res.FailedDays = append(res.FailedDays, day.Format(domain.DateLayout))
			if firstErr == nil {
				firstErr = ferr
			}
			continue
		}
		rows := FlattenSnapshot(accountID, p.platform, day, snap)
		if len(rows) > 0 {
			allRows = append(allRows, rows...)
			keys := make([]string, 0, len(rows))
			for _, r := range rows {
				keys = append(keys, r.MetricKey)
			}
			touched[day] = keys
		}
		p.archiveDay(ctx, accountID, day, snap.Raw)
	}

	if len(allRows) > 0 {
		res.Inserted, res.Updated, err = p.metrics.Upsert(ctx, allRows)
		if err != nil {
			return res, fmt.Errorf("upsert metrics: %w", err)
		}

		if p.rollups != nil {
			days := make([]time.Time, 0, len(touched))
			for d := range touched {
				days = append(days, d)
			}
			sort.Slice(days, func(i, j int) bool { return days[i].Before(days[j]) })
			for _, d := range days {
				n, rerr := p.rollups.Refresh(ctx, accountID, p.platform, touched[d], d, p.buckets)
				if rerr != nil {
					return res, fmt.Errorf("refresh rollups %s: %w", d.Format(domain.DateLayout), rerr)
				}
				res.Rollups += n
			}
		}

		p.warmPosts(ctx, accountID)
	}

	if firstErr != nil {
		return res, fmt.Errorf("%d of %d days failed (%s): %w",
			len(res.FailedDays), res.Days, strings.Join(res.FailedDays, ", "), firstErr)
	}
	return res, nil
}

func (p *Pipeline) finish(ctx context.Context, entry *domain.IngestLog, res *RangeResult, runErr error) {
	finished := p.now().UTC()
	entry.FinishedAt = &finished
	entry.RecordsInserted = res.Inserted
	entry.RecordsUpdated = res.Updated
	entry.Status = domain.IngestSucceeded
	if runErr != nil {
		entry.Status = domain.IngestFailed
		msg := runErr.Error()
		entry.ErrorMessage = &msg
	}
	if details, err := json.Marshal(map[string]interface{}{
		"days":        res.Days,
		"rollups":     res.Rollups,
		"failed_days": res.FailedDays,
	}); err == nil {
		entry.Details = details
	}

	// The run's context may already be cancelled; the log row must still
	// be closed.
	finCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := p.logs.Finish(finCtx, entry); err != nil {
		logger.Error("finalize ingest log failed", "log_id", entry.ID, "account", entry.AccountID, "error", err)
	}
	telemetry.RecordIngest(string(entry.Platform), string(entry.Status), entry.RecordsInserted, entry.RecordsUpdated)
	logger.Info("ingest run finished",
		"account", entry.AccountID,
		"job", entry.JobType,
		"range", res.Range.String(),
		"status", string(entry.Status),
		"inserted", entry.RecordsInserted,
		"updated", entry.RecordsUpdated,
		"rollups", res.Rollups)
}

func (p *Pipeline) archiveDay(ctx context.Context, accountID string, day time.Time, raw json.RawMessage) {
	if p.archive == nil || len(raw) == 0 {
		return
	}
	if err := p.archive.Put(ctx, p.platform, accountID, day, raw); err != nil {
		logger.Warn("archive snapshot failed", "account", accountID, "date", day.Format(domain.DateLayout), "error", err)
	}
}

func (p *Pipeline) warmPosts(ctx context.Context, accountID string) {
	if p.warmer == nil {
		return
	}
	_, err := p.warmer.Get(ctx, cache.Query{
		Resource: domain.ResourceInstagramPosts,
		OwnerID:  accountID,
		Extra:    map[string]any{"limit": p.warmLimit},
		Force:    true,
		Reason:   domain.ReasonIngest,
	})
	if err != nil {
		logger.Warn("posts warm failed", "account", accountID, "error", err)
	}
}

// EnsureDailyCoverage ingests the days of [from, to] that have no stored
// rows. Missing days are grouped into maximal contiguous runs and each run
// is ingested with one IngestRange call. A failing run does not stop the
// others; their errors are joined.
func (p *Pipeline) EnsureDailyCoverage(ctx context.Context, accountID string, from, to time.Time) ([]*RangeResult, error) {
	from, to = domain.Date(from), domain.Date(to)
	if to.Before(from) {
		return nil, &domain.RangeError{From: from.Format(domain.DateLayout), To: to.Format(domain.DateLayout), Reason: "until before since"}
	}
	present, err := p.metrics.ListDates(ctx, accountID, p.platform, from, to)
	if err != nil {
		return nil, fmt.Errorf("list stored dates: %w", err)
	}
	spans := MissingSpans(from, to, present)
	if len(spans) == 0 {
		return nil, nil
	}

	logger.Info("filling coverage gaps", "account", accountID, "range", from.Format(domain.DateLayout)+".."+to.Format(domain.DateLayout), "runs", len(spans))
	var results []*RangeResult
	var errs []error
	for _, span := range spans {
		res, err := p.IngestRange(ctx, accountID, span.From, span.To, JobGapFill)
		if res != nil {
			results = append(results, res)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("ingest %s: %w", span, err))
		}
	}
	return results, errors.Join(errs...)
}

// FlattenSnapshot converts a day snapshot into metric rows sorted by key.
// Metrics without a value are dropped rather than stored as zero.
func FlattenSnapshot(accountID string, platform domain.Platform, date time.Time, snap domain.DailySnapshot) []domain.MetricRow {
	date = domain.Date(date)
	keys := make([]string, 0, len(snap.Values))
	for k, v := range snap.Values {
		if v != nil {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	rows := make([]domain.MetricRow, 0, len(keys))
	for _, k := range keys {
		rows = append(rows, domain.MetricRow{
			AccountID:  accountID,
			Platform:   platform,
			MetricKey:  k,
			MetricDate: date,
			Value:      *snap.Values[k],
			Metadata:   snap.Metadata[k],
		})
	}
	return rows
}

// DayBounds returns the unix seconds of 00:00:00 and 23:59:59 of date's
// calendar day in loc.
func DayBounds(date time.Time, loc *time.Location) (since, until int64) {
	if loc == nil {
		loc = time.UTC
	}
	y, m, d := date.Date()
	start := time.Date(y, m, d, 0, 0, 0, 0, loc)
	end := time.Date(y, m, d, 23, 59, 59, 0, loc)
	return start.Unix(), end.Unix()
}
