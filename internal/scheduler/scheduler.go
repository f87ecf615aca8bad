// Package scheduler runs the background jobs: cache refresh, daily ingest,
// cache prewarm and cache cleanup. Each job runs on its own trigger and
// never overlaps itself; a trigger that fires while the previous run is
// still going is skipped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/config"
	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/ingest"
	"github.com/ignite/social-metrics/internal/pkg/distlock"
	"github.com/ignite/social-metrics/internal/pkg/logger"
	"github.com/ignite/social-metrics/internal/telemetry"
)

// Job identifiers.
const (
	JobCacheRefresh = "cache_refresh"
	JobDailyIngest  = "daily_ingest"
	JobPrewarm      = "cache_prewarm"
	JobCleanup      = "cache_cleanup"
)

// ErrJobRunning is returned when a job is triggered while it is running
// in this process or holds its lease in another.
var ErrJobRunning = errors.New("job already running")

// Config is the scheduler's explicit configuration.
type Config struct {
	RefreshInterval  time.Duration
	RefreshBatchSize int

	IngestEnabled    bool
	IngestAt         config.ClockTime
	IngestLocation   *time.Location
	LookbackDays     int
	AudienceSnapshot bool

	PrewarmEnabled      bool
	PrewarmInterval     time.Duration
	PrewarmLookbackDays int
	PrewarmMaxAccounts  int
	PrewarmLocation     *time.Location
	IGPostsLimit        int
	FBPostsLimit        int

	RetentionDays   int
	CleanupAt       config.ClockTime
	CleanupLocation *time.Location

	JobTimeout time.Duration
	// LeaseTTL bounds per-identity refresh leases. Job leases last
	// JobTimeout.
	LeaseTTL time.Duration
}

// ConfigFrom maps application configuration onto scheduler configuration.
func ConfigFrom(c *config.Config) Config {
	return Config{
		RefreshInterval:     c.Cache.RefreshInterval(),
		RefreshBatchSize:    c.Cache.RefreshBatchSize,
		IngestEnabled:       c.Ingest.Enabled,
		IngestAt:            c.Ingest.IngestClock(),
		IngestLocation:      c.Ingest.Location(),
		LookbackDays:        c.Ingest.LookbackDays,
		AudienceSnapshot:    c.Ingest.AudienceSnapshot,
		PrewarmEnabled:      c.Prewarm.Enabled,
		PrewarmInterval:     c.Prewarm.Interval(),
		PrewarmLookbackDays: c.Prewarm.LookbackDays,
		PrewarmMaxAccounts:  c.Prewarm.MaxAccounts,
		PrewarmLocation:     c.Prewarm.Location(),
		IGPostsLimit:        c.Prewarm.IGPostsLimit,
		FBPostsLimit:        c.Prewarm.FBPostsLimit,
		RetentionDays:       c.Cleanup.RetentionDays,
		CleanupAt:           c.Cleanup.CleanupClock(),
		CleanupLocation:     c.Cleanup.Location(),
		JobTimeout:          c.Scheduler.JobTimeout(),
		LeaseTTL:            2 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	if c.RefreshInterval <= 0 {
		c.RefreshInterval = time.Hour
	}
	if c.RefreshBatchSize <= 0 {
		c.RefreshBatchSize = 25
	}
	if c.IngestLocation == nil {
		c.IngestLocation = time.UTC
	}
	if c.LookbackDays < 1 {
		c.LookbackDays = 1
	}
	if c.PrewarmInterval <= 0 {
		c.PrewarmInterval = c.RefreshInterval
	}
	if c.PrewarmLookbackDays < 1 {
		c.PrewarmLookbackDays = 7
	}
	if c.PrewarmMaxAccounts <= 0 {
		c.PrewarmMaxAccounts = 50
	}
	if c.PrewarmLocation == nil {
		c.PrewarmLocation = c.IngestLocation
	}
	if c.CleanupLocation == nil {
		c.CleanupLocation = c.IngestLocation
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
}

// CacheService is the cache API the jobs use.
type CacheService interface {
	// Get records fetch failures on the entry itself.
	Get(ctx context.Context, q cache.Query) (*cache.Result, error)
	ListDue(ctx context.Context, limit int) ([]domain.CacheEntry, error)
	Cleanup(ctx context.Context, retentionDays int) (int64, error)
}

// Ingester ingests a date range for one account.
type Ingester interface {
	IngestRange(ctx context.Context, accountID string, from, to time.Time, jobType string) (*ingest.RangeResult, error)
}

// Discoverer lists the provider accounts reachable with the token.
type Discoverer interface {
	DiscoverAccounts(ctx context.Context) (domain.DiscoveredAccounts, error)
	DiscoverInstagramAccounts(ctx context.Context) ([]string, error)
}

// AudiencePersister stores a daily audience snapshot.
type AudiencePersister interface {
	Persist(ctx context.Context, accountID, timeframe string, date time.Time) (*domain.AudienceSnapshot, error)
}

// LockFactory creates cross-process leases.
type LockFactory interface {
	New(key string, ttl time.Duration) distlock.DistLock
}

// Deps are the collaborators the jobs call. Ingest, Discovery, Audience and
// Locks are optional; jobs whose dependency is missing are not scheduled.
type Deps struct {
	Cache     CacheService
	Ingest    Ingester
	Discovery Discoverer
	Audience  AudiencePersister
	Locks     LockFactory
	// Accounts lists the configured ingest accounts. Its Discoverer is
	// filled from Discovery when AutoDiscover is set.
	Accounts ingest.AccountSources
	Now      func() time.Time
}

// Scheduler owns the cron runner and the per-job guards.
type Scheduler struct {
	cfg        Config
	deps       Deps
	instanceID string

	cron    *cron.Cron
	entries map[string]cron.EntryID
	guards  map[string]*atomic.Bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	started bool
}

// New validates deps and builds a stopped scheduler.
func New(cfg Config, deps Deps) (*Scheduler, error) {
	if deps.Cache == nil {
		return nil, &domain.ConfigError{Field: "scheduler.cache", Reason: "cache service is required"}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	cfg.applyDefaults()

	cronLog := cron.PrintfLogger(log.New(os.Stderr, "[Scheduler] ", log.LstdFlags))
	s := &Scheduler{
		cfg:        cfg,
		deps:       deps,
		instanceID: uuid.New().String(),
		cron:       cron.New(cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)), cron.WithLogger(cronLog)),
		entries:    make(map[string]cron.EntryID),
		guards:     make(map[string]*atomic.Bool),
	}
	for _, job := range []string{JobCacheRefresh, JobDailyIngest, JobPrewarm, JobCleanup} {
		s.guards[job] = &atomic.Bool{}
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// Start registers the enabled jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("scheduler already started")
	}

	s.schedule(JobCacheRefresh, cron.Every(s.cfg.RefreshInterval))
	if s.cfg.IngestEnabled && s.deps.Ingest != nil {
		s.schedule(JobDailyIngest, dailyAt(s.cfg.IngestAt, s.cfg.IngestLocation))
	}
	if s.cfg.PrewarmEnabled && s.deps.Discovery != nil {
		s.schedule(JobPrewarm, cron.Every(s.cfg.PrewarmInterval))
	}
	if s.cfg.RetentionDays > 0 {
		s.schedule(JobCleanup, dailyAt(s.cfg.CleanupAt, s.cfg.CleanupLocation))
	} else {
		log.Printf("[Scheduler] cache cleanup disabled (retention %d days)", s.cfg.RetentionDays)
	}

	s.cron.Start()
	s.started = true
	log.Printf("[Scheduler] started instance %s with %d jobs", s.instanceID, len(s.entries))
	return nil
}

// Shutdown stops new triggers and waits for running jobs until ctx ends.
// Running jobs see their context cancelled.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = false
	s.mu.Unlock()

	stopped := s.cron.Stop()
	s.cancel()

	done := make(chan struct{})
	go func() {
		<-stopped.Done()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		log.Printf("[Scheduler] stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown: %w", ctx.Err())
	}
}

// Jobs returns the registered job ids and their next trigger time.
func (s *Scheduler) Jobs() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.entries))
	for job, id := range s.entries {
		out[job] = s.cron.Entry(id).Next
	}
	return out
}

// Trigger runs job now through the same guard as its schedule.
func (s *Scheduler) Trigger(ctx context.Context, job string) error {
	fn, err := s.jobFunc(job)
	if err != nil {
		return err
	}
	return s.guarded(ctx, job, fn)
}

func (s *Scheduler) jobFunc(job string) (func(context.Context) error, error) {
	switch job {
	case JobCacheRefresh:
		return func(ctx context.Context) error {
			_, err := s.RunCacheRefresh(ctx)
			return err
		}, nil
	case JobDailyIngest:
		return func(ctx context.Context) error {
			_, err := s.RunDailyIngest(ctx)
			return err
		}, nil
	case JobPrewarm:
		return func(ctx context.Context) error {
			_, err := s.RunPrewarm(ctx)
			return err
		}, nil
	case JobCleanup:
		return func(ctx context.Context) error {
			_, err := s.RunCleanup(ctx)
			return err
		}, nil
	}
	return nil, fmt.Errorf("unknown job %q", job)
}

func (s *Scheduler) schedule(job string, sched cron.Schedule) {
	fn, _ := s.jobFunc(job)
	s.entries[job] = s.cron.Schedule(sched, cron.FuncJob(func() {
		if err := s.guarded(s.ctx, job, fn); err != nil && !errors.Is(err, ErrJobRunning) {
			logger.Error("scheduled job failed", "job", job, "error", err)
		}
	}))
}

// guarded runs fn unless job is already running here or, when leases are
// configured, in another process.
func (s *Scheduler) guarded(parent context.Context, job string, fn func(context.Context) error) error {
	guard := s.guards[job]
	if !guard.CompareAndSwap(false, true) {
		telemetry.RecordJob(job, "skipped", 0)
		logger.Info("job still running, skipping trigger", "job", job)
		return ErrJobRunning
	}
	defer guard.Store(false)

	s.wg.Add(1)
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(parent, s.cfg.JobTimeout)
	defer cancel()

	if s.deps.Locks != nil {
		lease := s.deps.Locks.New("job:"+job, s.cfg.JobTimeout)
		ok, err := lease.Acquire(ctx)
		if err != nil {
			return fmt.Errorf("acquire %s lease: %w", job, err)
		}
		if !ok {
			telemetry.RecordJob(job, "skipped", 0)
			logger.Info("job lease held by another instance, skipping", "job", job)
			return ErrJobRunning
		}
		defer func() {
			if err := lease.Release(context.WithoutCancel(ctx)); err != nil {
				logger.Warn("release job lease failed", "job", job, "error", err)
			}
		}()
	}

	start := time.Now()
	err := fn(ctx)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	telemetry.RecordJob(job, outcome, time.Since(start))
	return err
}

// dailyAt fires once a day at the clock time in loc.
func dailyAt(at config.ClockTime, loc *time.Location) cron.Schedule {
	sched, err := cron.ParseStandard(fmt.Sprintf("%d %d * * *", at.Minute, at.Hour))
	if err != nil {
		// ClockTime is range checked, so the cron expression always parses.
		panic(err)
	}
	if spec, ok := sched.(*cron.SpecSchedule); ok {
		spec.Location = loc
	}
	return sched
}
