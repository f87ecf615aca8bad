// Command ingest runs a one-shot Instagram daily metrics ingestion over a
// date range, for backfills and manual reruns.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ignite/social-metrics/internal/archive"
	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/config"
	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/fetcher"
	"github.com/ignite/social-metrics/internal/ingest"
	"github.com/ignite/social-metrics/internal/meta"
	"github.com/ignite/social-metrics/internal/pkg/logger"
	"github.com/ignite/social-metrics/internal/pkg/ttlcache"
	"github.com/ignite/social-metrics/internal/repository/postgres"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// idList collects a repeatable -ig flag. Each value may also be a comma
// separated list.
type idList []string

func (l *idList) String() string { return strings.Join(*l, ",") }

func (l *idList) Set(v string) error {
	*l = append(*l, config.SplitCSV(v)...)
	return nil
}

type options struct {
	accounts   []string
	since      time.Time
	until      time.Time
	noRollup   bool
	noDiscover bool
	skipPosts  bool
	configPath string
}

// parseOptions reads the flags. Both dates default to yesterday in UTC.
func parseOptions(args []string, now time.Time, stderr io.Writer) (*options, error) {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var ids idList
	fs.Var(&ids, "ig", "Instagram business account id to ingest (repeatable)")
	since := fs.String("since", "", "first day, YYYY-MM-DD (default yesterday UTC)")
	until := fs.String("until", "", "last day, YYYY-MM-DD (default yesterday UTC)")
	noRollup := fs.Bool("no-rollup", false, "do not refresh rollups after ingesting")
	noDiscover := fs.Bool("no-discover", false, "do not discover accounts through the Graph API")
	skipPosts := fs.Bool("skip-posts", false, "do not warm the recent posts cache")
	configPath := fs.String("config", "config/config.yaml", "path to the yaml config (optional)")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	yesterday := domain.Date(now.UTC()).AddDate(0, 0, -1)
	opts := &options{
		accounts:   ids,
		noRollup:   *noRollup,
		noDiscover: *noDiscover,
		skipPosts:  *skipPosts,
		configPath: *configPath,
	}
	var err error
	if opts.since, err = dateFlag("since", *since, yesterday); err != nil {
		return nil, err
	}
	if opts.until, err = dateFlag("until", *until, yesterday); err != nil {
		return nil, err
	}
	if opts.since.After(opts.until) {
		return nil, &domain.RangeError{
			From:   opts.since.Format(domain.DateLayout),
			To:     opts.until.Format(domain.DateLayout),
			Reason: "-since cannot be after -until",
		}
	}
	return opts, nil
}

func dateFlag(name, v string, def time.Time) (time.Time, error) {
	if strings.TrimSpace(v) == "" {
		return def, nil
	}
	t, err := domain.ParseDate(strings.TrimSpace(v))
	if err != nil {
		return time.Time{}, fmt.Errorf("-%s: %w", name, err)
	}
	return t, nil
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	opts, err := parseOptions(args, time.Now(), os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return exitOK
		}
		fmt.Fprintf(os.Stderr, "ingest: %v\n", err)
		return exitUsage
	}

	cfg, err := config.LoadFromEnv(opts.configPath)
	if err != nil {
		log.Printf("Failed to load config: %v", err)
		return exitUsage
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Printf("Invalid config: %v", err)
		return exitUsage
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		log.Printf("Failed to connect to database: %v", err)
		return exitFailed
	}
	defer db.Close()

	client := meta.NewClient(cfg.Meta,
		meta.WithPostsCache(ttlcache.New[string, json.RawMessage](cfg.Cache.PostsMemTTL())),
	)

	accounts, err := ingest.ResolveAccounts(ctx, ingest.AccountSources{
		Explicit:     opts.accounts,
		Configured:   cfg.Ingest.AccountIDs,
		IGUserID:     cfg.Meta.IGUserID,
		AutoDiscover: !opts.noDiscover,
		Discoverer:   client,
	})
	if err != nil {
		if errors.Is(err, domain.ErrNoAccounts) {
			err = &domain.ConfigError{Field: "-ig", Reason: "no Instagram account found; pass -ig or grant Graph API access"}
		}
		fmt.Fprintf(os.Stderr, "ingest: %v\n", err)
		return exitUsage
	}

	metrics := postgres.NewMetricsRepo(db)
	var rollups *ingest.RollupEngine
	if !opts.noRollup {
		rollups = ingest.NewRollupEngine(metrics, postgres.NewRollupRepo(db))
	}
	pipeOpts := []ingest.PipelineOption{ingest.WithLocation(cfg.Ingest.Location())}
	if !opts.skipPosts {
		registry := fetcher.NewRegistry()
		if err := fetcher.RegisterDefaults(registry, client, time.Now); err != nil {
			log.Printf("Failed to register fetchers: %v", err)
			return exitFailed
		}
		store := cache.NewStore(postgres.NewCacheRepo(db), registry, cache.WithTTL(cfg.Cache.TTL()))
		pipeOpts = append(pipeOpts, ingest.WithPostsWarmer(store, ingest.DefaultWarmPostsLimit))
	}
	if cfg.Archive.Enabled() {
		arch, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			log.Printf("Failed to initialize snapshot archive: %v", err)
			return exitFailed
		}
		pipeOpts = append(pipeOpts, ingest.WithArchive(arch))
	}
	pipeline := ingest.NewPipeline(client.InstagramDaySnapshot, metrics, postgres.NewIngestLogRepo(db), rollups, pipeOpts...)

	code := exitOK
	for _, acct := range accounts {
		log.Printf("Ingesting %s (%s -> %s)", acct,
			opts.since.Format(domain.DateLayout), opts.until.Format(domain.DateLayout))
		res, err := pipeline.IngestRange(ctx, acct, opts.since, opts.until, ingest.JobRange)
		if err != nil {
			log.Printf("Ingest %s failed: %v", acct, err)
			code = exitFailed
			if ctx.Err() != nil {
				break
			}
			continue
		}
		log.Printf("Finished %s: %d inserted, %d updated, %d rollups",
			acct, res.Inserted, res.Updated, res.Rollups)
	}
	return code
}
