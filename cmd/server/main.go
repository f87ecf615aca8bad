package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/social-metrics/internal/api"
	"github.com/ignite/social-metrics/internal/archive"
	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/config"
	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/fetcher"
	"github.com/ignite/social-metrics/internal/ingest"
	"github.com/ignite/social-metrics/internal/meta"
	"github.com/ignite/social-metrics/internal/pkg/distlock"
	"github.com/ignite/social-metrics/internal/pkg/logger"
	"github.com/ignite/social-metrics/internal/pkg/ttlcache"
	"github.com/ignite/social-metrics/internal/repository/postgres"
	"github.com/ignite/social-metrics/internal/scheduler"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to the yaml config (optional)")
	flag.Parse()

	cfg, err := config.LoadFromEnv(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.SetLevel(logger.ParseLevel(cfg.LogLevel))
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := postgres.Open(ctx, cfg.Database)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()
	log.Println("Connected to PostgreSQL")

	redisClient, err := postgres.OpenRedis(ctx, cfg.Redis.URL)
	if err != nil {
		log.Printf("WARNING: Redis unavailable, leases fall back to postgres: %v", err)
		redisClient = nil
	} else if redisClient != nil {
		defer redisClient.Close()
		log.Println("Connected to Redis")
	}

	svc, err := buildServices(ctx, cfg, db, redisClient)
	if err != nil {
		log.Fatalf("Failed to initialize services: %v", err)
	}

	var sched *scheduler.Scheduler
	if cfg.Scheduler.Enabled {
		sched, err = scheduler.New(scheduler.ConfigFrom(cfg), svc.schedulerDeps)
		if err != nil {
			log.Fatalf("Failed to create scheduler: %v", err)
		}
		if err := sched.Start(); err != nil {
			log.Fatalf("Failed to start scheduler: %v", err)
		}
	} else {
		log.Println("Scheduler disabled")
	}

	apiDeps := svc.apiDeps
	apiDeps.Health = api.NewHealthChecker(db, redisClient, 0)
	if sched != nil {
		apiDeps.Jobs = sched
	}
	server := api.NewServer(cfg.Server, apiDeps, cfg.Server.AllowedOrigins)

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		addr := fmt.Sprintf("%s:%d", cfg.Server.GetHost(), cfg.Server.Port)
		log.Printf("Starting server on %s", addr)
		if err := server.ListenAndServe(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-done
	log.Println("Shutting down...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server shutdown error: %v", err)
	}
	if sched != nil {
		if err := sched.Shutdown(shutdownCtx); err != nil {
			log.Printf("Scheduler shutdown error: %v", err)
		}
	}
	waitBackfills(shutdownCtx, svc.backfiller)
	cancel()

	log.Println("Server stopped")
}

type services struct {
	apiDeps       api.Deps
	schedulerDeps scheduler.Deps
	backfiller    *ingest.Backfiller
}

// buildServices wires the provider client, cache, stores and pipeline.
func buildServices(ctx context.Context, cfg *config.Config, db *sql.DB, redisClient *redis.Client) (*services, error) {
	client := meta.NewClient(cfg.Meta,
		meta.WithPostsCache(ttlcache.New[string, json.RawMessage](cfg.Cache.PostsMemTTL())),
		meta.WithPageTokenCache(ttlcache.New[string, string](0)),
	)

	registry := fetcher.NewRegistry()
	if err := fetcher.RegisterDefaults(registry, client, time.Now); err != nil {
		return nil, fmt.Errorf("register fetchers: %w", err)
	}

	storeOpts := []cache.Option{cache.WithTTL(cfg.Cache.TTL())}
	for _, res := range domain.AllResources() {
		if _, ok := cfg.Cache.ResourceTTLMinutes[string(res)]; ok {
			storeOpts = append(storeOpts, cache.WithResourceTTL(res, cfg.Cache.ResourceTTL(string(res))))
		}
	}
	store := cache.NewStore(postgres.NewCacheRepo(db), registry, storeOpts...)

	metrics := postgres.NewMetricsRepo(db)
	rollups := postgres.NewRollupRepo(db)
	logs := postgres.NewIngestLogRepo(db)
	coverageRepo := postgres.NewCoverageRepo(db)

	opts := []ingest.PipelineOption{ingest.WithLocation(cfg.Ingest.Location())}
	if cfg.Ingest.WarmPosts {
		opts = append(opts, ingest.WithPostsWarmer(store, ingest.DefaultWarmPostsLimit))
	}
	if cfg.Archive.Enabled() {
		arch, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			return nil, err
		}
		opts = append(opts, ingest.WithArchive(arch))
		log.Printf("Snapshot archive enabled: s3://%s/%s", cfg.Archive.S3Bucket, cfg.Archive.Prefix)
	}
	pipeline := ingest.NewPipeline(client.InstagramDaySnapshot, metrics, logs,
		ingest.NewRollupEngine(metrics, rollups), opts...)

	backfiller := ingest.NewBackfiller(pipeline, coverageRepo, time.Duration(cfg.Ingest.BackfillTimeout)*time.Second)
	audience := ingest.NewAudienceSnapshotter(client.InstagramAudience, postgres.NewAudienceRepo(db))

	var locks scheduler.LockFactory
	if cfg.Scheduler.UseLeases {
		locks = distlock.Factory{Redis: redisClient, DB: db}
	}

	return &services{
		apiDeps: api.Deps{
			Cache:              store,
			Metrics:            metrics,
			Rollups:            rollups,
			Coverage:           ingest.NewCoverageTracker(metrics, coverageRepo),
			Backfill:           backfiller,
			Audience:           audience,
			Logs:               logs,
			Location:           cfg.Ingest.Location(),
			DefaultInstagramID: cfg.Meta.IGUserID,
			DefaultPageID:      cfg.Meta.PageID,
			DefaultAdAccountID: cfg.Meta.AdAccountID,
		},
		schedulerDeps: scheduler.Deps{
			Cache:     store,
			Ingest:    pipeline,
			Discovery: client,
			Audience:  audience,
			Locks:     locks,
			Accounts: ingest.AccountSources{
				Configured:   cfg.Ingest.AccountIDs,
				IGUserID:     cfg.Meta.IGUserID,
				AutoDiscover: cfg.Ingest.AutoDiscover,
			},
		},
		backfiller: backfiller,
	}, nil
}

// waitBackfills gives running backfills until ctx ends to finish.
func waitBackfills(ctx context.Context, b *ingest.Backfiller) {
	done := make(chan struct{})
	go func() {
		b.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		log.Println("Backfills still running at shutdown")
	}
}
