// Package cache serves provider payloads from the durable cache table,
// refetching through the fetcher registry when an entry is missing, stale or
// forced.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/fetcher"
	"github.com/ignite/social-metrics/internal/pkg/logger"
	"github.com/ignite/social-metrics/internal/telemetry"
)

const (
	defaultTTL     = time.Hour
	defaultDueSize = 25
)

// Repository is the durable cache table.
type Repository interface {
	// Find returns the entry for key or domain.ErrNotFound.
	Find(ctx context.Context, key domain.CacheKey) (*domain.CacheEntry, error)
	// FindLatest returns the most recently fetched entry with a payload for
	// resource/owner/platform, across windows. A nil extraHash matches any.
	FindLatest(ctx context.Context, resource domain.Resource, ownerID string, extraHash *string, platform domain.Platform) (*domain.CacheEntry, error)
	Upsert(ctx context.Context, entry *domain.CacheEntry) error
	// MarkError records message on the entry for key, creating a placeholder
	// without payload when none exists. The payload is never touched and the
	// next refresh moves to retryAt unless one is already scheduled later.
	MarkError(ctx context.Context, key domain.CacheKey, extra json.RawMessage, message string, at, retryAt time.Time) error
	ListDue(ctx context.Context, now time.Time, limit int) ([]domain.CacheEntry, error)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// FetcherSource resolves the fetcher for a resource.
type FetcherSource interface {
	Get(resource domain.Resource) (fetcher.Fetcher, error)
}

// Query identifies one cached payload and how to read it.
type Query struct {
	Resource domain.Resource
	OwnerID  string
	SinceTS  int64
	UntilTS  int64
	Extra    map[string]any
	// Platform defaults to the resource's platform.
	Platform domain.Platform
	Force    bool
	Reason   string
}

func (q Query) platform() domain.Platform {
	if q.Platform != "" {
		return q.Platform
	}
	return q.Resource.Platform()
}

func (q Query) validate() error {
	if !q.Resource.Valid() {
		return fmt.Errorf("%w: %q", domain.ErrUnknownResource, q.Resource)
	}
	if q.OwnerID == "" {
		return &domain.ConfigError{Field: "owner_id", Reason: "missing identifier for " + string(q.Resource)}
	}
	if q.SinceTS != 0 && q.UntilTS != 0 && q.UntilTS < q.SinceTS {
		return &domain.RangeError{
			From:   time.Unix(q.SinceTS, 0).UTC().Format(time.RFC3339),
			To:     time.Unix(q.UntilTS, 0).UTC().Format(time.RFC3339),
			Reason: "until before since",
		}
	}
	return nil
}

// Key returns the cache identity of q.
func (q Query) Key() domain.CacheKey {
	return domain.CacheKey{
		Resource:  q.Resource,
		OwnerID:   q.OwnerID,
		SinceTS:   q.SinceTS,
		UntilTS:   q.UntilTS,
		ExtraHash: ExtraHash(q.Extra),
		Platform:  q.platform(),
	}
}

// QueryFromEntry rebuilds the query that produced entry.
func QueryFromEntry(e domain.CacheEntry, reason string, force bool) (Query, error) {
	extra, err := e.ExtraMap()
	if err != nil {
		return Query{}, err
	}
	return Query{
		Resource: e.Key.Resource,
		OwnerID:  e.Key.OwnerID,
		SinceTS:  e.Key.SinceTS,
		UntilTS:  e.Key.UntilTS,
		Extra:    extra,
		Platform: e.Key.Platform,
		Force:    force,
		Reason:   reason,
	}, nil
}

// Meta describes where a payload came from.
type Meta struct {
	Source         domain.CacheSource `json:"source"`
	Stale          bool               `json:"stale"`
	FetchedAt      *time.Time         `json:"fetched_at,omitempty"`
	NextRefreshAt  *time.Time         `json:"next_refresh_at,omitempty"`
	LastError      *string            `json:"last_error,omitempty"`
	RefreshReason  string             `json:"refresh_reason,omitempty"`
	FallbackReason string             `json:"fallback_reason,omitempty"`
	FallbackError  string             `json:"fallback_error,omitempty"`
	RequestedSince int64              `json:"requested_since,omitempty"`
	RequestedUntil int64              `json:"requested_until,omitempty"`
}

// Result is a payload with its cache metadata.
type Result struct {
	Payload json.RawMessage `json:"payload"`
	Meta    Meta            `json:"cache"`
}

func resultFrom(e *domain.CacheEntry, source domain.CacheSource) *Result {
	return &Result{
		Payload: e.Payload,
		Meta: Meta{
			Source:        source,
			Stale:         e.Stale,
			FetchedAt:     e.FetchedAt,
			NextRefreshAt: e.NextRefreshAt,
			LastError:     e.LastError,
			RefreshReason: e.RefreshReason,
		},
	}
}

// Option configures a Store.
type Option func(*Store)

// WithTTL sets the default freshness window.
func WithTTL(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// WithResourceTTL overrides the freshness window for one resource.
func WithResourceTTL(res domain.Resource, d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.resourceTTL[res] = d
		}
	}
}

// WithErrorRetry sets how long a failed identity waits before it is due
// again. It defaults to the resource's TTL.
func WithErrorRetry(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.errorRetry = d
		}
	}
}

// WithClock replaces the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// Store is the cache service.
type Store struct {
	repo        Repository
	fetchers    FetcherSource
	ttl         time.Duration
	resourceTTL map[domain.Resource]time.Duration
	errorRetry  time.Duration
	now         func() time.Time

	// refetches coalesces concurrent fetches of one identity.
	refetches singleflight.Group
}

// NewStore creates a Store.
func NewStore(repo Repository, fetchers FetcherSource, opts ...Option) *Store {
	s := &Store{
		repo:        repo,
		fetchers:    fetchers,
		ttl:         defaultTTL,
		resourceTTL: make(map[domain.Resource]time.Duration),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the freshness window for res.
func (s *Store) TTL(res domain.Resource) time.Duration {
	if d, ok := s.resourceTTL[res]; ok {
		return d
	}
	return s.ttl
}

// Get returns the cached payload for q when it is fresh and q is not forced,
// otherwise fetches, stores and returns a new one. Concurrent misses on one
// identity share a single fetch. Fetch failures are recorded on the entry
// and returned; Get never falls back on its own.
func (s *Store) Get(ctx context.Context, q Query) (*Result, error) {
	if err := q.validate(); err != nil {
		return nil, err
	}
	key := q.Key()

	prior, err := s.repo.Find(ctx, key)
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if !q.Force && prior != nil && prior.FreshAt(s.now().UTC()) {
		telemetry.CacheLookups.WithLabelValues(string(q.Resource), "cache").Inc()
		return resultFrom(prior, domain.SourceCache), nil
	}

	v, err, shared := s.refetches.Do(key.String(), func() (interface{}, error) {
		return s.refetch(ctx, q, key, prior)
	})
	if err != nil {
		return nil, err
	}
	if shared {
		logger.Debug("cache fetch coalesced", "key", key.String())
	}
	res := *v.(*Result)
	return &res, nil
}

func (s *Store) refetch(ctx context.Context, q Query, key domain.CacheKey, prior *domain.CacheEntry) (*Result, error) {
	f, err := s.fetchers.Get(q.Resource)
	if err != nil {
		return nil, err
	}
	extra, err := marshalExtra(q.Extra)
	if err != nil {
		return nil, err
	}

	payload, err := f.Fetch(ctx, fetcher.Request{
		OwnerID: q.OwnerID,
		SinceTS: q.SinceTS,
		UntilTS: q.UntilTS,
		Extra:   q.Extra,
	})
	if err != nil {
		telemetry.CacheLookups.WithLabelValues(string(q.Resource), "error").Inc()
		if merr := s.markError(ctx, q.Resource, key, extra, err.Error()); merr != nil {
			logger.Error("cache mark error failed", "key", key.String(), "error", merr)
		}
		return nil, fmt.Errorf("fetch %s: %w", key.Resource, err)
	}

	reason := q.Reason
	if reason == "" {
		reason = domain.ReasonOnDemand
	}
	now := s.now().UTC()
	next := now.Add(s.TTL(q.Resource))
	entry := &domain.CacheEntry{
		Key:           key,
		Extra:         extra,
		Payload:       payload,
		FetchedAt:     &now,
		NextRefreshAt: &next,
		RefreshReason: reason,
	}
	if err := s.repo.Upsert(ctx, entry); err != nil {
		return nil, err
	}

	source := domain.SourceRefresh
	if prior == nil {
		source = domain.SourcePrime
	}
	telemetry.CacheLookups.WithLabelValues(string(q.Resource), string(source)).Inc()
	logger.Debug("cache refreshed", "key", key.String(), "source", source, "reason", reason)
	return resultFrom(entry, source), nil
}

// GetLatest returns the most recent stored payload for resource/owner
// regardless of TTL, marked stale. It returns domain.ErrNotFound when no
// payload was ever stored.
func (s *Store) GetLatest(ctx context.Context, resource domain.Resource, ownerID string, extra map[string]any, platform domain.Platform) (*Result, error) {
	if platform == "" {
		platform = resource.Platform()
	}
	var hash *string
	if extra != nil {
		h := ExtraHash(extra)
		hash = &h
	}
	entry, err := s.repo.FindLatest(ctx, resource, ownerID, hash, platform)
	if err != nil {
		return nil, err
	}
	if !entry.HasPayload() {
		return nil, domain.ErrNotFound
	}
	res := resultFrom(entry, domain.SourceCache)
	res.Meta.Stale = true
	return res, nil
}

// MarkError records message against q's identity without touching its
// payload. The identity is not due again until the error retry interval
// has passed.
func (s *Store) MarkError(ctx context.Context, q Query, message string) error {
	extra, err := marshalExtra(q.Extra)
	if err != nil {
		return err
	}
	return s.markError(ctx, q.Resource, q.Key(), extra, message)
}

func (s *Store) markError(ctx context.Context, res domain.Resource, key domain.CacheKey, extra json.RawMessage, message string) error {
	now := s.now().UTC()
	retry := s.errorRetry
	if retry <= 0 {
		retry = s.TTL(res)
	}
	return s.repo.MarkError(ctx, key, extra, message, now, now.Add(retry))
}

// ListDue returns up to limit entries whose refresh time has passed, oldest
// first.
func (s *Store) ListDue(ctx context.Context, limit int) ([]domain.CacheEntry, error) {
	if limit <= 0 {
		limit = defaultDueSize
	}
	return s.repo.ListDue(ctx, s.now().UTC(), limit)
}

// Cleanup deletes entries older than retentionDays. A non-positive retention
// disables the sweep.
func (s *Store) Cleanup(ctx context.Context, retentionDays int) (int64, error) {
	if retentionDays <= 0 {
		return 0, nil
	}
	cutoff := s.now().UTC().AddDate(0, 0, -retentionDays)
	deleted, err := s.repo.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		return deleted, err
	}
	telemetry.CacheCleanupDeleted.Add(float64(deleted))
	return deleted, nil
}

// WithFallback is Get that substitutes the latest stored payload when the
// live fetch fails. The substitute is annotated with the triggering error;
// when nothing was ever stored the original error is returned.
func (s *Store) WithFallback(ctx context.Context, q Query) (*Result, error) {
	res, err := s.Get(ctx, q)
	if err == nil {
		return res, nil
	}
	latest, lerr := s.GetLatest(ctx, q.Resource, q.OwnerID, nil, q.platform())
	if lerr != nil {
		if !errors.Is(lerr, domain.ErrNotFound) {
			logger.Warn("cache fallback lookup failed", "resource", q.Resource, "owner_id", q.OwnerID, "error", lerr)
		}
		return nil, err
	}
	telemetry.CacheLookups.WithLabelValues(string(q.Resource), "fallback").Inc()
	latest.Meta.Source = domain.SourceFallback
	latest.Meta.FallbackReason = domain.FallbackReason(err)
	latest.Meta.FallbackError = fallbackMessage(err)
	latest.Meta.RequestedSince = q.SinceTS
	latest.Meta.RequestedUntil = q.UntilTS
	return latest, nil
}

func fallbackMessage(err error) string {
	var perr *domain.ProviderError
	if errors.As(err, &perr) {
		return perr.Message
	}
	return err.Error()
}

// ExtraHash is the hex SHA-256 of the canonical JSON of extra. Empty extra
// hashes to "".
func ExtraHash(extra map[string]any) string {
	if len(extra) == 0 {
		return ""
	}
	// encoding/json sorts map keys, which makes the encoding canonical
	b, err := json.Marshal(extra)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func marshalExtra(extra map[string]any) (json.RawMessage, error) {
	if len(extra) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(extra)
	if err != nil {
		return nil, fmt.Errorf("encode cache extra: %w", err)
	}
	return b, nil
}
