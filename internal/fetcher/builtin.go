package fetcher

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/meta"
)

const (
	defaultPostsLimit = 6
	maxPostsLimit     = 25
	defaultWindowDays = 7
	defaultTimeframe  = "this_month"
)

// Provider is the slice of the Graph API client the built-in fetchers use.
type Provider interface {
	InstagramWindow(ctx context.Context, igID string, since, until int64) (*meta.IGWindow, error)
	InstagramRecentPosts(ctx context.Context, igID string, limit int) (json.RawMessage, error)
	InstagramAudience(ctx context.Context, igID, timeframe string) (json.RawMessage, error)
	FacebookPageWindow(ctx context.Context, pageID string, since, until int64) (json.RawMessage, error)
	FacebookRecentPosts(ctx context.Context, pageID string, limit int, since, until int64) (json.RawMessage, error)
	AdsHighlights(ctx context.Context, actID string, since, until time.Time) (json.RawMessage, error)
}

var _ Provider = (*meta.Client)(nil)

// Builtins holds the built-in fetchers' dependencies.
type Builtins struct {
	Provider Provider
	Now      func() time.Time
}

// RegisterDefaults registers a fetcher for every known resource.
func RegisterDefaults(reg *Registry, p Provider, now func() time.Time) error {
	if now == nil {
		now = time.Now
	}
	b := &Builtins{Provider: p, Now: now}
	for res, f := range map[domain.Resource]Func{
		domain.ResourceInstagramMetrics:  b.instagramMetrics,
		domain.ResourceInstagramPosts:    b.instagramPosts,
		domain.ResourceInstagramAudience: b.instagramAudience,
		domain.ResourceFacebookMetrics:   b.facebookMetrics,
		domain.ResourceFacebookPosts:     b.facebookPosts,
		domain.ResourceAdsHighlights:     b.adsHighlights,
	} {
		if err := reg.Register(res, f); err != nil {
			return err
		}
	}
	return nil
}

// window fills a missing window with the trailing default span ending now.
func (b *Builtins) window(req Request) (int64, int64) {
	since, until := req.SinceTS, req.UntilTS
	if until == 0 {
		until = b.Now().Unix()
	}
	if since == 0 {
		since = until - int64(defaultWindowDays*24*time.Hour/time.Second)
	}
	return since, until
}

func (b *Builtins) instagramMetrics(ctx context.Context, req Request) (json.RawMessage, error) {
	since, until := b.window(req)
	w, err := b.Provider.InstagramWindow(ctx, req.OwnerID, since, until)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (b *Builtins) instagramPosts(ctx context.Context, req Request) (json.RawMessage, error) {
	return b.Provider.InstagramRecentPosts(ctx, req.OwnerID, PostsLimit(req.Extra, defaultPostsLimit))
}

func (b *Builtins) instagramAudience(ctx context.Context, req Request) (json.RawMessage, error) {
	timeframe, _ := req.Extra["timeframe"].(string)
	if strings.TrimSpace(timeframe) == "" {
		timeframe = defaultTimeframe
	}
	return b.Provider.InstagramAudience(ctx, req.OwnerID, timeframe)
}

func (b *Builtins) facebookMetrics(ctx context.Context, req Request) (json.RawMessage, error) {
	since, until := b.window(req)
	return b.Provider.FacebookPageWindow(ctx, req.OwnerID, since, until)
}

func (b *Builtins) facebookPosts(ctx context.Context, req Request) (json.RawMessage, error) {
	return b.Provider.FacebookRecentPosts(ctx, req.OwnerID, PostsLimit(req.Extra, defaultPostsLimit), req.SinceTS, req.UntilTS)
}

// adsHighlights reads the window as calendar days in UTC.
func (b *Builtins) adsHighlights(ctx context.Context, req Request) (json.RawMessage, error) {
	since, until := b.window(req)
	return b.Provider.AdsHighlights(ctx, req.OwnerID, domain.Date(time.Unix(since, 0).UTC()), domain.Date(time.Unix(until, 0).UTC()))
}

// PostsLimit reads extra["limit"] clamped to 1..25, or def when absent.
func PostsLimit(extra map[string]any, def int) int {
	n := def
	switch v := extra["limit"].(type) {
	case int:
		n = v
	case int64:
		n = int(v)
	case float64:
		n = int(v)
	case string:
		if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			n = parsed
		}
	}
	return ClampLimit(n)
}

// ClampLimit bounds a posts limit to 1..25.
func ClampLimit(n int) int {
	if n < 1 {
		return 1
	}
	if n > maxPostsLimit {
		return maxPostsLimit
	}
	return n
}
