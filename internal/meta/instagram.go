package meta

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/logger"
)

// VisitorBreakdown splits profile visitors by follow type.
type VisitorBreakdown struct {
	Followers    float64 `json:"followers"`
	NonFollowers float64 `json:"non_followers"`
	Other        float64 `json:"other"`
	Total        float64 `json:"total"`
}

// IGWindow is the account summary for one window. Nil fields were not
// returned by the provider.
type IGWindow struct {
	Reach           *float64          `json:"reach"`
	Interactions    *float64          `json:"interactions"`
	AccountsEngaged *float64          `json:"accounts_engaged"`
	ProfileViews    *float64          `json:"profile_views"`
	VideoViews      *float64          `json:"video_views"`
	WebsiteClicks   *float64          `json:"website_clicks"`
	Likes           *float64          `json:"likes"`
	Comments        *float64          `json:"comments"`
	Shares          *float64          `json:"shares"`
	Saves           *float64          `json:"saves"`
	FollowerGrowth  *float64          `json:"follower_growth"`
	FollowersStart  *float64          `json:"follower_count_start"`
	FollowersEnd    *float64          `json:"follower_count_end"`
	Follows         *float64          `json:"follows"`
	Unfollows       *float64          `json:"unfollows"`
	Visitors        *VisitorBreakdown `json:"profile_visitors_breakdown,omitempty"`
	FollowerSeries  []SeriesPoint     `json:"follower_series,omitempty"`
	ReachSeries     []SeriesPoint     `json:"reach_timeseries,omitempty"`
}

// Snapshot maps the window onto daily metric keys.
func (w *IGWindow) Snapshot() domain.DailySnapshot {
	snap := domain.DailySnapshot{
		Values: map[string]*float64{
			"reach":            w.Reach,
			"interactions":     w.Interactions,
			"accounts_engaged": w.AccountsEngaged,
			"profile_views":    w.ProfileViews,
			"video_views":      w.VideoViews,
			"website_clicks":   w.WebsiteClicks,
			"likes":            w.Likes,
			"comments":         w.Comments,
			"shares":           w.Shares,
			"saves":            w.Saves,
			"followers_delta":  w.FollowerGrowth,
			"followers_total":  w.FollowersEnd,
			"followers_start":  w.FollowersStart,
			"follows":          w.Follows,
			"unfollows":        w.Unfollows,
		},
		Metadata: map[string]json.RawMessage{},
	}
	if w.Visitors != nil {
		snap.Values["profile_visitors_total"] = ptr(w.Visitors.Total)
		if b, err := json.Marshal(w.Visitors); err == nil {
			snap.Metadata["profile_visitors_total"] = b
		}
	}
	if len(w.FollowerSeries) > 0 {
		snap.Values["followers_series"] = ptr(float64(len(w.FollowerSeries)))
		if b, err := json.Marshal(map[string]interface{}{"series": w.FollowerSeries}); err == nil {
			snap.Metadata["followers_series"] = b
		}
	}
	if raw, err := json.Marshal(w); err == nil {
		snap.Raw = raw
	}
	return snap
}

// InstagramDaySnapshot fetches one day's account metrics.
func (c *Client) InstagramDaySnapshot(ctx context.Context, igID string, since, until int64) (domain.DailySnapshot, error) {
	w, err := c.InstagramWindow(ctx, igID, since, until)
	if err != nil {
		return domain.DailySnapshot{}, err
	}
	return w.Snapshot(), nil
}

// InstagramWindow fetches the account summary for [since, until], chunking
// spans longer than MaxWindow and summing the chunks.
func (c *Client) InstagramWindow(ctx context.Context, igID string, since, until int64) (*IGWindow, error) {
	if until < since {
		return nil, &domain.RangeError{From: strconv.FormatInt(since, 10), To: strconv.FormatInt(until, 10), Reason: "until before since"}
	}
	chunks := ChunkWindow(since, until, MaxWindow)
	if len(chunks) == 1 {
		return c.instagramWindowOnce(ctx, igID, since, until)
	}

	agg := &IGWindow{}
	var firstErr error
	ok := 0
	for _, ch := range chunks {
		w, err := c.instagramWindowOnce(ctx, igID, ch.Since, ch.Until)
		if err != nil {
			logger.Warn("instagram window chunk failed", "account_id", igID, "since", ch.Since, "until", ch.Until, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		ok++
		for _, pair := range [][2]**float64{
			{&agg.Reach, &w.Reach}, {&agg.Interactions, &w.Interactions},
			{&agg.AccountsEngaged, &w.AccountsEngaged}, {&agg.ProfileViews, &w.ProfileViews},
			{&agg.VideoViews, &w.VideoViews}, {&agg.WebsiteClicks, &w.WebsiteClicks},
			{&agg.Likes, &w.Likes}, {&agg.Comments, &w.Comments},
			{&agg.Shares, &w.Shares}, {&agg.Saves, &w.Saves},
			{&agg.Follows, &w.Follows}, {&agg.Unfollows, &w.Unfollows},
		} {
			addPtr(pair[0], *pair[1])
		}
		if agg.FollowersStart == nil {
			agg.FollowersStart = w.FollowersStart
		}
		if w.FollowersEnd != nil {
			agg.FollowersEnd = w.FollowersEnd
		}
		agg.FollowerSeries = append(agg.FollowerSeries, w.FollowerSeries...)
		agg.ReachSeries = append(agg.ReachSeries, w.ReachSeries...)
	}
	if ok == 0 {
		return nil, firstErr
	}
	if agg.FollowersStart != nil && agg.FollowersEnd != nil {
		agg.FollowerGrowth = ptr(*agg.FollowersEnd - *agg.FollowersStart)
	}
	return agg, nil
}

func windowParams(metric string, since, until int64, totalValue bool) url.Values {
	p := url.Values{}
	p.Set("metric", metric)
	p.Set("period", "day")
	p.Set("since", strconv.FormatInt(since, 10))
	p.Set("until", strconv.FormatInt(until, 10))
	if totalValue {
		p.Set("metric_type", "total_value")
	}
	return p
}

// instagramWindowOnce issues the per-window insights calls. Reach is
// mandatory; every other metric is optional and only logged on failure.
func (c *Client) instagramWindowOnce(ctx context.Context, igID string, since, until int64) (*IGWindow, error) {
	path := "/" + igID + "/insights"
	w := &IGWindow{}

	var reach insightsResponse
	if err := c.get(ctx, path, windowParams("reach", since, until, false), "", &reach); err != nil {
		return nil, fmt.Errorf("instagram reach %s: %w", igID, err)
	}
	w.ReachSeries = reach.find("reach").series()
	if v, ok := reach.find("reach").total(); ok {
		w.Reach = ptr(v)
	}

	optional := func(metric string, totalValue bool, apply func(insightsResponse)) {
		var resp insightsResponse
		if err := c.get(ctx, path, windowParams(metric, since, until, totalValue), "", &resp); err != nil {
			logger.Warn("instagram optional metric failed", "account_id", igID, "metric", metric, "error", err)
			return
		}
		apply(resp)
	}

	optional("profile_views,website_clicks,accounts_engaged,total_interactions,views,likes,comments,shares,saves", true, func(r insightsResponse) {
		for name, dst := range map[string]**float64{
			"profile_views":      &w.ProfileViews,
			"website_clicks":     &w.WebsiteClicks,
			"accounts_engaged":   &w.AccountsEngaged,
			"total_interactions": &w.Interactions,
			"views":              &w.VideoViews,
			"likes":              &w.Likes,
			"comments":           &w.Comments,
			"shares":             &w.Shares,
			"saves":              &w.Saves,
		} {
			if v, ok := r.find(name).total(); ok {
				*dst = ptr(v)
			}
		}
	})

	optional("follower_count", false, func(r insightsResponse) {
		series := r.find("follower_count").series()
		if len(series) == 0 {
			return
		}
		w.FollowerSeries = series
		w.FollowersStart = ptr(series[0].Value)
		w.FollowersEnd = ptr(series[len(series)-1].Value)
		w.FollowerGrowth = ptr(series[len(series)-1].Value - series[0].Value)
	})

	optional("follows_and_unfollows", true, func(r insightsResponse) {
		dims := r.find("follows_and_unfollows").dimensions()
		for k, v := range dims {
			switch {
			case strings.Contains(k, "unfollow") || strings.Contains(k, "non_follower"):
				addPtr(&w.Unfollows, ptr(v))
			case strings.Contains(k, "follow"):
				addPtr(&w.Follows, ptr(v))
			}
		}
	})

	for _, metric := range []string{"profile_views", "accounts_engaged"} {
		p := windowParams(metric, since, until, true)
		p.Set("breakdown", "follow_type")
		var resp insightsResponse
		if err := c.get(ctx, path, p, "", &resp); err != nil {
			continue
		}
		dims := resp.find(metric).dimensions()
		if len(dims) == 0 {
			continue
		}
		vb := &VisitorBreakdown{}
		for k, v := range dims {
			switch {
			case strings.Contains(k, "non") && strings.Contains(k, "follow"):
				vb.NonFollowers += v
			case strings.Contains(k, "follow"):
				vb.Followers += v
			default:
				vb.Other += v
			}
		}
		vb.Total = vb.Followers + vb.NonFollowers + vb.Other
		if vb.Total > 0 {
			w.Visitors = vb
		}
		break
	}

	return w, nil
}

// InstagramRecentPosts returns the latest media for an account, served from
// the in-process posts cache when warm.
func (c *Client) InstagramRecentPosts(ctx context.Context, igID string, limit int) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 6
	}
	key := fmt.Sprintf("%s:%d", igID, limit)
	if c.posts != nil {
		if cached, ok := c.posts.Get(key); ok {
			return cached, nil
		}
	}

	p := url.Values{}
	p.Set("fields", "id,caption,media_type,media_product_type,media_url,permalink,thumbnail_url,timestamp,like_count,comments_count")
	p.Set("limit", strconv.Itoa(limit))
	var resp struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.get(ctx, "/"+igID+"/media", p, "", &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		resp.Data = []json.RawMessage{}
	}
	out, err := json.Marshal(map[string]interface{}{"account_id": igID, "posts": resp.Data})
	if err != nil {
		return nil, err
	}
	if c.posts != nil {
		c.posts.Set(key, out)
	}
	return out, nil
}

var audienceBreakdowns = []string{"age", "gender", "city", "country"}

// InstagramAudience returns follower demographics per breakdown for a
// timeframe such as "this_month". It fails only when every breakdown fails.
func (c *Client) InstagramAudience(ctx context.Context, igID, timeframe string) (json.RawMessage, error) {
	if timeframe == "" {
		timeframe = "this_month"
	}
	breakdowns := map[string]map[string]float64{}
	var firstErr error
	for _, b := range audienceBreakdowns {
		p := url.Values{}
		p.Set("metric", "follower_demographics")
		p.Set("period", "lifetime")
		p.Set("timeframe", timeframe)
		p.Set("metric_type", "total_value")
		p.Set("breakdown", b)
		var resp insightsResponse
		if err := c.get(ctx, "/"+igID+"/insights", p, "", &resp); err != nil {
			logger.Warn("instagram audience breakdown failed", "account_id", igID, "breakdown", b, "error", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		breakdowns[b] = resp.find("follower_demographics").dimensions()
	}
	if len(breakdowns) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return json.Marshal(map[string]interface{}{
		"account_id": igID,
		"timeframe":  timeframe,
		"breakdowns": breakdowns,
	})
}
