package meta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/logger"
)

var pageWindowMetrics = []string{
	"page_impressions",
	"page_impressions_unique",
	"page_post_engagements",
	"page_fan_adds_unique",
}

// FBWindow is the page summary for one window.
type FBWindow struct {
	PageID    string                   `json:"page_id"`
	Totals    map[string]float64       `json:"totals"`
	Series    map[string][]SeriesPoint `json:"series"`
	Followers *float64                 `json:"followers,omitempty"`
	FanCount  *float64                 `json:"fan_count,omitempty"`
}

// PageAccessToken returns the page token for pageID. System user tokens do
// not expire, so cached tokens are kept for the life of the client.
func (c *Client) PageAccessToken(ctx context.Context, pageID string) (string, error) {
	if c.pageTokens != nil {
		if tok, ok := c.pageTokens.Get(pageID); ok {
			return tok, nil
		}
	}
	p := url.Values{}
	p.Set("fields", "access_token")
	var resp struct {
		AccessToken string `json:"access_token"`
	}
	if err := c.get(ctx, "/"+pageID, p, "", &resp); err != nil {
		return "", err
	}
	if resp.AccessToken == "" {
		return "", fmt.Errorf("page %s: no access token returned", pageID)
	}
	if c.pageTokens != nil {
		c.pageTokens.Set(pageID, resp.AccessToken)
	}
	logger.Info("page token cached", "page_id", pageID)
	return resp.AccessToken, nil
}

// FacebookPageWindow returns page insights totals and daily series for
// [since, until]. When the batched request is rejected each metric is
// retried on its own and unavailable ones are skipped.
func (c *Client) FacebookPageWindow(ctx context.Context, pageID string, since, until int64) (json.RawMessage, error) {
	if until < since {
		return nil, &domain.RangeError{From: strconv.FormatInt(since, 10), To: strconv.FormatInt(until, 10), Reason: "until before since"}
	}
	token, err := c.PageAccessToken(ctx, pageID)
	if err != nil {
		return nil, err
	}

	w := &FBWindow{PageID: pageID, Totals: map[string]float64{}, Series: map[string][]SeriesPoint{}}
	collect := func(r insightsResponse) {
		for _, name := range pageWindowMetrics {
			item := r.find(name)
			if item == nil {
				continue
			}
			w.Series[name] = append(w.Series[name], item.series()...)
			if v, ok := item.total(); ok {
				w.Totals[name] += v
			}
		}
	}

	path := "/" + pageID + "/insights"
	for _, ch := range ChunkWindow(since, until, MaxWindow) {
		var resp insightsResponse
		err := c.get(ctx, path, windowParams(strings.Join(pageWindowMetrics, ","), ch.Since, ch.Until, false), token, &resp)
		if err == nil {
			collect(resp)
			continue
		}
		var perr *domain.ProviderError
		if !errors.As(err, &perr) || perr.Retryable() {
			return nil, err
		}
		for _, m := range pageWindowMetrics {
			var single insightsResponse
			if err := c.get(ctx, path, windowParams(m, ch.Since, ch.Until, false), token, &single); err != nil {
				logger.Warn("facebook page metric unavailable", "page_id", pageID, "metric", m, "error", err)
				continue
			}
			collect(single)
		}
	}

	p := url.Values{}
	p.Set("fields", "followers_count,fan_count")
	var counts struct {
		Followers *float64 `json:"followers_count"`
		Fans      *float64 `json:"fan_count"`
	}
	if err := c.get(ctx, "/"+pageID, p, token, &counts); err != nil {
		logger.Warn("facebook page counts failed", "page_id", pageID, "error", err)
	} else {
		w.Followers, w.FanCount = counts.Followers, counts.Fans
	}
	return json.Marshal(w)
}

// FacebookRecentPosts returns the latest page posts, optionally bounded by
// [since, until] when those are non-zero.
func (c *Client) FacebookRecentPosts(ctx context.Context, pageID string, limit int, since, until int64) (json.RawMessage, error) {
	if limit <= 0 {
		limit = 6
	}
	token, err := c.PageAccessToken(ctx, pageID)
	if err != nil {
		return nil, err
	}
	p := url.Values{}
	p.Set("fields", "id,message,created_time,permalink_url,full_picture,shares,reactions.summary(true).limit(0),comments.summary(true).limit(0)")
	p.Set("limit", strconv.Itoa(limit))
	if since > 0 {
		p.Set("since", strconv.FormatInt(since, 10))
	}
	if until > 0 {
		p.Set("until", strconv.FormatInt(until, 10))
	}
	var resp struct {
		Data []json.RawMessage `json:"data"`
	}
	if err := c.get(ctx, "/"+pageID+"/posts", p, token, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		resp.Data = []json.RawMessage{}
	}
	return json.Marshal(map[string]interface{}{"page_id": pageID, "posts": resp.Data})
}
