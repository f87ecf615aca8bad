package meta

import (
	"context"
	"encoding/json"
	"net/url"
	"time"

	"github.com/ignite/social-metrics/internal/pkg/logger"
)

// MaxWindow is the longest span the insights endpoints accept per call.
const MaxWindow = 30 * 24 * time.Hour

// Window is a [Since, Until] span in unix seconds.
type Window struct {
	Since int64
	Until int64
}

// ChunkWindow splits [since, until] into consecutive windows no longer than
// span. A non-positive range yields a single window unchanged.
func ChunkWindow(since, until int64, span time.Duration) []Window {
	step := int64(span / time.Second)
	if until <= since || step <= 0 {
		return []Window{{Since: since, Until: until}}
	}
	var out []Window
	for cur := since; cur < until; {
		end := cur + step
		if end > until {
			end = until
		}
		out = append(out, Window{Since: cur, Until: end})
		cur = end
	}
	return out
}

type page struct {
	Data   []json.RawMessage `json:"data"`
	Paging struct {
		Next    string `json:"next"`
		Cursors struct {
			After string `json:"after"`
		} `json:"cursors"`
	} `json:"paging"`
}

// Paginate walks a list endpoint, calling fn with each page's data until the
// provider stops returning a next link or the page cap is reached.
func (c *Client) Paginate(ctx context.Context, path string, params url.Values, token string, fn func(items []json.RawMessage) error) error {
	cur := url.Values{}
	for k, v := range params {
		cur[k] = v
	}
	for n := 0; ; n++ {
		if n >= c.maxPages {
			logger.Warn("meta pagination cap reached", "path", path, "pages", n)
			return nil
		}
		var p page
		if err := c.get(ctx, path, cur, token, &p); err != nil {
			return err
		}
		if len(p.Data) > 0 {
			if err := fn(p.Data); err != nil {
				return err
			}
		}
		next, ok := nextParams(p, cur)
		if !ok {
			return nil
		}
		cur = next
	}
}

// nextParams derives the query for the following page. The next link may be
// cursor based or time based, so its parameters replace ours wholesale.
func nextParams(p page, cur url.Values) (url.Values, bool) {
	if p.Paging.Next == "" {
		return nil, false
	}
	u, err := url.Parse(p.Paging.Next)
	if err == nil && len(u.Query()) > 0 {
		q := u.Query()
		q.Del("access_token")
		q.Del("appsecret_proof")
		return q, true
	}
	if p.Paging.Cursors.After == "" {
		return nil, false
	}
	next := url.Values{}
	for k, v := range cur {
		next[k] = v
	}
	next.Set("after", p.Paging.Cursors.After)
	return next, true
}
