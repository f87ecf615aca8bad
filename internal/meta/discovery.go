package meta

import (
	"context"
	"encoding/json"
	"net/url"
	"strings"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/logger"
)

type idRef struct {
	ID string `json:"id"`
}

type discoveredPage struct {
	ID                        string `json:"id"`
	InstagramBusinessAccount  *idRef `json:"instagram_business_account"`
	ConnectedInstagramAccount *idRef `json:"connected_instagram_account"`
	AdsAccounts               *struct {
		Data []adAccount `json:"data"`
	} `json:"ads_accounts"`
}

type adAccount struct {
	ID        string `json:"id"`
	AccountID string `json:"account_id"`
}

func (a adAccount) normalized() string {
	id := strings.TrimSpace(a.ID)
	if id == "" {
		id = strings.TrimSpace(a.AccountID)
	}
	if id == "" {
		return ""
	}
	if !strings.HasPrefix(id, "act_") {
		id = "act_" + id
	}
	return id
}

type orderedSet struct {
	seen  map[string]bool
	items []string
}

func (s *orderedSet) add(v string) {
	v = strings.TrimSpace(v)
	if v == "" {
		return
	}
	if s.seen == nil {
		s.seen = map[string]bool{}
	}
	if !s.seen[v] {
		s.seen[v] = true
		s.items = append(s.items, v)
	}
}

func (c *Client) discoverPages(ctx context.Context, fields string, fn func(discoveredPage)) error {
	p := url.Values{}
	p.Set("fields", fields)
	return c.Paginate(ctx, "/me/accounts", p, "", func(items []json.RawMessage) error {
		for _, raw := range items {
			var page discoveredPage
			if err := json.Unmarshal(raw, &page); err != nil {
				continue
			}
			fn(page)
		}
		return nil
	})
}

// DiscoverAccounts lists the pages, instagram users and ad accounts reachable
// with the system token. The two listing calls fail independently; an error
// is returned only when both fail.
func (c *Client) DiscoverAccounts(ctx context.Context) (domain.DiscoveredAccounts, error) {
	var pages, ig, ads orderedSet

	pagesErr := c.discoverPages(ctx, "id,name,instagram_business_account{id,username},connected_instagram_account{id},ads_accounts{id,account_id}", func(p discoveredPage) {
		pages.add(p.ID)
		if p.InstagramBusinessAccount != nil {
			ig.add(p.InstagramBusinessAccount.ID)
		}
		if p.AdsAccounts != nil {
			for _, a := range p.AdsAccounts.Data {
				ads.add(a.normalized())
			}
		}
	})
	if pagesErr != nil {
		logger.Warn("discover pages failed", "error", pagesErr)
	}

	p := url.Values{}
	p.Set("fields", "id,name,account_id")
	adsErr := c.Paginate(ctx, "/me/adaccounts", p, "", func(items []json.RawMessage) error {
		for _, raw := range items {
			var a adAccount
			if json.Unmarshal(raw, &a) == nil {
				ads.add(a.normalized())
			}
		}
		return nil
	})
	if adsErr != nil {
		logger.Warn("discover ad accounts failed", "error", adsErr)
	}

	out := domain.DiscoveredAccounts{
		FacebookPages: pages.items,
		Instagram:     ig.items,
		AdAccounts:    ads.items,
	}
	if pagesErr != nil && adsErr != nil {
		return out, pagesErr
	}
	return out, nil
}

// DiscoverInstagramAccounts lists instagram users linked to the token's
// pages, either as business or connected accounts.
func (c *Client) DiscoverInstagramAccounts(ctx context.Context) ([]string, error) {
	var ig orderedSet
	err := c.discoverPages(ctx, "instagram_business_account{id},connected_instagram_account{id}", func(p discoveredPage) {
		if p.InstagramBusinessAccount != nil {
			ig.add(p.InstagramBusinessAccount.ID)
		}
		if p.ConnectedInstagramAccount != nil {
			ig.add(p.ConnectedInstagramAccount.ID)
		}
	})
	if err != nil {
		return nil, err
	}
	return ig.items, nil
}
