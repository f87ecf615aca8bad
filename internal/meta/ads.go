package meta

import (
	"context"
	"encoding/json"
	"net/url"
	"sort"
	"time"

	"github.com/ignite/social-metrics/internal/domain"
)

const topCampaigns = 5

// CampaignInsight is one campaign row from the ads insights endpoint.
type CampaignInsight struct {
	CampaignID   string  `json:"campaign_id"`
	CampaignName string  `json:"campaign_name"`
	Objective    string  `json:"objective,omitempty"`
	Spend        float64 `json:"spend"`
	Impressions  float64 `json:"impressions"`
	Reach        float64 `json:"reach"`
	Clicks       float64 `json:"clicks"`
	CTR          float64 `json:"ctr"`
	CPC          float64 `json:"cpc"`
	CPM          float64 `json:"cpm"`
}

// AdsSummary aggregates campaign insights for an ad account.
type AdsSummary struct {
	AccountID    string             `json:"account_id"`
	Since        string             `json:"since"`
	Until        string             `json:"until"`
	Spend        float64            `json:"spend"`
	Impressions  float64            `json:"impressions"`
	Reach        float64            `json:"reach"`
	Clicks       float64            `json:"clicks"`
	CTR          float64            `json:"ctr"`
	CPC          float64            `json:"cpc"`
	CPM          float64            `json:"cpm"`
	Actions      map[string]float64 `json:"actions"`
	TopCampaigns []CampaignInsight  `json:"top_campaigns"`
}

type rawCampaign struct {
	CampaignID   string          `json:"campaign_id"`
	CampaignName string          `json:"campaign_name"`
	Objective    string          `json:"objective"`
	Spend        json.RawMessage `json:"spend"`
	Impressions  json.RawMessage `json:"impressions"`
	Reach        json.RawMessage `json:"reach"`
	Clicks       json.RawMessage `json:"clicks"`
	CTR          json.RawMessage `json:"ctr"`
	CPC          json.RawMessage `json:"cpc"`
	CPM          json.RawMessage `json:"cpm"`
	Actions      []struct {
		ActionType string          `json:"action_type"`
		Value      json.RawMessage `json:"value"`
	} `json:"actions"`
}

func num(raw json.RawMessage) float64 {
	v, _ := coerceNumber(raw)
	return v
}

// AdsHighlights sums campaign-level insights for [since, until] (calendar
// days) and returns the top campaigns by spend.
func (c *Client) AdsHighlights(ctx context.Context, actID string, since, until time.Time) (json.RawMessage, error) {
	if until.Before(since) {
		return nil, &domain.RangeError{From: since.Format(domain.DateLayout), To: until.Format(domain.DateLayout), Reason: "until before since"}
	}
	p := url.Values{}
	p.Set("fields", "campaign_id,campaign_name,objective,impressions,reach,clicks,spend,ctr,cpc,cpm,actions")
	p.Set("time_range[since]", since.Format(domain.DateLayout))
	p.Set("time_range[until]", until.Format(domain.DateLayout))
	p.Set("level", "campaign")
	p.Set("limit", "500")

	sum := AdsSummary{
		AccountID: actID,
		Since:     since.Format(domain.DateLayout),
		Until:     until.Format(domain.DateLayout),
		Actions:   map[string]float64{},
	}
	var campaigns []CampaignInsight
	err := c.Paginate(ctx, "/"+actID+"/insights", p, "", func(items []json.RawMessage) error {
		for _, raw := range items {
			var rc rawCampaign
			if err := json.Unmarshal(raw, &rc); err != nil {
				continue
			}
			ci := CampaignInsight{
				CampaignID:   rc.CampaignID,
				CampaignName: rc.CampaignName,
				Objective:    rc.Objective,
				Spend:        num(rc.Spend),
				Impressions:  num(rc.Impressions),
				Reach:        num(rc.Reach),
				Clicks:       num(rc.Clicks),
				CTR:          num(rc.CTR),
				CPC:          num(rc.CPC),
				CPM:          num(rc.CPM),
			}
			for _, a := range rc.Actions {
				sum.Actions[a.ActionType] += num(a.Value)
			}
			sum.Spend += ci.Spend
			sum.Impressions += ci.Impressions
			sum.Reach += ci.Reach
			sum.Clicks += ci.Clicks
			campaigns = append(campaigns, ci)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if sum.Impressions > 0 {
		sum.CTR = sum.Clicks / sum.Impressions * 100
		sum.CPM = sum.Spend / sum.Impressions * 1000
	}
	if sum.Clicks > 0 {
		sum.CPC = sum.Spend / sum.Clicks
	}
	sort.SliceStable(campaigns, func(i, j int) bool { return campaigns[i].Spend > campaigns[j].Spend })
	if len(campaigns) > topCampaigns {
		campaigns = campaigns[:topCampaigns]
	}
	sum.TopCampaigns = campaigns
	if sum.TopCampaigns == nil {
		sum.TopCampaigns = []CampaignInsight{}
	}
	return json.Marshal(sum)
}
