package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/httputil"
	"github.com/ignite/social-metrics/internal/pkg/logger"
)

// DailyResponse is the stored daily view of one account.
type DailyResponse struct {
	AccountID         string             `json:"account_id"`
	Range             domain.DateRange   `json:"range"`
	Coverage          domain.CoverageRow `json:"coverage"`
	Metrics           []domain.MetricRow `json:"metrics"`
	Rollups           []domain.RollupRow `json:"rollups"`
	BackfillTriggered bool               `json:"backfill_triggered"`
}

// dailyRange reads since/until, defaulting to the seven days ending
// yesterday.
func (h *Handlers) dailyRange(r *http.Request) (domain.DateRange, error) {
	until, err := httputil.QueryDate(r, "until", h.yesterday())
	if err != nil {
		return domain.DateRange{}, err
	}
	since, err := httputil.QueryDate(r, "since", until.AddDate(0, 0, -6))
	if err != nil {
		return domain.DateRange{}, err
	}
	rng := domain.DateRange{From: since, To: until}
	if until.Before(since) {
		return rng, &domain.RangeError{
			From:   since.Format(domain.DateLayout),
			To:     until.Format(domain.DateLayout),
			Reason: "until before since",
		}
	}
	if rng.Days() > h.deps.MaxRangeDays {
		return rng, &domain.RangeError{
			From:   since.Format(domain.DateLayout),
			To:     until.Format(domain.DateLayout),
			Reason: fmt.Sprintf("range longer than %d days", h.deps.MaxRangeDays),
		}
	}
	return rng, nil
}

// GetInstagramDaily returns the stored daily metrics, coverage and rollups
// of an account. It never calls the provider: when days are missing a
// background backfill is started and the stored rows are returned as is.
//
//	GET /api/instagram/{account}/daily?since=&until=
func (h *Handlers) GetInstagramDaily(w http.ResponseWriter, r *http.Request) {
	if h.deps.Metrics == nil || h.deps.Coverage == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "not_configured", "daily metrics store is not configured")
		return
	}
	account := strings.TrimSpace(chi.URLParam(r, "account"))
	rng, err := h.dailyRange(r)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	ctx := r.Context()
	resp := DailyResponse{AccountID: account, Range: rng}

	if resp.Coverage, err = h.deps.Coverage.Compute(ctx, account, domain.PlatformInstagram, rng.From, rng.To); err != nil {
		httputil.FromError(w, err)
		return
	}
	if !resp.Coverage.HasFullCoverage && h.deps.Backfill != nil {
		started := h.deps.Backfill.Trigger(ctx, account, rng.From, rng.To)
		resp.BackfillTriggered = started || h.deps.Backfill.InFlight(account, rng.From, rng.To)
		if started {
			logger.Info("daily range incomplete, backfill started",
				"account_id", account, "range", rng.String(), "missing_days", resp.Coverage.MissingDays)
		}
	}

	if resp.Metrics, err = h.deps.Metrics.ListRange(ctx, account, domain.PlatformInstagram, nil, rng.From, rng.To); err != nil {
		httputil.FromError(w, err)
		return
	}
	if resp.Metrics == nil {
		resp.Metrics = []domain.MetricRow{}
	}
	if h.deps.Rollups != nil {
		if resp.Rollups, err = h.deps.Rollups.ListForEnd(ctx, account, domain.PlatformInstagram, rng.To); err != nil {
			httputil.FromError(w, err)
			return
		}
	}
	if resp.Rollups == nil {
		resp.Rollups = []domain.RollupRow{}
	}
	httputil.OK(w, resp)
}

// GetInstagramAudience returns the newest stored demographic snapshot on
// or before date, which defaults to yesterday.
//
//	GET /api/instagram/{account}/audience?timeframe=&date=
func (h *Handlers) GetInstagramAudience(w http.ResponseWriter, r *http.Request) {
	if h.deps.Audience == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "not_configured", "audience store is not configured")
		return
	}
	account := strings.TrimSpace(chi.URLParam(r, "account"))
	date, err := httputil.QueryDate(r, "date", h.yesterday())
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	snap, err := h.deps.Audience.LoadLatest(r.Context(), account, strings.TrimSpace(r.URL.Query().Get("timeframe")), date)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, snap)
}

// BackfillResponse acknowledges a backfill request.
type BackfillResponse struct {
	AccountID string           `json:"account_id"`
	Range     domain.DateRange `json:"range"`
	Started   bool             `json:"started"`
	InFlight  bool             `json:"in_flight"`
	Requested time.Time        `json:"requested_at"`
}

// TriggerInstagramBackfill starts a background fill of the missing days.
// A request for a range already being filled is acknowledged without
// starting a second run.
//
//	POST /api/instagram/{account}/backfill?since=&until=
func (h *Handlers) TriggerInstagramBackfill(w http.ResponseWriter, r *http.Request) {
	if h.deps.Backfill == nil {
		httputil.Error(w, http.StatusServiceUnavailable, "not_configured", "backfill is not configured")
		return
	}
	account := strings.TrimSpace(chi.URLParam(r, "account"))
	rng, err := h.dailyRange(r)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	started := h.deps.Backfill.Trigger(r.Context(), account, rng.From, rng.To)
	httputil.Accepted(w, BackfillResponse{
		AccountID: account,
		Range:     rng,
		Started:   started,
		InFlight:  h.deps.Backfill.InFlight(account, rng.From, rng.To),
		Requested: h.deps.Now().UTC(),
	})
}
