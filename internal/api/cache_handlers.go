package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/social-metrics/internal/cache"
	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/fetcher"
	"github.com/ignite/social-metrics/internal/pkg/httputil"
)

const defaultRefreshWindow = 7 * 24 * 60 * 60

// GetCachedResource serves one cached resource, falling back to the latest
// stored payload when the provider fails.
//
//	GET /api/cache/{resource}?owner=&since=&until=&platform=&force=&limit=&timeframe=
func (h *Handlers) GetCachedResource(w http.ResponseWriter, r *http.Request) {
	res, err := domain.ParseResource(chi.URLParam(r, "resource"))
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	since, err := httputil.QueryInt(r, "since", 0)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	until, err := httputil.QueryInt(r, "until", 0)
	if err != nil {
		httputil.FromError(w, err)
		return
	}

	q := cache.Query{
		Resource: res,
		OwnerID:  strings.TrimSpace(r.URL.Query().Get("owner")),
		SinceTS:  since,
		UntilTS:  until,
		Platform: domain.Platform(r.URL.Query().Get("platform")),
		Force:    httputil.QueryBool(r, "force"),
		Reason:   domain.ReasonOnDemand,
	}
	if q.Force {
		q.Reason = domain.ReasonForced
	}
	if q.Platform != "" && !q.Platform.Valid() {
		httputil.FromError(w, &domain.ConfigError{Field: "platform", Reason: "unknown platform " + string(q.Platform)})
		return
	}
	extra := map[string]any{}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httputil.FromError(w, &domain.ConfigError{Field: "limit", Reason: "not an integer"})
			return
		}
		extra["limit"] = fetcher.ClampLimit(n)
	}
	if v := strings.TrimSpace(r.URL.Query().Get("timeframe")); v != "" {
		extra["timeframe"] = v
	}
	if len(extra) > 0 {
		q.Extra = extra
	}

	result, err := h.deps.Cache.WithFallback(r.Context(), q)
	if err != nil {
		httputil.FromError(w, err)
		return
	}
	httputil.OK(w, result)
}

// RefreshRequest is the body of the manual refresh route. Every field is
// optional.
type RefreshRequest struct {
	Resources   []string `json:"resources"`
	InstagramID string   `json:"instagram_id"`
	PageID      string   `json:"page_id"`
	AdAccountID string   `json:"ad_account_id"`
	Limit       int      `json:"limit"`
	Since       int64    `json:"since"`
	Until       int64    `json:"until"`
}

// RefreshError reports one resource that could not be refreshed.
type RefreshError struct {
	Resource string                `json:"resource"`
	Error    string                `json:"error"`
	Provider *domain.ProviderError `json:"provider,omitempty"`
}

// RefreshResponse is the manual refresh result.
type RefreshResponse struct {
	Results   map[string]cache.Meta `json:"results"`
	Errors    []RefreshError        `json:"errors"`
	Resources []string              `json:"resources"`
	Since     int64                 `json:"since"`
	Until     int64                 `json:"until"`
}

// RefreshCache forces a refresh of the requested resources. Partial
// failures answer 207 with the per-resource errors.
//
//	POST /api/cache/refresh
func (h *Handlers) RefreshCache(w http.ResponseWriter, r *http.Request) {
	var req RefreshRequest
	if !httputil.Decode(w, r, &req) {
		return
	}
	if len(req.Resources) == 0 {
		for _, res := range domain.AllResources() {
			req.Resources = append(req.Resources, string(res))
		}
	}
	if req.Limit <= 0 {
		req.Limit = 6
	}
	if req.Since == 0 || req.Until == 0 {
		req.Until = h.deps.Now().Unix()
		req.Since = req.Until - defaultRefreshWindow
	}
	owners := map[domain.Platform]string{
		domain.PlatformInstagram: firstNonEmpty(req.InstagramID, h.deps.DefaultInstagramID),
		domain.PlatformFacebook:  firstNonEmpty(req.PageID, h.deps.DefaultPageID),
		domain.PlatformAds:       firstNonEmpty(req.AdAccountID, h.deps.DefaultAdAccountID),
	}

	resp := RefreshResponse{
		Results:   map[string]cache.Meta{},
		Errors:    []RefreshError{},
		Resources: req.Resources,
		Since:     req.Since,
		Until:     req.Until,
	}
	for _, name := range req.Resources {
		res, err := domain.ParseResource(name)
		if err != nil {
			resp.Errors = append(resp.Errors, RefreshError{Resource: name, Error: "unsupported resource"})
			continue
		}
		owner := owners[res.Platform()]
		if owner == "" {
			resp.Errors = append(resp.Errors, RefreshError{Resource: name, Error: "missing identifier"})
			continue
		}

		q := cache.Query{Resource: res, OwnerID: owner, Force: true, Reason: domain.ReasonManual}
		switch res {
		case domain.ResourceInstagramPosts, domain.ResourceFacebookPosts:
			q.Extra = map[string]any{"limit": fetcher.ClampLimit(req.Limit)}
		case domain.ResourceInstagramAudience:
		default:
			q.SinceTS, q.UntilTS = req.Since, req.Until
		}

		result, err := h.deps.Cache.Get(r.Context(), q)
		if err != nil {
			re := RefreshError{Resource: name, Error: err.Error()}
			var pe *domain.ProviderError
			if errors.As(err, &pe) {
				re.Error = pe.Message
				re.Provider = pe
			}
			resp.Errors = append(resp.Errors, re)
			continue
		}
		resp.Results[name] = result.Meta
	}

	status := http.StatusOK
	if len(resp.Errors) > 0 {
		status = http.StatusMultiStatus
	}
	httputil.JSON(w, status, resp)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
