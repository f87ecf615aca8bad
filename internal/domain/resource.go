package domain

import (
	"fmt"
	"sort"
)

// Platform identifies the social platform a row or cache entry belongs to.
type Platform string

const (
	PlatformInstagram Platform = "instagram"
	PlatformFacebook  Platform = "facebook"
	PlatformAds       Platform = "ads"
)

// Valid reports whether p is a known platform.
func (p Platform) Valid() bool {
	switch p {
	case PlatformInstagram, PlatformFacebook, PlatformAds:
		return true
	}
	return false
}

// Resource names a cacheable provider resource. Each resource has exactly
// one registered fetcher.
type Resource string

const (
	ResourceInstagramMetrics  Resource = "instagram_metrics"
	ResourceInstagramPosts    Resource = "instagram_posts"
	ResourceInstagramAudience Resource = "instagram_audience"
	ResourceFacebookMetrics   Resource = "facebook_metrics"
	ResourceFacebookPosts     Resource = "facebook_posts"
	ResourceAdsHighlights     Resource = "ads_highlights"
)

var resourcePlatforms = map[Resource]Platform{
	ResourceInstagramMetrics:  PlatformInstagram,
	ResourceInstagramPosts:    PlatformInstagram,
	ResourceInstagramAudience: PlatformInstagram,
	ResourceFacebookMetrics:   PlatformFacebook,
	ResourceFacebookPosts:     PlatformFacebook,
	ResourceAdsHighlights:     PlatformAds,
}

// Valid reports whether r is one of the known resources.
func (r Resource) Valid() bool {
	_, ok := resourcePlatforms[r]
	return ok
}

// Platform returns the platform a resource belongs to.
func (r Resource) Platform() Platform {
	return resourcePlatforms[r]
}

// ParseResource converts a raw string into a Resource.
func ParseResource(s string) (Resource, error) {
	r := Resource(s)
	if !r.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownResource, s)
	}
	return r, nil
}

// AllResources returns every known resource sorted by name.
func AllResources() []Resource {
	out := make([]Resource, 0, len(resourcePlatforms))
	for r := range resourcePlatforms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DiscoveredAccounts is the set of provider accounts reachable with the
// configured token.
type DiscoveredAccounts struct {
	FacebookPages []string `json:"facebook_pages"`
	Instagram     []string `json:"instagram"`
	AdAccounts    []string `json:"ad_accounts"`
}

// Empty reports whether no account of any kind was discovered.
func (d DiscoveredAccounts) Empty() bool {
	return len(d.FacebookPages) == 0 && len(d.Instagram) == 0 && len(d.AdAccounts) == 0
}
