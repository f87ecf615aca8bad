package ingest

import (
	"context"
	"strings"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/logger"
)

// AccountDiscoverer lists the Instagram business accounts reachable with
// the provider token.
type AccountDiscoverer interface {
	DiscoverInstagramAccounts(ctx context.Context) ([]string, error)
}

// AccountSources are the places an ingest run takes account ids from, in
// priority order.
type AccountSources struct {
	Explicit     []string
	Configured   []string
	IGUserID     string
	AutoDiscover bool
	Discoverer   AccountDiscoverer
}

// ResolveAccounts merges every source into one trimmed list, keeping the
// first occurrence of each id. A discovery failure is logged and the other
// sources are still used. domain.ErrNoAccounts is returned when the list
// is empty.
func ResolveAccounts(ctx context.Context, src AccountSources) ([]string, error) {
	var out []string
	seen := make(map[string]bool)
	add := func(ids ...string) {
		for _, id := range ids {
			id = strings.TrimSpace(id)
			if id == "" || seen[id] {
				continue
			}
			seen[id] = true
			out = append(out, id)
		}
	}

	add(src.Explicit...)
	add(src.Configured...)
	add(src.IGUserID)

	if src.AutoDiscover && src.Discoverer != nil {
		found, err := src.Discoverer.DiscoverInstagramAccounts(ctx)
		if err != nil {
			logger.Warn("instagram account discovery failed", "error", err)
		} else {
			add(found...)
		}
	}

	if len(out) == 0 {
		return nil, domain.ErrNoAccounts
	}
	return out, nil
}
