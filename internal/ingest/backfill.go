package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/ignite/social-metrics/internal/domain"
	"github.com/ignite/social-metrics/internal/pkg/logger"
)

// CoverageEnsurer fills the missing days of a range.
type CoverageEnsurer interface {
	EnsureDailyCoverage(ctx context.Context, accountID string, from, to time.Time) ([]*RangeResult, error)
}

// Backfiller runs coverage fills in the background. At most one fill per
// (account, range) runs at a time within this process.
type Backfiller struct {
	ensurer  CoverageEnsurer
	coverage CoverageStore
	platform domain.Platform
	timeout  time.Duration
	now      func() time.Time

	fills   singleflight.Group
	pending sync.Map // backfillKey -> struct{}
	wg      sync.WaitGroup
}

// NewBackfiller creates a backfiller. coverage may be nil; when set, the
// outcome of each fill is recorded against the range.
func NewBackfiller(ensurer CoverageEnsurer, coverage CoverageStore, timeout time.Duration) *Backfiller {
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	return &Backfiller{
		ensurer:  ensurer,
		coverage: coverage,
		platform: domain.PlatformInstagram,
		timeout:  timeout,
		now:      time.Now,
	}
}

func backfillKey(accountID string, from, to time.Time) string {
	return fmt.Sprintf("%s:%s:%s", accountID, domain.Date(from).Format(domain.DateLayout), domain.Date(to).Format(domain.DateLayout))
}

// Trigger starts a background fill and reports whether one was started.
// It returns false when the same range is already being filled. The fill
// outlives ctx's cancellation but not the backfiller's timeout.
func (b *Backfiller) Trigger(ctx context.Context, accountID string, from, to time.Time) bool {
	key := backfillKey(accountID, from, to)
	if _, running := b.pending.LoadOrStore(key, struct{}{}); running {
		return false
	}
	b.wg.Add(1)

	runCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), b.timeout)
	done := b.fills.DoChan(key, func() (v interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("backfill panic: %v", r)
			}
		}()
		return b.ensurer.EnsureDailyCoverage(runCtx, accountID, from, to)
	})

	go func() {
		defer b.wg.Done()
		defer cancel()
		res := <-done
		b.pending.Delete(key)
		results, _ := res.Val.([]*RangeResult)
		b.record(runCtx, accountID, from, to, results, res.Err)
	}()
	return true
}

func (b *Backfiller) record(ctx context.Context, accountID string, from, to time.Time, results []*RangeResult, err error) {
	var lastErr *string
	if err != nil {
		msg := err.Error()
		lastErr = &msg
		logger.Warn("backfill failed", "account", accountID, "from", domain.Date(from).Format(domain.DateLayout), "to", domain.Date(to).Format(domain.DateLayout), "error", err)
	} else {
		logger.Info("backfill finished", "account", accountID, "runs", len(results))
	}
	if b.coverage != nil {
		if err := b.coverage.MarkBackfill(context.WithoutCancel(ctx), accountID, b.platform, domain.Date(from), domain.Date(to), b.now().UTC(), lastErr); err != nil {
			logger.Warn("record backfill outcome failed", "account", accountID, "error", err)
		}
	}
}

// InFlight reports whether a fill for the range is running.
func (b *Backfiller) InFlight(accountID string, from, to time.Time) bool {
	_, ok := b.pending.Load(backfillKey(accountID, from, to))
	return ok
}

// Wait blocks until every triggered fill has returned.
func (b *Backfiller) Wait() { b.wg.Wait() }
