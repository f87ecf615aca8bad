package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/social-metrics/internal/domain"
)

type blockingEnsurer struct {
	started chan struct{}
	release chan struct{}
	err     error
}

func (b *blockingEnsurer) EnsureDailyCoverage(ctx context.Context, _ string, _, _ time.Time) ([]*RangeResult, error) {
	b.started <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return nil, b.err
}

func TestBackfiller_DeduplicatesRange(t *testing.T) {
	ens := &blockingEnsurer{started: make(chan struct{}, 1), release: make(chan struct{})}
	cov := &memCoverage{}
	b := NewBackfiller(ens, cov, time.Minute)

	from, to := day("2024-01-01"), day("2024-01-10")
	require.True(t, b.Trigger(context.Background(), "a", from, to))
	<-ens.started

	assert.True(t, b.InFlight("a", from, to))
	assert.False(t, b.Trigger(context.Background(), "a", from, to), "same range is already running")
	assert.False(t, b.InFlight("b", from, to))

	close(ens.release)
	b.Wait()

	assert.False(t, b.InFlight("a", from, to))
	require.Len(t, cov.backfills, 1)
	assert.Nil(t, cov.backfills[0])
}

func TestBackfiller_RecordsFailure(t *testing.T) {
	ens := &blockingEnsurer{started: make(chan struct{}, 1), release: make(chan struct{}), err: errors.New("provider down")}
	close(ens.release)
	cov := &memCoverage{}
	b := NewBackfiller(ens, cov, time.Minute)

	require.True(t, b.Trigger(context.Background(), "a", day("2024-01-01"), day("2024-01-02")))
	b.Wait()

	require.Len(t, cov.backfills, 1)
	require.NotNil(t, cov.backfills[0])
	assert.Equal(t, "provider down", *cov.backfills[0])
}

func TestBackfiller_OutlivesRequestContext(t *testing.T) {
	ens := &blockingEnsurer{started: make(chan struct{}, 1), release: make(chan struct{})}
	b := NewBackfiller(ens, nil, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	require.True(t, b.Trigger(ctx, "a", day("2024-01-01"), day("2024-01-02")))
	<-ens.started
	cancel()

	assert.True(t, b.InFlight("a", day("2024-01-01"), day("2024-01-02")))
	close(ens.release)
	b.Wait()
}

type panickingEnsurer struct{}

func (panickingEnsurer) EnsureDailyCoverage(context.Context, string, time.Time, time.Time) ([]*RangeResult, error) {
	panic("nil page")
}

func TestBackfiller_RecoversPanic(t *testing.T) {
	cov := &memCoverage{}
	b := NewBackfiller(panickingEnsurer{}, cov, time.Minute)
	from, to := day("2024-01-01"), day("2024-01-02")

	require.True(t, b.Trigger(context.Background(), "a", from, to))
	b.Wait()

	assert.False(t, b.InFlight("a", from, to))
	require.Len(t, cov.backfills, 1)
	require.NotNil(t, cov.backfills[0])
	assert.Contains(t, *cov.backfills[0], "nil page")
	assert.True(t, b.Trigger(context.Background(), "a", from, to), "range can be filled again")
	b.Wait()
}

type fakeDiscoverer struct {
	ids []string
	err error
}

func (f fakeDiscoverer) DiscoverInstagramAccounts(context.Context) ([]string, error) {
	return f.ids, f.err
}

func TestResolveAccounts(t *testing.T) {
	tests := []struct {
		name    string
		src     AccountSources
		want    []string
		wantErr error
	}{
		{
			name: "merges in priority order",
			src: AccountSources{
				Explicit:     []string{" 1 ", "2"},
				Configured:   []string{"2", "3", ""},
				IGUserID:     "4",
				AutoDiscover: true,
				Discoverer:   fakeDiscoverer{ids: []string{"5", "1"}},
			},
			want: []string{"1", "2", "3", "4", "5"},
		},
		{
			name: "discovery disabled",
			src: AccountSources{
				Configured: []string{"3"},
				Discoverer: fakeDiscoverer{ids: []string{"5"}},
			},
			want: []string{"3"},
		},
		{
			name: "discovery failure keeps other sources",
			src: AccountSources{
				IGUserID:     "4",
				AutoDiscover: true,
				Discoverer:   fakeDiscoverer{err: errors.New("token expired")},
			},
			want: []string{"4"},
		},
		{
			name:    "nothing resolved",
			src:     AccountSources{AutoDiscover: true, Discoverer: fakeDiscoverer{}},
			wantErr: domain.ErrNoAccounts,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ResolveAccounts(context.Background(), tt.src)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAudienceSnapshotter(t *testing.T) {
	store := &memAudience{}
	var gotTimeframe string
	a := NewAudienceSnapshotter(func(_ context.Context, _ string, timeframe string) (json.RawMessage, error) {
		gotTimeframe = timeframe
		return json.RawMessage(`{"age":{"25-34":10}}`), nil
	}, store)
	ctx := context.Background()

	_, err := a.LoadLatest(ctx, "a", "", day("2024-01-05"))
	assert.ErrorIs(t, err, domain.ErrNotFound)

	snap, err := a.Persist(ctx, "a", "", day("2024-01-03"))
	require.NoError(t, err)
	assert.Equal(t, DefaultAudienceTimeframe, gotTimeframe)
	assert.Equal(t, DefaultAudienceTimeframe, snap.Timeframe)

	latest, err := a.LoadLatest(ctx, "a", "", day("2024-01-05"))
	require.NoError(t, err)
	assert.Equal(t, day("2024-01-03"), latest.SnapshotDate)

	_, err = a.LoadLatest(ctx, "a", "", day("2024-01-02"))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestAudienceSnapshotter_FetchFailure(t *testing.T) {
	store := &memAudience{}
	a := NewAudienceSnapshotter(func(context.Context, string, string) (json.RawMessage, error) {
		return nil, &domain.ProviderError{Status: 400, Message: "unsupported"}
	}, store)

	_, err := a.Persist(context.Background(), "a", "last_90_days", day("2024-01-03"))
	var pe *domain.ProviderError
	assert.ErrorAs(t, err, &pe)
	assert.Empty(t, store.snaps)
}
