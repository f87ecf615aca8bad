package main

import (
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/social-metrics/internal/domain"
)

func TestParseOptions(t *testing.T) {
	now := time.Date(2024, 3, 10, 1, 0, 0, 0, time.UTC)
	yesterday := time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		args      []string
		wantIDs   []string
		wantSince time.Time
		wantUntil time.Time
		wantErr   bool
	}{
		{
			name:      "defaults to yesterday",
			wantSince: yesterday,
			wantUntil: yesterday,
		},
		{
			name:      "repeatable and comma separated ids",
			args:      []string{"-ig", "1", "-ig", "2,3", "-since", "2024-01-01", "-until", "2024-01-31"},
			wantIDs:   []string{"1", "2", "3"},
			wantSince: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
			wantUntil: time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC),
		},
		{
			name:    "since after until",
			args:    []string{"-since", "2024-02-01", "-until", "2024-01-01"},
			wantErr: true,
		},
		{
			name:    "bad date",
			args:    []string{"-since", "yesterday"},
			wantErr: true,
		},
		{
			name:    "unknown flag",
			args:    []string{"-everything"},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts, err := parseOptions(tt.args, now, io.Discard)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantSince, opts.since)
			assert.Equal(t, tt.wantUntil, opts.until)
			if tt.wantIDs != nil {
				assert.Equal(t, tt.wantIDs, opts.accounts)
			}
		})
	}
}

func TestParseOptions_Switches(t *testing.T) {
	opts, err := parseOptions([]string{"-no-rollup", "-no-discover", "-skip-posts"}, time.Now(), io.Discard)
	require.NoError(t, err)
	assert.True(t, opts.noRollup)
	assert.True(t, opts.noDiscover)
	assert.True(t, opts.skipPosts)
}

func TestParseOptions_InvertedRangeIsRangeError(t *testing.T) {
	_, err := parseOptions([]string{"-since", "2024-02-01", "-until", "2024-01-01"}, time.Now(), io.Discard)
	var re *domain.RangeError
	assert.ErrorAs(t, err, &re)
}
