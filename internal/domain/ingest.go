package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Bucket is a rollup window length in days.
type Bucket int

const (
	Bucket7d  Bucket = 7
	Bucket30d Bucket = 30
	Bucket90d Bucket = 90
)

// DefaultBuckets are the windows refreshed after every ingest.
var DefaultBuckets = []Bucket{Bucket7d, Bucket30d, Bucket90d}

// String renders the bucket as stored, e.g. "7d".
func (b Bucket) String() string { return fmt.Sprintf("%dd", int(b)) }

// Start returns the first day of the window ending on end.
func (b Bucket) Start(end time.Time) time.Time {
	return Date(end).AddDate(0, 0, -(int(b) - 1))
}

// RollupPoint is one daily value inside a rollup payload.
type RollupPoint struct {
	MetricDate string  `json:"metric_date"`
	Value      float64 `json:"value"`
}

// RollupPayload keeps the raw daily values a rollup was computed from.
type RollupPayload struct {
	Values []RollupPoint `json:"values"`
}

// RollupRow is an aggregated window ending on EndDate.
type RollupRow struct {
	AccountID string        `json:"account_id" db:"account_id"`
	Platform  Platform      `json:"platform" db:"platform"`
	MetricKey string        `json:"metric_key" db:"metric_key"`
	Bucket    Bucket        `json:"bucket" db:"bucket"`
	StartDate time.Time     `json:"start_date" db:"start_date"`
	EndDate   time.Time     `json:"end_date" db:"end_date"`
	ValueSum  float64       `json:"value_sum" db:"value_sum"`
	ValueAvg  float64       `json:"value_avg" db:"value_avg"`
	Samples   int           `json:"samples" db:"samples"`
	Payload   RollupPayload `json:"payload" db:"payload"`
}

// IngestStatus enumerates the lifecycle of an ingest log row.
type IngestStatus string

const (
	IngestRunning   IngestStatus = "running"
	IngestSucceeded IngestStatus = "succeeded"
	IngestFailed    IngestStatus = "failed"
)

// IngestLog records one ingestion run.
type IngestLog struct {
	ID              string          `json:"id" db:"id"`
	Platform        Platform        `json:"platform" db:"platform"`
	JobType         string          `json:"job_type" db:"job_type"`
	AccountID       string          `json:"account_id" db:"account_id"`
	DateFrom        time.Time       `json:"date_from" db:"date_from"`
	DateTo          time.Time       `json:"date_to" db:"date_to"`
	Status          IngestStatus    `json:"status" db:"status"`
	StartedAt       time.Time       `json:"started_at" db:"started_at"`
	FinishedAt      *time.Time      `json:"finished_at,omitempty" db:"finished_at"`
	RecordsInserted int             `json:"records_inserted" db:"records_inserted"`
	RecordsUpdated  int             `json:"records_updated" db:"records_updated"`
	ErrorMessage    *string         `json:"error_message,omitempty" db:"error_message"`
	Details         json.RawMessage `json:"details,omitempty" db:"details"`
}

// CoverageRow describes how much of a requested range is stored.
type CoverageRow struct {
	AccountID       string     `json:"account_id" db:"account_id"`
	Platform        Platform   `json:"platform" db:"platform"`
	DateFrom        time.Time  `json:"date_from" db:"date_from"`
	DateTo          time.Time  `json:"date_to" db:"date_to"`
	DaysExpected    int        `json:"requested_days" db:"days_expected"`
	DaysPresent     int        `json:"covered_days" db:"days_present"`
	MissingDays     int        `json:"missing_days" db:"missing_days"`
	CoverageRatio   float64    `json:"coverage_ratio" db:"coverage_ratio"`
	HasFullCoverage bool       `json:"has_full_coverage" db:"has_full_coverage"`
	FirstAvailable  *time.Time `json:"first_available,omitempty" db:"first_available"`
	LastAvailable   *time.Time `json:"last_available,omitempty" db:"last_available"`
	LastBackfillAt  *time.Time `json:"last_backfill_at,omitempty" db:"last_backfill_at"`
	LastError       *string    `json:"last_error,omitempty" db:"last_error"`
	ComputedAt      time.Time  `json:"computed_at" db:"computed_at"`
}

// AudienceSnapshot is a point-in-time demographic breakdown for an account.
type AudienceSnapshot struct {
	AccountID    string          `json:"account_id" db:"account_id"`
	SnapshotDate time.Time       `json:"snapshot_date" db:"snapshot_date"`
	Timeframe    string          `json:"timeframe" db:"timeframe"`
	Payload      json.RawMessage `json:"payload" db:"payload"`
	UpdatedAt    time.Time       `json:"updated_at" db:"updated_at"`
}
