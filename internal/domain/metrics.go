package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// DateLayout is the wire and storage format for calendar dates.
const DateLayout = "2006-01-02"

// Date returns the calendar day of t as midnight UTC. All metric dates are
// normalized this way so map keys and comparisons are stable.
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ParseDate parses a YYYY-MM-DD string into a normalized date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}

// DaysBetween returns the inclusive number of calendar days in [from, to].
func DaysBetween(from, to time.Time) int {
	return int(Date(to).Sub(Date(from)).Hours()/24) + 1
}

// MetricRow is one daily metric value.
type MetricRow struct {
	AccountID  string          `json:"account_id" db:"account_id"`
	Platform   Platform        `json:"platform" db:"platform"`
	MetricKey  string          `json:"metric_key" db:"metric_key"`
	MetricDate time.Time       `json:"metric_date" db:"metric_date"`
	Value      float64         `json:"value" db:"value"`
	Metadata   json.RawMessage `json:"metadata,omitempty" db:"metadata"`
}

// Key returns the row's storage identity.
func (r MetricRow) Key() MetricKey {
	return MetricKey{
		AccountID:  r.AccountID,
		Platform:   r.Platform,
		MetricKey:  r.MetricKey,
		MetricDate: Date(r.MetricDate).Format(DateLayout),
	}
}

// MetricKey identifies a daily metric row.
type MetricKey struct {
	AccountID  string
	Platform   Platform
	MetricKey  string
	MetricDate string
}

// DailySnapshot is the provider's view of one account for one day, keyed by
// our metric key. A nil value means the provider returned nothing for it.
type DailySnapshot struct {
	Values   map[string]*float64        `json:"values"`
	Metadata map[string]json.RawMessage `json:"metadata,omitempty"`
	Raw      json.RawMessage            `json:"raw,omitempty"`
}

// DateRange is an inclusive range of calendar days.
type DateRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Days returns the inclusive number of days in the range.
func (r DateRange) Days() int { return DaysBetween(r.From, r.To) }

// String renders the range as "from..to".
func (r DateRange) String() string {
	return r.From.Format(DateLayout) + ".." + r.To.Format(DateLayout)
}
