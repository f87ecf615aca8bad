package config

import (
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"
)

// ClockTime is a wall-clock time of day.
type ClockTime struct {
	Hour   int
	Minute int
}

// String renders the clock as HH:MM.
func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	parts := strings.Split(strings.TrimSpace(s), ":")
	if len(parts) != 2 {
		return ClockTime{}, fmt.Errorf("clock %q: want HH:MM", s)
	}
	h, err := strconv.Atoi(parts[0])
	if err != nil || h < 0 || h > 23 {
		return ClockTime{}, fmt.Errorf("clock %q: bad hour", s)
	}
	m, err := strconv.Atoi(parts[1])
	if err != nil || m < 0 || m > 59 {
		return ClockTime{}, fmt.Errorf("clock %q: bad minute", s)
	}
	return ClockTime{Hour: h, Minute: m}, nil
}

// ClockOrDefault parses s, logging and returning def when it is invalid.
func ClockOrDefault(name, s string, def ClockTime) ClockTime {
	c, err := ParseClock(s)
	if err != nil {
		log.Printf("[Config] invalid %s %q, using %s: %v", name, s, def, err)
		return def
	}
	return c
}

// LocationOrUTC loads a tz database zone, falling back to UTC.
func LocationOrUTC(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		log.Printf("[Config] invalid timezone %q, using UTC: %v", name, err)
		return time.UTC
	}
	return loc
}

// IngestClock returns the daily ingest time, defaulting to 03:00.
func (c IngestConfig) IngestClock() ClockTime {
	return ClockOrDefault("ingest time", c.Time, ClockTime{Hour: 3})
}

// Location returns the ingest timezone.
func (c IngestConfig) Location() *time.Location { return LocationOrUTC(c.Timezone) }

// Interval returns the prewarm cadence (minimum 5 minutes).
func (c PrewarmConfig) Interval() time.Duration {
	m := c.IntervalMinutes
	if m < 5 {
		m = 5
	}
	return time.Duration(m) * time.Minute
}

// Location returns the prewarm timezone.
func (c PrewarmConfig) Location() *time.Location { return LocationOrUTC(c.Timezone) }

// CleanupClock returns the daily cleanup time, defaulting to 04:00.
func (c CleanupConfig) CleanupClock() ClockTime {
	return ClockOrDefault("cleanup time", c.Time, ClockTime{Hour: 4})
}

// Location returns the cleanup timezone.
func (c CleanupConfig) Location() *time.Location { return LocationOrUTC(c.Timezone) }
