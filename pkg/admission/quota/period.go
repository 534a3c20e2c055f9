package quota

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Period identifies a calendar accounting period.
type Period string

const (
	// PeriodDaily resets at the configured local reset time each day.
	PeriodDaily Period = "daily"

	// PeriodMonthly resets at the start of each calendar month.
	PeriodMonthly Period = "monthly"
)

// Valid reports whether p names a known period.
func (p Period) Valid() bool {
	return p == PeriodDaily || p == PeriodMonthly
}

// Bounds describes one live accounting period: its wire key and the instant
// it rolls over.
type Bounds struct {
	// Key is the periodKey segment: YYYY-MM-DD (daily) or YYYY-MM (monthly).
	Key string

	// End is the next reset boundary. Ledger expiry is pinned to it.
	End time.Time
}

// DailyBounds computes the live daily period containing now. The boundary is
// resetTime ("HH:MM", default midnight) in the given location; the period key
// is the date of the period's start, so a 03:00 reset on Aug 30 still files
// 02:59 traffic under Aug 29.
func DailyBounds(now time.Time, resetTime string, loc *time.Location) (Bounds, error) {
	hour, minute, err := parseResetTime(resetTime)
	if err != nil {
		return Bounds{}, err
	}

	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), hour, minute, 0, 0, loc)
	if local.Before(start) {
		start = start.AddDate(0, 0, -1)
	}
	end := time.Date(start.Year(), start.Month(), start.Day()+1, hour, minute, 0, 0, loc)

	return Bounds{Key: start.Format("2006-01-02"), End: end}, nil
}

// MonthlyBounds computes the live monthly period containing now. Monthly
// ledgers always reset at month start regardless of the daily reset time.
func MonthlyBounds(now time.Time, loc *time.Location) Bounds {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), 1, 0, 0, 0, 0, loc)
	end := time.Date(local.Year(), local.Month()+1, 1, 0, 0, 0, 0, loc)

	return Bounds{Key: start.Format("2006-01"), End: end}
}

// parseResetTime parses "HH:MM". Empty means midnight.
func parseResetTime(resetTime string) (hour, minute int, err error) {
	if resetTime == "" {
		return 0, 0, nil
	}

	parts := strings.SplitN(resetTime, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("reset time %q: want HH:MM", resetTime)
	}
	hour, err = strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("reset time %q: bad hour", resetTime)
	}
	minute, err = strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("reset time %q: bad minute", resetTime)
	}
	return hour, minute, nil
}
