// Package timeutil holds the date conventions shared by every source: dates
// are calendar days in the warehouse timezone (UTC+7) and APIs receive them as
// UTC instants.
package timeutil

import (
	"fmt"
	"time"
	_ "time/tzdata"
)

const (
	DateLayout = "2006-01-02"
	// DWHLayout is how timestamps are written to the warehouse
	DWHLayout = "2006-01-02 15:04:05"
	// ISOLayout matches the microsecond UTC format the SaaS APIs expect
	ISOLayout = "2006-01-02T15:04:05.000000Z"
)

var local = loadLocal()

func loadLocal() *time.Location {
	loc, err := time.LoadLocation("Asia/Ho_Chi_Minh")
	if err != nil {
		return time.FixedZone("UTC+7", 7*60*60)
	}
	return loc
}

// Local returns the warehouse timezone.
func Local() *time.Location {
	return local
}

// SetLocal overrides the warehouse timezone.
func SetLocal(loc *time.Location) {
	if loc != nil {
		local = loc
	}
}

// DeltaDate returns the local calendar date `days` before now.
func DeltaDate(now time.Time, days int) string {
	return now.In(local).AddDate(0, 0, -days).Format(DateLayout)
}

// DefaultRange is yesterday..today in local time.
func DefaultRange(now time.Time) (string, string) {
	return DeltaDate(now, 1), DeltaDate(now, 0)
}

// ParseDate parses a YYYY-MM-DD date at local midnight.
func ParseDate(date string) (time.Time, error) {
	t, err := time.ParseInLocation(DateLayout, date, local)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid date %q: %w", date, err)
	}
	return t, nil
}

// StartOfDate is local midnight of date.
func StartOfDate(date string) (time.Time, error) {
	return ParseDate(date)
}

// EndOfDate is the last second of date in local time.
func EndOfDate(date string) (time.Time, error) {
	t, err := ParseDate(date)
	if err != nil {
		return time.Time{}, err
	}
	return t.AddDate(0, 0, 1).Add(-time.Second), nil
}

// ISODate converts local midnight of date to a UTC ISO timestamp.
func ISODate(date string) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	return t.UTC().Format(ISOLayout), nil
}

// NowISO is the current UTC instant in ISOLayout.
func NowISO(now time.Time) string {
	return now.UTC().Format(ISOLayout)
}

// NowLocal is the current time in the warehouse timezone, truncated to seconds.
func NowLocal(now time.Time) time.Time {
	return now.In(local).Truncate(time.Second)
}
