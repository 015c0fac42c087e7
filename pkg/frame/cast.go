package frame

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/utils"
)

// timestampLayouts are tried in order when parsing API timestamps.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ParseTimestamp parses the timestamp formats returned by the sources.
// Offsets are converted to UTC; naive values are taken as-is.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}

func toTime(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		parsed, err := ParseTimestamp(t)
		return parsed, err == nil
	}
	return time.Time{}, false
}

// FloorSeconds parses timestamps and truncates them to the second.
// Unparseable values become nil.
func (f *Frame) FloorSeconds(cols ...string) *Frame {
	for _, c := range cols {
		f.Map(c, func(v any) any {
			t, ok := toTime(v)
			if !ok {
				return nil
			}
			return t.Truncate(time.Second)
		})
	}
	return f
}

// CastTime parses string values with layout; blank values become nil.
func (f *Frame) CastTime(col, layout string) error {
	for i, row := range f.Rows {
		v := row[col]
		if t, ok := v.(time.Time); ok {
			row[col] = t
			continue
		}
		if utils.IsBlank(v) {
			row[col] = nil
			continue
		}
		t, err := time.Parse(layout, strings.TrimSpace(fmt.Sprint(v)))
		if err != nil {
			return fmt.Errorf("row %d column %s: %w", i, col, err)
		}
		row[col] = t.Round(time.Second)
	}
	return nil
}

// serialEpoch is day zero of spreadsheet serial dates.
var serialEpoch = time.Date(1899, 12, 30, 0, 0, 0, 0, time.UTC)

// SerialDays converts spreadsheet serial day numbers into timestamps rounded to
// the second. Non-numeric values become nil.
func (f *Frame) SerialDays(cols ...string) *Frame {
	for _, c := range cols {
		f.Map(c, func(v any) any {
			days, ok := utils.ToFloat(v)
			if !ok {
				return nil
			}
			nanos := math.Round(days * 24 * float64(time.Hour))
			return serialEpoch.Add(time.Duration(nanos)).Round(time.Second)
		})
	}
	return f
}

// CastDecimal converts numeric values to decimal.Decimal; blanks become nil.
func (f *Frame) CastDecimal(cols ...string) *Frame {
	for _, c := range cols {
		f.Map(c, func(v any) any {
			switch t := v.(type) {
			case nil:
				return nil
			case decimal.Decimal:
				return t
			case float64:
				return decimal.NewFromFloat(t)
			case int:
				return decimal.NewFromInt(int64(t))
			case int32:
				return decimal.NewFromInt32(t)
			case int64:
				return decimal.NewFromInt(t)
			case string:
				d, err := decimal.NewFromString(strings.TrimSpace(t))
				if err != nil {
					return nil
				}
				return d
			}
			return nil
		})
	}
	return f
}

// CastString formats non-nil values as strings. Whole floats drop the ".0".
func (f *Frame) CastString(cols ...string) *Frame {
	for _, c := range cols {
		f.Map(c, func(v any) any {
			switch t := v.(type) {
			case nil:
				return nil
			case string:
				return t
			case float64:
				if t == math.Trunc(t) && math.Abs(t) < 1e15 {
					return strconv.FormatInt(int64(t), 10)
				}
				return strconv.FormatFloat(t, 'f', -1, 64)
			}
			return utils.ToString(v)
		})
	}
	return f
}
