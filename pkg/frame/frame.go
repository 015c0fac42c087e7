// Package frame is a small row-oriented table used by transform stages.
//
// Methods mutate the frame in place and return it so calls can be chained.
package frame

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/Gobusters/ectolinq"
	"github.com/jmespath/go-jmespath"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/utils"
)

// Frame holds ordered columns and rows keyed by column name.
type Frame struct {
	Columns []string
	Rows    []map[string]any
}

func New(columns ...string) *Frame {
	return &Frame{Columns: append([]string(nil), columns...)}
}

// FromRecords builds a frame whose columns are the union of record keys in first-seen order.
// Keys within a record are visited alphabetically, so column order is deterministic.
func FromRecords(records []map[string]any) *Frame {
	f := &Frame{}
	seen := map[string]bool{}
	for _, rec := range records {
		keys := make([]string, 0, len(rec))
		for k := range rec {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if !seen[k] {
				seen[k] = true
				f.Columns = append(f.Columns, k)
			}
		}
		row := make(map[string]any, len(rec))
		for k, v := range rec {
			row[k] = v
		}
		f.Rows = append(f.Rows, row)
	}
	return f
}

// Concat appends the rows of frames in order; columns are their union.
func Concat(frames ...*Frame) *Frame {
	out := &Frame{}
	for _, f := range frames {
		if f == nil {
			continue
		}
		for _, c := range f.Columns {
			if !out.HasColumn(c) {
				out.Columns = append(out.Columns, c)
			}
		}
		out.Rows = append(out.Rows, f.Rows...)
	}
	return out
}

func (f *Frame) Len() int {
	return len(f.Rows)
}

func (f *Frame) Empty() bool {
	return len(f.Rows) == 0
}

func (f *Frame) HasColumn(name string) bool {
	for _, c := range f.Columns {
		if c == name {
			return true
		}
	}
	return false
}

// Column returns the values of one column
func (f *Frame) Column(name string) []any {
	out := make([]any, len(f.Rows))
	for i, row := range f.Rows {
		out[i] = row[name]
	}
	return out
}

// Strings returns the non-nil values of a column formatted as strings
func (f *Frame) Strings(name string) []string {
	out := make([]string, 0, len(f.Rows))
	for _, row := range f.Rows {
		if v, ok := row[name]; ok && v != nil {
			out = append(out, fmt.Sprint(v))
		}
	}
	return out
}

// Records returns rows restricted to the frame columns
func (f *Frame) Records() []map[string]any {
	out := make([]map[string]any, len(f.Rows))
	for i, row := range f.Rows {
		rec := make(map[string]any, len(f.Columns))
		for _, c := range f.Columns {
			rec[c] = row[c]
		}
		out[i] = rec
	}
	return out
}

// Select keeps cols in the given order; missing columns are filled with nil.
func (f *Frame) Select(cols ...string) *Frame {
	keep := map[string]bool{}
	for _, c := range cols {
		keep[c] = true
	}
	for _, row := range f.Rows {
		for k := range row {
			if !keep[k] {
				delete(row, k)
			}
		}
		for _, c := range cols {
			if _, ok := row[c]; !ok {
				row[c] = nil
			}
		}
	}
	f.Columns = append([]string(nil), cols...)
	return f
}

// SelectAvailable keeps the cols that exist, in the given order.
func (f *Frame) SelectAvailable(cols ...string) *Frame {
	var present []string
	for _, c := range cols {
		if f.HasColumn(c) {
			present = append(present, c)
		}
	}
	return f.Select(present...)
}

func (f *Frame) Drop(cols ...string) *Frame {
	drop := map[string]bool{}
	for _, c := range cols {
		drop[c] = true
	}
	kept := f.Columns[:0]
	for _, c := range f.Columns {
		if !drop[c] {
			kept = append(kept, c)
		}
	}
	f.Columns = kept
	for _, row := range f.Rows {
		for c := range drop {
			delete(row, c)
		}
	}
	return f
}

// Rename maps old column names to new ones. All names move at once, so
// {"a": "b", "b": "c"} turns a into b and b into c. When two columns land on
// the same name the later column wins.
func (f *Frame) Rename(names map[string]string) *Frame {
	renamed := func(c string) string {
		if n, ok := names[c]; ok {
			return n
		}
		return c
	}

	known := make(map[string]bool, len(f.Columns))
	seen := map[string]bool{}
	cols := make([]string, 0, len(f.Columns))
	for _, c := range f.Columns {
		known[c] = true
		if n := renamed(c); !seen[n] {
			seen[n] = true
			cols = append(cols, n)
		}
	}

	for i, row := range f.Rows {
		out := make(map[string]any, len(row))
		var extra []string
		for k := range row {
			if !known[k] {
				extra = append(extra, k)
			}
		}
		sort.Strings(extra)
		for _, k := range extra {
			out[renamed(k)] = row[k]
		}
		for _, c := range f.Columns {
			if v, ok := row[c]; ok {
				out[renamed(c)] = v
			}
		}
		f.Rows[i] = out
	}
	f.Columns = cols
	return f
}

// Explode emits one row per element of a list column.
// Empty lists produce a single row with nil; scalars are kept as-is.
func (f *Frame) Explode(col string) *Frame {
	rows := make([]map[string]any, 0, len(f.Rows))
	for _, row := range f.Rows {
		items, isList := row[col].([]any)
		if !isList || len(items) == 0 {
			clone := copyRow(row)
			if isList || row[col] == nil {
				clone[col] = nil
			}
			rows = append(rows, clone)
			continue
		}
		for _, item := range items {
			clone := copyRow(row)
			clone[col] = item
			rows = append(rows, clone)
		}
	}
	f.Rows = rows
	return f
}

// Normalize flattens a map column into top-level columns and removes it.
// Nested maps below the first level use dotted names. Flattened keys overwrite
// existing columns of the same name.
func (f *Frame) Normalize(col string) *Frame {
	var added []string
	seen := map[string]bool{}
	for _, row := range f.Rows {
		nested, _ := row[col].(map[string]any)
		delete(row, col)
		flat := map[string]any{}
		flatten("", nested, flat)
		keys := make([]string, 0, len(flat))
		for k := range flat {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			row[k] = flat[k]
			if !seen[k] {
				seen[k] = true
				added = append(added, k)
			}
		}
	}
	f.Drop(col)
	for _, k := range added {
		if !f.HasColumn(k) {
			f.Columns = append(f.Columns, k)
		}
	}
	return f
}

func flatten(prefix string, in map[string]any, out map[string]any) {
	for k, v := range in {
		name := k
		if prefix != "" {
			name = prefix + "." + k
		}
		if m, ok := v.(map[string]any); ok && len(m) > 0 {
			flatten(name, m, out)
			continue
		}
		out[name] = v
	}
}

// Map replaces each value of col with fn(value)
func (f *Frame) Map(col string, fn func(any) any) *Frame {
	for _, row := range f.Rows {
		row[col] = fn(row[col])
	}
	return f
}

// Apply sets col to fn(row), adding the column when missing
func (f *Frame) Apply(col string, fn func(row map[string]any) any) *Frame {
	for _, row := range f.Rows {
		row[col] = fn(row)
	}
	if !f.HasColumn(col) {
		f.Columns = append(f.Columns, col)
	}
	return f
}

// With sets a constant column
func (f *Frame) With(col string, value any) *Frame {
	return f.Apply(col, func(map[string]any) any { return value })
}

// Filter keeps rows for which keep returns true
func (f *Frame) Filter(keep func(row map[string]any) bool) *Frame {
	f.Rows = ectolinq.Filter(f.Rows, keep)
	return f
}

// DedupeLast keeps the last row of every distinct key, in first-seen key order.
func (f *Frame) DedupeLast(keys ...string) *Frame {
	index := map[string]int{}
	rows := make([]map[string]any, 0, len(f.Rows))
	for _, row := range f.Rows {
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = fmt.Sprint(row[k])
		}
		id := strings.Join(parts, "\x00")
		if i, ok := index[id]; ok {
			rows[i] = row
			continue
		}
		index[id] = len(rows)
		rows = append(rows, row)
	}
	f.Rows = rows
	return f
}

// DropBlank removes rows where col is nil or whitespace
func (f *Frame) DropBlank(col string) *Frame {
	return f.Filter(func(row map[string]any) bool {
		return !utils.IsBlank(row[col])
	})
}

// EmptyToNull replaces zero values ("" , 0, false, empty list) with nil
func (f *Frame) EmptyToNull(cols ...string) *Frame {
	for _, c := range cols {
		f.Map(c, func(v any) any {
			if falsy(v) {
				return nil
			}
			return v
		})
	}
	return f
}

// StripTZ drops a trailing "+hh:mm" offset from string values
func (f *Frame) StripTZ(cols ...string) *Frame {
	for _, c := range cols {
		f.Map(c, func(v any) any {
			s, ok := v.(string)
			if !ok {
				return v
			}
			return strings.SplitN(s, "+", 2)[0]
		})
	}
	return f
}

var (
	nonWord    = regexp.MustCompile(`[^\p{L}\p{M}\p{N}_\s]`)
	whitespace = regexp.MustCompile(`\s+`)
)

// CleanColumnName lowercases, removes punctuation and joins words with "_"
func CleanColumnName(name string) string {
	name = strings.ToLower(name)
	name = nonWord.ReplaceAllString(name, "")
	return whitespace.ReplaceAllString(name, "_")
}

func (f *Frame) CleanColumnNames() *Frame {
	names := map[string]string{}
	for _, c := range f.Columns {
		names[c] = CleanColumnName(c)
	}
	return f.Rename(names)
}

// FromSheet builds a frame from a header row and data rows.
// Blank headers become col_N, rows are padded or cut to the header width,
// and fully blank rows are dropped.
func FromSheet(header []any, rows [][]any) *Frame {
	cols := make([]string, len(header))
	for i, h := range header {
		name := strings.TrimSpace(fmt.Sprint(nilToEmpty(h)))
		if name == "" {
			name = fmt.Sprintf("col_%d", i+1)
		}
		cols[i] = name
	}

	f := New(cols...)
	for _, r := range rows {
		row := make(map[string]any, len(cols))
		blank := true
		for i, c := range cols {
			var v any = ""
			if i < len(r) && r[i] != nil {
				v = r[i]
			}
			if !utils.IsBlank(v) {
				blank = false
			}
			row[c] = v
		}
		if !blank {
			f.Rows = append(f.Rows, row)
		}
	}
	return f
}

// Lookup evaluates a JMESPath expression against a row
func Lookup(row map[string]any, expr string) (any, error) {
	return jmespath.Search(expr, row)
}

// Pick builds a new map from JMESPath expressions; non-map input yields nil.
func Pick(v any, fields map[string]string) any {
	m, ok := v.(map[string]any)
	if !ok || len(m) == 0 {
		return nil
	}
	out := make(map[string]any, len(fields))
	for name, expr := range fields {
		value, err := jmespath.Search(expr, m)
		if err != nil {
			value = nil
		}
		out[name] = value
	}
	return out
}

func copyRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		out[k] = v
	}
	return out
}

func nilToEmpty(v any) any {
	if v == nil {
		return ""
	}
	return v
}

func falsy(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case bool:
		return !t
	case float64:
		return t == 0
	case int:
		return t == 0
	case int64:
		return t == 0
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}
