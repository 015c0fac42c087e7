package warehouse

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/database"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

// ErrNoKeys is returned when a merge has no join keys
var ErrNoKeys = errors.New("merge requires at least one key column")

// MergeSpec describes an upsert from a staging table into a curated table
type MergeSpec struct {
	Target  string
	Staging string
	Keys    []string
	// OrderBy keeps the newest staged row per key when set
	OrderBy string
	// Columns defaults to the staging table columns
	Columns       []string
	TruncateAfter bool
}

// BuildMergeSQL renders the MERGE statement for spec
func BuildMergeSQL(spec MergeSpec) (string, error) {
	if len(spec.Keys) == 0 {
		return "", ErrNoKeys
	}
	if len(spec.Columns) == 0 {
		return "", fmt.Errorf("merge into %s has no columns", spec.Target)
	}

	isKey := map[string]bool{}
	for _, k := range spec.Keys {
		isKey[k] = true
	}

	source := "SELECT * FROM " + database.Quote(spec.Staging)
	if spec.OrderBy != "" {
		source += fmt.Sprintf(" QUALIFY row_number() OVER (PARTITION BY %s ORDER BY %s DESC) = 1",
			strings.Join(database.QuoteAll(spec.Keys), ", "), database.Quote(spec.OrderBy))
	}

	on := make([]string, len(spec.Keys))
	for i, k := range spec.Keys {
		q := database.Quote(k)
		on[i] = fmt.Sprintf("t.%s = s.%s", q, q)
	}

	var sets, values []string
	for _, c := range spec.Columns {
		q := database.Quote(c)
		values = append(values, "s."+q)
		if !isKey[c] {
			sets = append(sets, fmt.Sprintf("%s = s.%s", q, q))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "MERGE INTO %s AS t\nUSING (%s) AS s\nON %s\n",
		database.Quote(spec.Target), source, strings.Join(on, " AND "))
	if len(sets) > 0 {
		fmt.Fprintf(&b, "WHEN MATCHED THEN UPDATE SET %s\n", strings.Join(sets, ", "))
	}
	fmt.Fprintf(&b, "WHEN NOT MATCHED THEN INSERT (%s) VALUES (%s)",
		strings.Join(database.QuoteAll(spec.Columns), ", "), strings.Join(values, ", "))
	return b.String(), nil
}

// Merge upserts staging rows into the target, creating the target like the
// staging table when missing and adding any new staging columns to it.
func (w *Warehouse) Merge(ctx context.Context, spec MergeSpec) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "Warehouse.Merge")
	defer span.End()

	stagingCols, err := w.Columns(ctx, spec.Staging)
	if err != nil {
		return 0, err
	}
	if len(stagingCols) == 0 {
		return 0, fmt.Errorf("staging table %s does not exist", spec.Staging)
	}
	if len(spec.Columns) == 0 {
		for _, c := range stagingCols {
			spec.Columns = append(spec.Columns, c.Name)
		}
	}

	if err := w.CreateLike(ctx, spec.Target, spec.Staging); err != nil {
		return 0, err
	}
	if err := w.widen(ctx, spec.Target, stagingCols); err != nil {
		return 0, err
	}

	query, err := BuildMergeSQL(spec)
	if err != nil {
		return 0, err
	}
	w.logger.WithContext(ctx).Debug(query)

	res, err := w.exec(ctx, "merge", query)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, fmt.Errorf("failed to merge %s into %s: %w", spec.Staging, spec.Target, err)
	}
	affected, _ := res.RowsAffected()
	w.logger.WithContext(ctx).Infof("Merged %d rows from %s into %s", affected, spec.Staging, spec.Target)

	if spec.TruncateAfter {
		if err := w.Truncate(ctx, spec.Staging); err != nil {
			return affected, err
		}
	}
	return affected, nil
}

func (w *Warehouse) widen(ctx context.Context, table string, want []Column) error {
	have, err := w.Columns(ctx, table)
	if err != nil {
		return err
	}
	present := map[string]bool{}
	for _, c := range have {
		present[c.Name] = true
	}
	for _, c := range want {
		if present[c.Name] {
			continue
		}
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", database.Quote(table), database.Quote(c.Name), c.Type)
		if _, err := w.exec(ctx, "add_column", query); err != nil {
			return fmt.Errorf("failed to add column %s to %s: %w", c.Name, table, err)
		}
	}
	return nil
}

// Upsert replaces the staging copy of target with f and merges it on keys.
// A missing target is created straight from the frame.
func (w *Warehouse) Upsert(ctx context.Context, target string, keys []string, f *frame.Frame) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "Warehouse.Upsert")
	defer span.End()

	schema, name := splitName(target)
	staging := w.StagingTable(schema, name)

	if _, err := w.Replace(ctx, staging, f); err != nil {
		return 0, err
	}

	exists, err := w.TableExists(ctx, target)
	if err != nil {
		return 0, err
	}
	if !exists {
		w.logger.WithContext(ctx).Infof("Table %s does not exist, loading it directly", target)
		n, err := w.Append(ctx, target, f)
		return int64(n), err
	}

	return w.Merge(ctx, MergeSpec{
		Target:  target,
		Staging: staging,
		Keys:    keys,
		Columns: f.Columns,
	})
}
