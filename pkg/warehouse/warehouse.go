// Package warehouse appends frames to DuckDB staging tables and merges them
// into curated tables.
package warehouse

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	_ "github.com/duckdb/duckdb-go/v2"
	"github.com/huandu/go-sqlbuilder"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/database"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/metrics"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

const (
	DefaultStagingSchema = "staging"
	DefaultBatchSize     = 500

	// TimeLayout is how timestamps are bound as parameters
	TimeLayout = "2006-01-02 15:04:05.999999"
)

// Options configures a Warehouse
type Options struct {
	StagingSchema string
	BatchSize     int
}

// Column is a warehouse column and its SQL type
type Column struct {
	Name string `db:"column_name"`
	Type string `db:"data_type"`
}

// Warehouse wraps a DuckDB connection
type Warehouse struct {
	db            *sqlx.DB
	logger        ectologger.Logger
	stagingSchema string
	batchSize     int
}

// Open opens the DuckDB database at path; an empty path is in-memory.
func Open(ctx context.Context, path string, opts Options, logger ectologger.Logger) (*Warehouse, error) {
	db, err := sqlx.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open DuckDB: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping DuckDB: %w", err)
	}

	w := New(db, opts, logger)
	if err := w.EnsureSchema(ctx, w.stagingSchema); err != nil {
		db.Close()
		return nil, err
	}
	logger.Infof("Opened warehouse at %q", path)
	return w, nil
}

func New(db *sqlx.DB, opts Options, logger ectologger.Logger) *Warehouse {
	if opts.StagingSchema == "" {
		opts.StagingSchema = DefaultStagingSchema
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	return &Warehouse{
		db:            db,
		logger:        logger,
		stagingSchema: opts.StagingSchema,
		batchSize:     opts.BatchSize,
	}
}

func (w *Warehouse) DB() *sqlx.DB {
	return w.db
}

func (w *Warehouse) Close() error {
	return w.db.Close()
}

func (w *Warehouse) Ping(ctx context.Context) error {
	return w.db.PingContext(ctx)
}

// StagingTable names the staging table of namespace.table
func (w *Warehouse) StagingTable(namespace, table string) string {
	return w.stagingSchema + "." + namespace + "_" + table
}

// CuratedTable names the curated table of namespace.table
func CuratedTable(namespace, table string) string {
	return namespace + "." + table
}

func splitName(name string) (string, string) {
	if i := strings.Index(name, "."); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "main", name
}

func (w *Warehouse) exec(ctx context.Context, op, query string, args ...any) (sql.Result, error) {
	start := time.Now()
	res, err := w.db.ExecContext(ctx, query, args...)
	metrics.RecordWarehouseQuery(op, time.Since(start).Seconds())
	return res, err
}

func (w *Warehouse) EnsureSchema(ctx context.Context, schema string) error {
	if _, err := w.exec(ctx, "create_schema", "CREATE SCHEMA IF NOT EXISTS "+database.Quote(schema)); err != nil {
		return fmt.Errorf("failed to create schema %s: %w", schema, err)
	}
	return nil
}

func (w *Warehouse) TableExists(ctx context.Context, table string) (bool, error) {
	schema, name := splitName(table)
	var count int
	err := w.db.GetContext(ctx, &count,
		"SELECT count(*) FROM information_schema.tables WHERE table_schema = ? AND table_name = ?", schema, name)
	if err != nil {
		return false, fmt.Errorf("failed to check table %s: %w", table, err)
	}
	return count > 0, nil
}

// Columns returns the table columns in ordinal order
func (w *Warehouse) Columns(ctx context.Context, table string) ([]Column, error) {
	schema, name := splitName(table)
	var cols []Column
	err := w.db.SelectContext(ctx, &cols,
		`SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_schema = ? AND table_name = ? ORDER BY ordinal_position`, schema, name)
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	return cols, nil
}

// ColumnNames returns the column names of a table
func (w *Warehouse) ColumnNames(ctx context.Context, table string) ([]string, error) {
	cols, err := w.Columns(ctx, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, len(cols))
	for i, c := range cols {
		names[i] = c.Name
	}
	return names, nil
}

// Truncate empties a table; a missing table is a no-op
func (w *Warehouse) Truncate(ctx context.Context, table string) error {
	ctx, span := tracing.StartSpan(ctx, "Warehouse.Truncate")
	defer span.End()

	exists, err := w.TableExists(ctx, table)
	if err != nil || !exists {
		return err
	}
	if _, err := w.exec(ctx, "truncate", "TRUNCATE "+database.Quote(table)); err != nil {
		return fmt.Errorf("failed to truncate %s: %w", table, err)
	}
	w.logger.WithContext(ctx).Debugf("Truncated %s", table)
	return nil
}

func (w *Warehouse) Drop(ctx context.Context, table string) error {
	_, err := w.exec(ctx, "drop", "DROP TABLE IF EXISTS "+database.Quote(table))
	return err
}

// CreateLike creates target with the columns of source and no rows
func (w *Warehouse) CreateLike(ctx context.Context, target, source string) error {
	schema, _ := splitName(target)
	if err := w.EnsureSchema(ctx, schema); err != nil {
		return err
	}
	query := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s AS SELECT * FROM %s LIMIT 0", database.Quote(target), database.Quote(source))
	if _, err := w.exec(ctx, "create_like", query); err != nil {
		return fmt.Errorf("failed to create %s like %s: %w", target, source, err)
	}
	return nil
}

// Append inserts frame rows, creating the table or adding columns as needed.
func (w *Warehouse) Append(ctx context.Context, table string, f *frame.Frame) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "Warehouse.Append")
	defer span.End()

	if f == nil || f.Empty() {
		return 0, nil
	}

	types, err := w.prepareTable(ctx, table, f)
	if err != nil {
		tracing.RecordError(span, err)
		return 0, err
	}

	cols := database.QuoteAll(f.Columns)
	inserted := 0
	for start := 0; start < f.Len(); start += w.batchSize {
		end := min(start+w.batchSize, f.Len())

		ib := database.Insert(database.Quote(table))
		ib.Cols(cols...)
		for _, row := range f.Rows[start:end] {
			values := make([]any, len(f.Columns))
			for i, c := range f.Columns {
				values[i] = sqlbuilder.Buildf("CAST(%v AS "+types[c]+")", bindValue(row[c]))
			}
			ib.Values(values...)
		}

		query, args := ib.Build()
		if _, err := w.exec(ctx, "append", query, args...); err != nil {
			tracing.RecordError(span, err)
			return inserted, fmt.Errorf("failed to append to %s: %w", table, err)
		}
		inserted += end - start
	}

	w.logger.WithContext(ctx).Infof("Appended %d rows to %s", inserted, table)
	return inserted, nil
}

// Replace drops table and writes the frame into a fresh one
func (w *Warehouse) Replace(ctx context.Context, table string, f *frame.Frame) (int, error) {
	if err := w.Drop(ctx, table); err != nil {
		return 0, fmt.Errorf("failed to drop %s: %w", table, err)
	}
	return w.Append(ctx, table, f)
}

// prepareTable creates or widens table for f and returns column types by name
func (w *Warehouse) prepareTable(ctx context.Context, table string, f *frame.Frame) (map[string]string, error) {
	schema, _ := splitName(table)
	if err := w.EnsureSchema(ctx, schema); err != nil {
		return nil, err
	}

	existing, err := w.Columns(ctx, table)
	if err != nil {
		return nil, err
	}

	types := map[string]string{}
	for _, c := range existing {
		types[c.Name] = c.Type
	}

	if len(existing) == 0 {
		ctb := sqlbuilder.CreateTable(database.Quote(table)).IfNotExists()
		for _, c := range f.Columns {
			typ := InferType(f.Column(c))
			ctb.Define(database.Quote(c), typ)
			types[c] = typ
		}
		query, _ := ctb.Build()
		if _, err := w.exec(ctx, "create_table", query); err != nil {
			return nil, fmt.Errorf("failed to create %s: %w", table, err)
		}
		return types, nil
	}

	for _, c := range f.Columns {
		if _, ok := types[c]; ok {
			continue
		}
		typ := InferType(f.Column(c))
		query := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", database.Quote(table), database.Quote(c), typ)
		if _, err := w.exec(ctx, "add_column", query); err != nil {
			return nil, fmt.Errorf("failed to add column %s to %s: %w", c, table, err)
		}
		w.logger.WithContext(ctx).Infof("Added column %s %s to %s", c, typ, table)
		types[c] = typ
	}
	return types, nil
}

// InferType picks a DuckDB type from the non-nil values of a column.
// Mixed types fall back to VARCHAR.
func InferType(values []any) string {
	typ := ""
	for _, v := range values {
		t := typeOf(v)
		if t == "" {
			continue
		}
		if typ == "" {
			typ = t
			continue
		}
		if typ != t {
			if (typ == "BIGINT" && t == "DOUBLE") || (typ == "DOUBLE" && t == "BIGINT") {
				typ = "DOUBLE"
				continue
			}
			return "VARCHAR"
		}
	}
	if typ == "" {
		return "VARCHAR"
	}
	return typ
}

func typeOf(v any) string {
	switch v.(type) {
	case nil:
		return ""
	case bool:
		return "BOOLEAN"
	case int, int8, int16, int32, int64, uint8, uint16, uint32:
		return "BIGINT"
	case float32, float64:
		return "DOUBLE"
	case decimal.Decimal:
		return "DECIMAL(18,4)"
	case time.Time:
		return "TIMESTAMP"
	case string:
		return "VARCHAR"
	case map[string]any, []any, []string:
		return "VARCHAR"
	}
	return "VARCHAR"
}

// bindValue converts frame values into driver-friendly parameters
func bindValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case time.Time:
		return t.Format(TimeLayout)
	case decimal.Decimal:
		return t.String()
	case map[string]any, []any, []string:
		raw, err := json.Marshal(t)
		if err != nil {
			return nil
		}
		return string(raw)
	}
	return v
}
