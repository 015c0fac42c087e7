package warehouse

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/brianvoe/gofakeit/v6"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/frame"
)

func newTestWarehouse(t *testing.T) *Warehouse {
	t.Helper()
	w, err := Open(context.Background(), "", Options{BatchSize: 3}, ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {}))
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	return w
}

func count(t *testing.T, w *Warehouse, table string) int {
	t.Helper()
	var n int
	require.NoError(t, w.DB().Get(&n, "SELECT count(*) FROM "+table))
	return n
}

func TestBuildMergeSQL(t *testing.T) {
	query, err := BuildMergeSQL(MergeSpec{
		Target:  "eshop.inventory_items",
		Staging: "staging.eshop_inventory_items",
		Keys:    []string{"Id", "BranchId"},
		OrderBy: "ModifiedDate",
		Columns: []string{"Id", "BranchId", "Name"},
	})
	require.NoError(t, err)

	assert.Contains(t, query, `MERGE INTO "eshop"."inventory_items" AS t`)
	assert.Contains(t, query, `QUALIFY row_number() OVER (PARTITION BY "Id", "BranchId" ORDER BY "ModifiedDate" DESC) = 1`)
	assert.Contains(t, query, `ON t."Id" = s."Id" AND t."BranchId" = s."BranchId"`)
	assert.Contains(t, query, `WHEN MATCHED THEN UPDATE SET "Name" = s."Name"`)
	assert.Contains(t, query, `INSERT ("Id", "BranchId", "Name") VALUES (s."Id", s."BranchId", s."Name")`)

	_, err = BuildMergeSQL(MergeSpec{Target: "a", Staging: "b", Columns: []string{"x"}})
	assert.ErrorIs(t, err, ErrNoKeys)
}

func TestBuildMergeSQL_KeysOnlySkipsUpdate(t *testing.T) {
	query, err := BuildMergeSQL(MergeSpec{Target: "a.b", Staging: "s.b", Keys: []string{"id"}, Columns: []string{"id"}})
	require.NoError(t, err)
	assert.NotContains(t, query, "WHEN MATCHED")
}

func TestInferType(t *testing.T) {
	assert.Equal(t, "VARCHAR", InferType([]any{nil, nil}))
	assert.Equal(t, "DOUBLE", InferType([]any{nil, 1.5, int64(2)}))
	assert.Equal(t, "TIMESTAMP", InferType([]any{time.Now()}))
	assert.Equal(t, "DECIMAL(18,4)", InferType([]any{decimal.NewFromInt(3)}))
	assert.Equal(t, "VARCHAR", InferType([]any{"a", 1.0}))
	assert.Equal(t, "VARCHAR", InferType([]any{map[string]any{"id": "x"}}))
}

func TestAppendCreatesAndWidensTable(t *testing.T) {
	ctx := context.Background()
	w := newTestWarehouse(t)
	table := w.StagingTable("pancake", "customers")
	assert.Equal(t, "staging.pancake_customers", table)

	first := frame.FromRecords([]map[string]any{
		{"id": "c1", "name": "An", "inserted_at": time.Date(2024, 6, 2, 10, 0, 0, 0, time.UTC)},
		{"id": "c2", "name": "Binh", "inserted_at": nil},
	})
	n, err := w.Append(ctx, table, first)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	second := frame.FromRecords([]map[string]any{
		{"id": "c3", "name": "Chi", "platform": "facebook", "tags": []any{"vip"}},
	})
	_, err = w.Append(ctx, table, second)
	require.NoError(t, err)

	cols, err := w.ColumnNames(ctx, table)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"id", "inserted_at", "name", "platform", "tags"}, cols)
	assert.Equal(t, 3, count(t, w, `"staging"."pancake_customers"`))

	var tags string
	require.NoError(t, w.DB().Get(&tags, `SELECT tags FROM "staging"."pancake_customers" WHERE id = 'c3'`))
	assert.JSONEq(t, `["vip"]`, tags)
}

func TestAppendBatchesManyRows(t *testing.T) {
	ctx := context.Background()
	w := newTestWarehouse(t)
	gofakeit.Seed(11)

	records := make([]map[string]any, 10)
	for i := range records {
		records[i] = map[string]any{
			"ma_khach_hang": gofakeit.UUID(),
			"ho_ten":        gofakeit.Name(),
			"tong_tien":     decimal.NewFromFloat(gofakeit.Price(10, 1000)),
		}
	}

	n, err := w.Append(ctx, "myspa.customer", frame.FromRecords(records))
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Equal(t, 10, count(t, w, `"myspa"."customer"`))
}

func TestMergeIsIdempotentAndDedupes(t *testing.T) {
	ctx := context.Background()
	w := newTestWarehouse(t)
	staging := w.StagingTable("eshop", "invoices")

	rows := frame.FromRecords([]map[string]any{
		{"InvoiceId": "i1", "InvoiceDate": "2024-06-01T08:00:00", "TotalAmount": 100.0},
		{"InvoiceId": "i1", "InvoiceDate": "2024-06-02T08:00:00", "TotalAmount": 150.0},
		{"InvoiceId": "i2", "InvoiceDate": "2024-06-02T09:00:00", "TotalAmount": 80.0},
	})
	_, err := w.Append(ctx, staging, rows)
	require.NoError(t, err)

	spec := MergeSpec{
		Target:  CuratedTable("eshop", "invoices"),
		Staging: staging,
		Keys:    []string{"InvoiceId"},
		OrderBy: "InvoiceDate",
	}
	_, err = w.Merge(ctx, spec)
	require.NoError(t, err)
	_, err = w.Merge(ctx, spec)
	require.NoError(t, err)

	assert.Equal(t, 2, count(t, w, `"eshop"."invoices"`))

	var total float64
	require.NoError(t, w.DB().Get(&total, `SELECT "TotalAmount" FROM "eshop"."invoices" WHERE "InvoiceId" = 'i1'`))
	assert.Equal(t, 150.0, total)
}

func TestMergeTruncatesStaging(t *testing.T) {
	ctx := context.Background()
	w := newTestWarehouse(t)
	staging := w.StagingTable("pancake", "messages")

	_, err := w.Append(ctx, staging, frame.FromRecords([]map[string]any{{"id": "m1", "seen": true}}))
	require.NoError(t, err)

	_, err = w.Merge(ctx, MergeSpec{Target: "pancake.messages", Staging: staging, Keys: []string{"id"}, TruncateAfter: true})
	require.NoError(t, err)

	assert.Equal(t, 0, count(t, w, `"staging"."pancake_messages"`))
	assert.Equal(t, 1, count(t, w, `"pancake"."messages"`))
}

func TestUpsert(t *testing.T) {
	ctx := context.Background()
	w := newTestWarehouse(t)

	first := frame.FromRecords([]map[string]any{
		{"sdt": "0912", "note": "a"},
		{"sdt": "0913", "note": "b"},
	})
	_, err := w.Upsert(ctx, "gsheet.ttc_survey", []string{"sdt"}, first)
	require.NoError(t, err)

	second := frame.FromRecords([]map[string]any{
		{"sdt": "0912", "note": "updated"},
		{"sdt": "0914", "note": "c"},
	})
	_, err = w.Upsert(ctx, "gsheet.ttc_survey", []string{"sdt"}, second)
	require.NoError(t, err)

	assert.Equal(t, 3, count(t, w, `"gsheet"."ttc_survey"`))
	var note string
	require.NoError(t, w.DB().Get(&note, `SELECT note FROM "gsheet"."ttc_survey" WHERE sdt = '0912'`))
	assert.Equal(t, "updated", note)
}

func TestTruncateMissingTableIsNoop(t *testing.T) {
	w := newTestWarehouse(t)
	require.NoError(t, w.Truncate(context.Background(), "staging.nope"))
}
