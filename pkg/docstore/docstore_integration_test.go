package docstore_test

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danhnguyen123/data-engineering-outsource/internal/testinfra"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/docstore"
)

func TestMongoIntegration(t *testing.T) {
	testinfra.SkipShort(t)
	ctx := context.Background()
	svc := testinfra.Mongo(t)
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})

	store, err := docstore.Connect(ctx, svc.MongoURI(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close(context.Background()) })

	const db, coll = "staging", "eshop_invoices"
	require.NoError(t, store.Drop(ctx, db, coll))

	require.NoError(t, store.InsertMany(ctx, db, coll, []map[string]any{
		{"RefId": "a", "TotalAmount": 10.5},
		{"RefId": "b", "TotalAmount": 3.0},
	}))
	require.NoError(t, store.UpsertByID(ctx, db, coll, "c", map[string]any{"RefId": "c"}))
	require.NoError(t, store.UpsertByID(ctx, db, coll, "c", map[string]any{"TotalAmount": 7.0}))
	require.NoError(t, store.SetFields(ctx, db, coll, map[string]any{"RefId": "b"}, map[string]any{"Voided": true}))

	count, err := store.Count(ctx, db, coll, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	docs, err := store.Find(ctx, db, coll, map[string]any{"_id": "c"})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "c", docs[0]["RefId"])
	assert.Equal(t, 7.0, docs[0]["TotalAmount"])

	docs, err = store.Find(ctx, db, coll, map[string]any{"Voided": true})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "b", docs[0]["RefId"])

	require.NoError(t, store.Drop(ctx, db, coll))
	require.NoError(t, store.Drop(ctx, db, coll))
}
