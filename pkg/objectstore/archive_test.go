package objectstore_test

import (
	"context"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appctx "github.com/danhnguyen123/data-engineering-outsource/pkg/context"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/objectstore"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/objectstore/objectstoretest"
)

func noopLogger() ectologger.Logger {
	return ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
}

func TestCompressRoundTrip(t *testing.T) {
	data, err := objectstore.Compress(map[string]any{"Data": []any{"a"}})
	require.NoError(t, err)
	raw, err := objectstore.Decompress(data)
	require.NoError(t, err)
	assert.JSONEq(t, `{"Data":["a"]}`, string(raw))
}

func TestArchiver(t *testing.T) {
	store := objectstoretest.NewMemory()
	a := objectstore.NewArchiver(store, "etl-raw", true, noopLogger())
	ctx := appctx.SetRunID(context.Background(), "run-9")

	a.Archive(ctx, "eshop", "invoices", 3, []map[string]any{{"InvoiceId": "i1"}})

	keys := store.Keys()
	require.Len(t, keys, 1)
	assert.Regexp(t, `^etl-raw/raw/eshop/invoices/\d{4}-\d{2}-\d{2}/run-9/page-00003\.json\.gz$`, keys[0])

	key := keys[0][len("etl-raw/"):]
	assert.Equal(t, "gzip", store.Options("etl-raw", key).ContentEncoding)
	data, err := store.Get(ctx, "etl-raw", key)
	require.NoError(t, err)
	raw, err := objectstore.Decompress(data)
	require.NoError(t, err)
	assert.JSONEq(t, `[{"InvoiceId":"i1"}]`, string(raw))
}

func TestDisabledArchiverIsNoop(t *testing.T) {
	store := objectstoretest.NewMemory()
	objectstore.NewArchiver(store, "b", false, noopLogger()).Archive(context.Background(), "s", "c", 1, "x")
	assert.Empty(t, store.Keys())

	var nilArchiver *objectstore.Archiver
	assert.False(t, nilArchiver.Enabled())
	nilArchiver.Archive(context.Background(), "s", "c", 1, "x")
}
