package context

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStageValues(t *testing.T) {
	ctx := SetStage(context.Background(), "eshop", "invoices", "extract")
	ctx = SetRunID(ctx, "run-1")

	assert.Equal(t, "eshop", GetNamespace(ctx))
	assert.Equal(t, "invoices", GetTable(ctx))
	assert.Equal(t, "extract", GetStage(ctx))
	assert.Equal(t, "run-1", GetRunID(ctx))
	assert.Equal(t, "", GetRequestID(ctx))

	fields := Fields(ctx)
	assert.Equal(t, map[string]any{
		"run_id":    "run-1",
		"namespace": "eshop",
		"table":     "invoices",
		"stage":     "extract",
	}, fields)
}
