package database

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	assert.Equal(t, `"staging"."eshop_invoices"`, Quote("staging.eshop_invoices"))
	assert.Equal(t, `"Invoice""Id"`, Quote(`Invoice"Id`))
	assert.Equal(t, []string{`"a"`, `"b"`}, QuoteAll([]string{"a", "b"}))
}

func TestBuildersUsePostgresPlaceholders(t *testing.T) {
	ib := Insert("pipeline_runs")
	ib.Cols("id", "created_at").Values("a", Now)
	query, args := ib.Build()
	assert.Equal(t, "INSERT INTO pipeline_runs (id, created_at) VALUES ($1, NOW())", query)
	assert.Equal(t, []any{"a"}, args)

	ub := Update("pipeline_runs")
	ub.Set(ub.Assign("status", "succeeded")).Where(ub.Equal("id", "a"))
	query, args = ub.Build()
	assert.Equal(t, "UPDATE pipeline_runs SET status = $1 WHERE id = $2", query)
	assert.Len(t, args, 2)
}

func TestJSONB(t *testing.T) {
	var j JSONB[map[string]any]
	require.NoError(t, j.Scan([]byte(`{"extract":true}`)))
	assert.Equal(t, true, j.Data["extract"])

	require.NoError(t, j.Scan(nil))
	require.Error(t, j.Scan(42))

	v, err := JSONB[[]int]{Data: []int{1, 2}}.Value()
	require.NoError(t, err)
	assert.Equal(t, []byte("[1,2]"), v)
}

func TestGetLatestVersion(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"000001_init.up.sql", "000001_init.down.sql", "000003_runs.up.sql", "readme.md"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("--"), 0o600))
	}

	latest, err := getLatestVersion(dir)
	require.NoError(t, err)
	assert.Equal(t, 3, latest)

	_, err = getLatestVersion(t.TempDir())
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=etl sslmode=disable", PostgresDSN("db", 5432, "u", "p", "etl", ""))
}
