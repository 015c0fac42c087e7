package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const samplePipelines = `
namespaces:
  eshop:
    sla: 2m
    tables:
      - name: invoices
      - name: invoice_details
        after: [invoices]
      - name: inventory_items
        disabled: [load]
pancake_pages:
  - index: 1
    page_id: "123"
    page_access_token: ${TEST_PANCAKE_TOKEN}
    platform: facebook
    name: Shop
    pancake_url: https://pancake.vn/shop
`

func TestParsePipelines(t *testing.T) {
	t.Setenv("TEST_PANCAKE_TOKEN", "secret-token")

	p, err := ParsePipelines([]byte(samplePipelines))
	require.NoError(t, err)

	eshop := p.Namespaces["eshop"]
	assert.Equal(t, 2*time.Minute, eshop.SLA)
	assert.Len(t, eshop.Tables, 3)

	details, ok := p.Table("eshop", "invoice_details")
	require.True(t, ok)
	assert.Equal(t, []string{"invoices"}, details.After)

	require.Len(t, p.PancakePages, 1)
	assert.Equal(t, "secret-token", p.PancakePages[0].PageAccessToken)

	_, ok = p.Table("eshop", "missing")
	assert.False(t, ok)
}

func TestParsePipelinesRejectsUnknownDependency(t *testing.T) {
	_, err := ParsePipelines([]byte(`
namespaces:
  amis:
    tables:
      - name: stocks
        after: [nope]
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown table nope")
}

func TestParsePipelinesValidates(t *testing.T) {
	_, err := ParsePipelines([]byte(`
namespaces:
  amis:
    tables:
      - name: stocks
        disabled: [publish]
`))
	require.Error(t, err)
}

func TestLoadPipelinesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipelines.yaml")
	require.NoError(t, os.WriteFile(path, []byte("namespaces:\n  gsheet:\n    tables:\n      - name: ttc_survey\n"), 0o600))

	p, err := LoadPipelines(path)
	require.NoError(t, err)
	assert.Contains(t, p.Namespaces, "gsheet")

	_, err = LoadPipelines(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
