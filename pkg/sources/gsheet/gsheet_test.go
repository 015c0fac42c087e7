package gsheet

import (
	"context"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/pipeline"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/warehouse"
)

type readCall struct {
	id, rangeA1 string
	unformatted bool
}

// fakeReader serves fixed values per spreadsheet id
type fakeReader struct {
	values map[string][][]any
	calls  []readCall
}

func (r *fakeReader) Values(_ context.Context, id, rangeA1 string, unformatted bool) ([][]any, error) {
	r.calls = append(r.calls, readCall{id, rangeA1, unformatted})
	return r.values[id], nil
}

func newSource(t *testing.T, reader Reader) (*Source, *warehouse.Warehouse) {
	t.Helper()
	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	wh, err := warehouse.Open(context.Background(), "", warehouse.Options{}, logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = wh.Close() })

	return New(Deps{
		Reader:                reader,
		Warehouse:             wh,
		FacebookSpreadsheetID: "fb",
		SurveySpreadsheetID:   "survey",
	}, logger), wh
}

func table(t *testing.T, s *Source, name string) *pipeline.Table {
	t.Helper()
	for _, tbl := range s.Tables() {
		if tbl.Name == name {
			return tbl
		}
	}
	t.Fatalf("table %s not registered", name)
	return nil
}

func facebookHeader() []any {
	var header []any
	for _, c := range (&Source{}).externalFacebook().columns {
		header = append(header, c.header)
	}
	return header
}

func surveyHeader() []any {
	var header []any
	for _, c := range (&Source{}).survey().columns {
		header = append(header, c.header)
	}
	return header
}

func TestExternalFacebookUpsertsOnPhone(t *testing.T) {
	reader := &fakeReader{values: map[string][][]any{"fb": {
		facebookHeader(),
		{"1", "02/06/2025", "Hoa", "Lan", "0901", "1990", "Ads", "Skin", "Laser", "Hot", "New", "Called", ""},
		{"2", "03/06/2025", "Hoa", "Minh", "  ", "", "Ads"},
		{"3", "04/06/2025", "Hoa", "Lan", "0901", "1990", "Ads", "Skin", "Laser", "Hot", "Won", "Done", "again"},
	}}}
	src, wh := newSource(t, reader)
	ctx := context.Background()

	res, err := table(t, src, TableExternalFacebook).Extract(ctx, pipeline.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Records)
	assert.Equal(t, []readCall{{"fb", "'2025'!A3:M", false}}, reader.calls)

	var row struct {
		Input  time.Time `db:"ngay_input"`
		Status string    `db:"khach_hang_status"`
	}
	require.NoError(t, wh.DB().Get(&row, `SELECT "ngay_input", "khach_hang_status" FROM "gsheet"."ttc_external_facebook" WHERE "sdt" = '0901'`))
	assert.Equal(t, time.Date(2025, 6, 4, 0, 0, 0, 0, time.UTC), row.Input.UTC())
	assert.Equal(t, "Won", row.Status)

	// a rerun merges instead of duplicating
	_, err = table(t, src, TableExternalFacebook).Extract(ctx, pipeline.RunConfig{})
	require.NoError(t, err)
	var n int
	require.NoError(t, wh.DB().Get(&n, `SELECT count(*) FROM "gsheet"."ttc_external_facebook"`))
	assert.Equal(t, 1, n)
}

func TestSurveyParsesSerialTimestamps(t *testing.T) {
	reader := &fakeReader{values: map[string][][]any{"survey": {
		surveyHeader(),
		{1.0, 45809.5, "Lan", 901234567.0, 5.0, 5.0, 4.0, "Yes", "Facebook", "", "Hoa", "An", ""},
		{2.0, 45810.25, "Minh", 902000000.0},
	}}}
	src, wh := newSource(t, reader)

	res, err := table(t, src, TableSurvey).Extract(context.Background(), pipeline.RunConfig{})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Records)
	assert.True(t, reader.calls[0].unformatted)

	var at time.Time
	require.NoError(t, wh.DB().Get(&at, `SELECT "dau_thoi_gian" FROM "gsheet"."ttc_survey" WHERE "sdt" = '901234567'`))
	assert.Equal(t, time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC), at.UTC())
}

func TestMissingHeaderFails(t *testing.T) {
	reader := &fakeReader{values: map[string][][]any{"survey": {{"No", "Dấu thời gian"}, {1.0, 45809.5}}}}
	src, _ := newSource(t, reader)

	_, err := table(t, src, TableSurvey).Extract(context.Background(), pipeline.RunConfig{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SĐT Quý khách")
}

func TestEmptySheet(t *testing.T) {
	src, _ := newSource(t, &fakeReader{values: map[string][][]any{}})

	res, err := table(t, src, TableExternalFacebook).Extract(context.Background(), pipeline.RunConfig{})
	require.NoError(t, err)
	assert.False(t, *res.HasNewData)
}
