package timeutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRangeUsesLocalDay(t *testing.T) {
	// 18:30 UTC is already the next day in UTC+7
	now := time.Date(2024, 6, 1, 18, 30, 0, 0, time.UTC)
	start, end := DefaultRange(now)
	assert.Equal(t, "2024-06-01", start)
	assert.Equal(t, "2024-06-02", end)
	assert.Equal(t, "2024-05-26", DeltaDate(now, 7))
}

func TestISODate(t *testing.T) {
	iso, err := ISODate("2024-06-02")
	require.NoError(t, err)
	assert.Equal(t, "2024-06-01T17:00:00.000000Z", iso)

	_, err = ISODate("02/06/2024")
	assert.Error(t, err)
}

func TestStartEndOfDate(t *testing.T) {
	start, err := StartOfDate("2024-06-02")
	require.NoError(t, err)
	end, err := EndOfDate("2024-06-02")
	require.NoError(t, err)

	assert.Equal(t, int64(1717261200), start.Unix())
	assert.Equal(t, start.Add(24*time.Hour-time.Second), end)
}
