package utils

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name" validate:"required"`
	Limit int    `yaml:"limit" validate:"min=1"`
	Stage string `json:"stage,omitempty" validate:"omitempty,oneof=extract load"`
}

func TestValidate(t *testing.T) {
	_, err := Validate(sample{Name: "x", Limit: 1})
	require.NoError(t, err)

	_, err = Validate(sample{Limit: 0, Stage: "merge"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "limit failed min=1")
	assert.Contains(t, err.Error(), `stage must be one of [extract load], got "merge"`)
}

func TestToFloatNumericKinds(t *testing.T) {
	for _, v := range []any{3, int64(3), uint8(3), float32(3)} {
		f, ok := ToFloat(v)
		assert.True(t, ok, "%T", v)
		assert.Equal(t, 3.0, f)
	}

	_, ok := ToFloat(nil)
	assert.False(t, ok)
	_, ok = ToFloat(true)
	assert.False(t, ok)
}

func TestToStringAndFloat(t *testing.T) {
	assert.Equal(t, "84901234567", ToString(84901234567.0))
	assert.Equal(t, "1.5", ToString(json.Number("1.5")))
	assert.Equal(t, "", ToString(nil))

	f, ok := ToFloat(" 12.5 ")
	assert.True(t, ok)
	assert.Equal(t, 12.5, f)

	_, ok = ToFloat("abc")
	assert.False(t, ok)

	assert.True(t, IsBlank("  "))
	assert.False(t, IsBlank(0))
}
