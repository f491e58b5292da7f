package pagination

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePaginationParamsDefaults(t *testing.T) {
	params, err := ParsePaginationParams("", "")
	require.NoError(t, err)
	assert.Equal(t, DefaultPage, params.Page)
	assert.Equal(t, DefaultLimit, params.Limit)
	assert.Equal(t, 0, params.Offset)
}

func TestParsePaginationParamsClampsAndOffsets(t *testing.T) {
	params, err := ParsePaginationParams("3", "500")
	require.NoError(t, err)
	assert.Equal(t, 3, params.Page)
	assert.Equal(t, MaxLimit, params.Limit)
	assert.Equal(t, 2*MaxLimit, params.Offset)

	params, err = ParsePaginationParams("-5", "0")
	require.NoError(t, err)
	assert.Equal(t, DefaultPage, params.Page)
	assert.Equal(t, MinLimit, params.Limit)
}

func TestParsePaginationParamsRejectsGarbage(t *testing.T) {
	_, err := ParsePaginationParams("two", "10")
	require.Error(t, err)
	_, err = ParsePaginationParams("1", "many")
	require.Error(t, err)
}
