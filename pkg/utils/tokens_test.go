package utils

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewTokenCounter_FallsBackToCl100kForUnknownModel(t *testing.T) {
	tc, err := NewTokenCounter("not-a-real-model")
	require.NoError(t, err)
	assert.Equal(t, "not-a-real-model", tc.model)
	assert.Positive(t, tc.Count("hello world"))
}

func TestNewTokenCounter_CachesEncodingPerModel(t *testing.T) {
	a, err := NewTokenCounter("cache-probe-model")
	require.NoError(t, err)
	b, err := NewTokenCounter("cache-probe-model")
	require.NoError(t, err)
	assert.Same(t, a.encoding, b.encoding)
}

func TestTokenCounter_Count_GrowsWithLongerText(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)

	short := tc.Count("one two three")
	long := tc.Count(strings.Repeat("one two three ", 20))
	assert.Greater(t, long, short)
}

func TestTokenCounter_Count_EmptyTextIsZero(t *testing.T) {
	tc, err := NewTokenCounter("gpt-4")
	require.NoError(t, err)
	assert.Equal(t, 0, tc.Count(""))
}
