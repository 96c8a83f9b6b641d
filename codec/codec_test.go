package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeScalarsRoundTrip(t *testing.T) {
	for _, v := range []any{"hello", 42.0, true, nil} {
		s, err := Encode(v)
		require.NoError(t, err)
		var out any
		require.NoError(t, Decode(s, &out))
		assert.Equal(t, v, out)
	}
}

func TestEncodeDecodeTimeRoundTrip(t *testing.T) {
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	s, err := Encode(now)
	require.NoError(t, err)

	var out time.Time
	require.NoError(t, Decode(s, &out))
	assert.True(t, now.Equal(out))
}

func TestIsEmptyObject(t *testing.T) {
	v, err := DecodeAny(`{}`)
	require.NoError(t, err)
	assert.True(t, IsEmptyObject(v))

	v, err = DecodeAny(`{"a":1}`)
	require.NoError(t, err)
	assert.False(t, IsEmptyObject(v))
}
