package oid

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromHexRoundTrip(t *testing.T) {
	id := Random()
	parsed, err := FromHex(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestFromHexRejectsBadInput(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{"empty", ""},
		{"not hex", "zzzz"},
		{"too short", "deadbeef"},
		{"too long", Random().String() + "00"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromHex(tt.input)
			assert.Error(t, err)
		})
	}
}

func TestFromBytes(t *testing.T) {
	id := Random()
	parsed, err := FromBytes(id[:])
	require.NoError(t, err)
	assert.Equal(t, id, parsed)

	_, err = FromBytes(id[:10])
	assert.Error(t, err)
}

func TestIsNil(t *testing.T) {
	assert.True(t, Nil.IsNil())
	assert.False(t, Random().IsNil())
}

func TestJSONRoundTrip(t *testing.T) {
	id := Random()

	data, err := json.Marshal(id)
	require.NoError(t, err)

	var back ID
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, id, back)
}

func TestUsableAsMapKey(t *testing.T) {
	m := map[ID]int{}
	a, b := Random(), Random()
	m[a] = 1
	m[b] = 2
	assert.Equal(t, 1, m[a])
	assert.Equal(t, 2, m[b])
}
