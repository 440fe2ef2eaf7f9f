package token

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	tok, err := Generate()
	require.NoError(t, err)
	assert.Len(t, tok, EncodedLength)
	assert.True(t, IsValidFormat(tok))

	// 两次生成不应相同
	tok2, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, tok, tok2)
}

func TestIsValidFormat(t *testing.T) {
	valid, err := Generate()
	require.NoError(t, err)

	cases := []struct {
		name  string
		input string
		want  bool
	}{
		{"generated token", valid, true},
		{"empty", "", false},
		{"too short", valid[:EncodedLength-1], false},
		{"too long", valid + "a", false},
		{"uppercase hex", "ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789ABCDEF0123456789", false},
		{"non-hex char", "zzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzzz", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsValidFormat(tc.input))
		})
	}
}

func TestHash(t *testing.T) {
	tok, err := Generate()
	require.NoError(t, err)

	h1 := Hash(tok)
	h2 := Hash(tok)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 32)

	other, err := Generate()
	require.NoError(t, err)
	assert.NotEqual(t, h1, Hash(other))
}
