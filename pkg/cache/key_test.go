package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckKey(t *testing.T) {
	assert.NoError(t, CheckKey("Linux-cargo-6f1ed002ab5595859014ebf0951522d9"))
	assert.NoError(t, CheckKey(strings.Repeat("k", maxKeyLength)))
	assert.ErrorIs(t, CheckKey(strings.Repeat("k", maxKeyLength+1)), ErrInvalidKeyLength)
	assert.ErrorIs(t, CheckKey("linux,cargo"), ErrInvalidKeyComma)
}

func TestVersion(t *testing.T) {
	assert.Len(t, Version("v1"), 64)
	assert.Equal(t, Version("v1"), Version("v1"))
	assert.NotEqual(t, Version("v1"), Version("v2"))
	assert.NotEqual(t, Version("a|0.1"), Version("a"))
}
