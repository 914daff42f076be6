package id

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewIsUniqueAndSorted(t *testing.T) {
	prev := ""
	seen := make(map[string]struct{}, 500)
	for i := 0; i < 500; i++ {
		v := New()
		_, dup := seen[v]
		assert.False(t, dup, "duplicate id %s", v)
		seen[v] = struct{}{}
		assert.Greater(t, v, prev)
		prev = v
	}
}

func TestWithPrefix(t *testing.T) {
	assert.True(t, strings.HasPrefix(WithPrefix("OCA"), "OCA-"))
	assert.Len(t, WithPrefix(""), 26)
}
