package handle

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValid(t *testing.T) {
	valid := []string{
		"abc",
		"room1",
		"random_abcdefghij",
		"a_b_c",
		"a" + strings.Repeat("b", 31),
	}
	for _, h := range valid {
		assert.True(t, Valid(h), h)
	}

	invalid := []string{
		"",
		"ab",
		"1abc",
		"Room1",
		"a__b",
		"abc_",
		"_abc",
		"a" + strings.Repeat("b", 32),
		"abc/def",
	}
	for _, h := range invalid {
		assert.False(t, Valid(h), h)
	}
}

func TestGenerate(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 50; i++ {
		h := Generate()
		assert.True(t, strings.HasPrefix(h, "random_"), h)
		assert.Len(t, h, len("random_")+10)
		assert.True(t, Valid(h), h)
		seen[h] = true
	}
	assert.Greater(t, len(seen), 1)
}
