package store

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestClip(t *testing.T) {
	cases := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"abcdef", 3, "abc"},
		{"aé", 2, "a"},
		{"日本語", 4, "日"},
		{"ab\xffcd", 10, "ab?cd"},
		{"é", 1, ""},
	}
	for _, c := range cases {
		got := clip(c.in, c.n)
		assert.Equal(t, c.want, got, "clip(%q, %d)", c.in, c.n)
		assert.True(t, utf8.ValidString(got))
		assert.LessOrEqual(t, len(got), c.n)
	}
}
