package ngram

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNGram_KeyIsInjective(t *testing.T) {
	a := NGram{1, 23}
	b := NGram{12, 3}
	assert.NotEqual(t, a.Key(), b.Key())
	assert.Empty(t, NGram{}.Key())
}

func TestNGram_ContextAndLast(t *testing.T) {
	ng := NGram{4, 5, 6}
	assert.Equal(t, NGram{4, 5}, ng.Context())
	assert.Equal(t, 6, ng.Last())
	assert.Equal(t, -1, NGram{}.Last())
	assert.Empty(t, NGram{7}.Context())
}

func TestNGram_Less(t *testing.T) {
	cases := []struct {
		a, b NGram
		want bool
	}{
		{NGram{1}, NGram{2}, true},
		{NGram{1, 2}, NGram{1, 3}, true},
		{NGram{1}, NGram{1, 0}, true},
		{NGram{2}, NGram{1, 9}, false},
		{NGram{1, 2}, NGram{1, 2}, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.a.Less(tc.b), "%v < %v", tc.a, tc.b)
	}
}

func TestNGram_CloneDoesNotAlias(t *testing.T) {
	ng := NGram{1, 2}
	c := ng.Clone()
	c[0] = 9
	assert.Equal(t, 1, ng[0], "clone shares backing array")
}
