package ngram

import (
	"strconv"
	"strings"
)

// NGram represents an n-gram as a sequence of vocabulary indices
type NGram []int

// Key returns a compact string form usable as a map key
func (ng NGram) Key() string {
	if len(ng) == 0 {
		return ""
	}
	buf := make([]byte, 0, len(ng)*4)
	for i, id := range ng {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = strconv.AppendInt(buf, int64(id), 10)
	}
	return string(buf)
}

// String returns the n-gram as a space-separated list of indices
func (ng NGram) String() string {
	return strings.ReplaceAll(ng.Key(), ",", " ")
}

// Context returns the context (all indices except the last one)
func (ng NGram) Context() NGram {
	if len(ng) <= 1 {
		return NGram{}
	}
	return ng[:len(ng)-1]
}

// Last returns the last index in the n-gram, or -1 for the empty n-gram
func (ng NGram) Last() int {
	if len(ng) == 0 {
		return -1
	}
	return ng[len(ng)-1]
}

// Clone returns a copy that does not share the backing array
func (ng NGram) Clone() NGram {
	out := make(NGram, len(ng))
	copy(out, ng)
	return out
}

// Less orders n-grams lexicographically by index, shorter prefixes first
func (ng NGram) Less(other NGram) bool {
	for i := 0; i < len(ng) && i < len(other); i++ {
		if ng[i] != other[i] {
			return ng[i] < other[i]
		}
	}
	return len(ng) < len(other)
}

// Entry is an n-gram with its stored weight
type Entry struct {
	Key   NGram
	Value float64
}
