package vocab

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strings"
)

// EndSymbol is appended to every sentence and predicted like any other token
const EndSymbol = "</s>"

// Vocabulary maps tokens to dense indices and back
type Vocabulary interface {
	// TokenToIndex returns the index of a token, or -1 if it is unknown
	TokenToIndex(token string) int

	// IndexToToken returns the token for an index, or "" if out of range
	IndexToToken(index int) string

	// Size returns the number of indices
	Size() int

	// EOSIndex returns the index of the end-of-sequence token
	EOSIndex() int
}

// Simple is an in-memory Vocabulary. Index assignment is insertion order.
type Simple struct {
	tokenToID map[string]int
	idToToken []string
	unknown   int
	eos       int
}

// Option configures a Simple vocabulary
type Option func(*Simple)

// WithUnknown reserves a token that unknown tokens map to
func WithUnknown(token string) Option {
	return func(v *Simple) {
		v.unknown = v.add(token)
	}
}

// New creates a vocabulary holding the given tokens plus EndSymbol
func New(tokens []string, opts ...Option) *Simple {
	v := &Simple{
		tokenToID: make(map[string]int),
		unknown:   -1,
	}
	for _, opt := range opts {
		opt(v)
	}
	for _, token := range tokens {
		v.add(token)
	}
	v.eos = v.add(EndSymbol)
	return v
}

// Build collects every token that occurs at least minCount times. Tokens are
// added in descending frequency, ties broken alphabetically.
func Build(sentences [][]string, minCount int, opts ...Option) *Simple {
	counts := make(map[string]int)
	for _, sentence := range sentences {
		for _, token := range sentence {
			counts[token]++
		}
	}

	tokens := make([]string, 0, len(counts))
	for token, count := range counts {
		if count >= minCount {
			tokens = append(tokens, token)
		}
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})

	return New(tokens, opts...)
}

func (v *Simple) add(token string) int {
	if id, exists := v.tokenToID[token]; exists {
		return id
	}
	id := len(v.idToToken)
	v.tokenToID[token] = id
	v.idToToken = append(v.idToToken, token)
	return id
}

func (v *Simple) TokenToIndex(token string) int {
	if id, exists := v.tokenToID[token]; exists {
		return id
	}
	return v.unknown
}

func (v *Simple) IndexToToken(index int) string {
	if index < 0 || index >= len(v.idToToken) {
		return ""
	}
	return v.idToToken[index]
}

func (v *Simple) Size() int {
	return len(v.idToToken)
}

func (v *Simple) EOSIndex() int {
	return v.eos
}

// UnknownIndex returns the unknown-token index, or -1 if none is reserved
func (v *Simple) UnknownIndex() int {
	return v.unknown
}

// Tokens returns all tokens in index order
func (v *Simple) Tokens() []string {
	out := make([]string, len(v.idToToken))
	copy(out, v.idToToken)
	return out
}

// WriteTo writes one token per line in index order
func (v *Simple) WriteTo(w io.Writer) (int64, error) {
	bw := bufio.NewWriter(w)
	var written int64
	for _, token := range v.idToToken {
		n, err := bw.WriteString(token + "\n")
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, bw.Flush()
}

// Read loads a vocabulary written by WriteTo. The unknown token, if given,
// must be present in the file.
func Read(r io.Reader, unknown string) (*Simple, error) {
	v := &Simple{
		tokenToID: make(map[string]int),
		unknown:   -1,
		eos:       -1,
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		token := strings.TrimRight(scanner.Text(), "\r")
		if token == "" {
			continue
		}
		v.add(token)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read vocabulary: %w", err)
	}

	if unknown != "" {
		id, ok := v.tokenToID[unknown]
		if !ok {
			return nil, fmt.Errorf("unknown token %q missing from vocabulary", unknown)
		}
		v.unknown = id
	}
	v.eos = v.add(EndSymbol)
	return v, nil
}
