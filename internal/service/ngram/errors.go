package ngram

import (
	"errors"
	"fmt"
)

var (
	ErrKeyNotFound   = errors.New("n-gram not found")
	ErrUnknownToken  = errors.New("token not in vocabulary")
	ErrInvalidConfig = errors.New("invalid model configuration")
	ErrInvalidPath   = errors.New("model path must end with .arpa or .arpa.gzip")
	ErrNoSamples     = errors.New("no samples for parameter estimation")
	ErrModelNotFound = errors.New("model not found")
)

// FormatError reports malformed ARPA input
type FormatError struct {
	Line int // 1-based line number, 0 if not tied to a line
	Msg  string
}

func (e *FormatError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("invalid ARPA (line %d): %s", e.Line, e.Msg)
	}
	return "invalid ARPA: " + e.Msg
}

func formatErrorf(line int, format string, args ...interface{}) error {
	return &FormatError{Line: line, Msg: fmt.Sprintf(format, args...)}
}
