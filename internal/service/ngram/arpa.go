package ngram

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/klauspost/compress/gzip"
	"go.uber.org/zap"

	model "ngram-lm/internal/model/ngram"
)

const gzipSuffix = ".gzip"

// Save writes the model in ARPA format. The path must end with .arpa or
// .arpa.gzip; the latter is gzip-compressed.
func (m *LanguageModel) Save(path string) error {
	if !strings.HasSuffix(path, ".arpa") && !strings.HasSuffix(path, ".arpa"+gzipSuffix) {
		return fmt.Errorf("%w: %s", ErrInvalidPath, path)
	}

	stream, err := createStream(path)
	if err != nil {
		return err
	}
	if err := m.WriteARPA(stream); err != nil {
		stream.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	if err := stream.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", path, err)
	}

	m.logger.Info("Saved n-gram model",
		zap.String("path", path),
		zap.Int("n", m.n),
		zap.Ints("entries", m.entryCounts()))
	return nil
}

// WriteARPA writes log10 probabilities of orders 1..N
func (m *LanguageModel) WriteARPA(w io.Writer) error {
	bw := bufio.NewWriter(w)

	fmt.Fprintln(bw, "\\data\\")
	for n := 1; n <= m.n; n++ {
		fmt.Fprintf(bw, "ngram %d=%d\n", n, m.nGrams[n].Len())
	}
	fmt.Fprintln(bw)

	tokens := make([]string, 0, m.n)
	for n := 1; n <= m.n; n++ {
		fmt.Fprintf(bw, "\\%d-grams:\n", n)
		for _, entry := range m.nGrams[n].Items() {
			tokens = tokens[:0]
			for _, idx := range entry.Key {
				token := m.vocab.IndexToToken(idx)
				if token == "" {
					return fmt.Errorf("%w: index %d", ErrUnknownToken, idx)
				}
				tokens = append(tokens, token)
			}
			fmt.Fprintf(bw, "%.4f\t%s\n", math.Log10(entry.Value), strings.Join(tokens, " "))
		}
		fmt.Fprintln(bw)
	}
	fmt.Fprintln(bw, "\\end\\")

	return bw.Flush()
}

// Load replaces the model's n-grams with the contents of an ARPA file. A
// .gzip suffix selects gzip decompression. On error the model is unchanged.
func (m *LanguageModel) Load(path string) error {
	stream, err := openStream(path)
	if err != nil {
		return err
	}
	defer stream.Close()

	if err := m.ReadARPA(stream); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}

	m.logger.Info("Loaded n-gram model",
		zap.String("path", path),
		zap.Int("n", m.n),
		zap.Ints("entries", m.entryCounts()))
	return nil
}

// ReadARPA parses an ARPA model of exactly the model's order. Structural
// problems are reported as *FormatError. The parsed n-grams only replace the
// current ones once the whole input has been validated.
func (m *LanguageModel) ReadARPA(r io.Reader) error {
	nGrams := m.emptyContainers()
	nGrams[0].Set(model.NGram{}, 1.0)

	in := newLineReader(r)

	if !in.nextNonEmpty() {
		return in.failf("missing \\data\\")
	}
	if in.text != "\\data\\" {
		return in.failf("missing \\data\\")
	}

	declared := make(map[int]int)
	maxN := 0
	for in.next() && strings.HasPrefix(in.text, "ngram") {
		n, count, err := parseNGramCount(in.text)
		if err != nil {
			return in.failf("%v", err)
		}
		declared[n] = count
		if n > maxN {
			maxN = n
		}
	}
	if err := in.err(); err != nil {
		return err
	}
	if maxN != m.n {
		return in.failf("wrong max n: file has %d, model has %d", maxN, m.n)
	}

	for n := 1; n <= m.n; n++ {
		count, ok := declared[n]
		if !ok {
			return in.failf("missing ngram %d count", n)
		}

		if in.text == "" && !in.nextNonEmpty() {
			return in.failf("missing \\%d-grams: section", n)
		}
		if header := fmt.Sprintf("\\%d-grams:", n); in.text != header {
			return in.failf("wrong %d-gram start: expected %q, got %q", n, header, in.text)
		}

		parsed := 0
		for in.next() && in.text != "" && !strings.HasPrefix(in.text, "\\") {
			key, p, err := m.parseEntry(in.text, n)
			if err != nil {
				return in.failf("%v", err)
			}
			nGrams[n].Set(key, p)
			parsed++
		}
		if err := in.err(); err != nil {
			return err
		}
		if parsed != count {
			return in.failf("%d-grams: declared %d entries, found %d", n, count, parsed)
		}
	}

	if in.text == "" && !in.nextNonEmpty() {
		return in.failf("\\end\\ invalid or missing")
	}
	if in.text != "\\end\\" {
		return in.failf("\\end\\ invalid or missing")
	}

	m.nGrams = nGrams
	if m.cache != nil {
		m.cache.Reset()
	}
	return nil
}

func parseNGramCount(line string) (int, int, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 || fields[0] != "ngram" {
		return 0, 0, fmt.Errorf("malformed count line %q", line)
	}
	parts := strings.SplitN(fields[1], "=", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed count line %q", line)
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil || n < 1 {
		return 0, 0, fmt.Errorf("malformed order in %q", line)
	}
	count, err := strconv.Atoi(parts[1])
	if err != nil || count < 0 {
		return 0, 0, fmt.Errorf("malformed count in %q", line)
	}
	return n, count, nil
}

// parseEntry reads "<log10p> <tok1> ... <tokN> [backoff]"
func (m *LanguageModel) parseEntry(line string, n int) (model.NGram, float64, error) {
	fields := strings.Fields(line)
	if len(fields) < n+1 {
		return nil, 0, fmt.Errorf("expected %d tokens in %q", n, line)
	}
	logProb, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return nil, 0, fmt.Errorf("malformed probability in %q", line)
	}

	key := make(model.NGram, n)
	for i, token := range fields[1 : n+1] {
		idx := m.vocab.TokenToIndex(token)
		if idx < 0 {
			return nil, 0, fmt.Errorf("token %q not in vocabulary", token)
		}
		key[i] = idx
	}
	return key, math.Pow(10, logProb), nil
}

// lineReader tracks the current trimmed line and its number
type lineReader struct {
	scanner *bufio.Scanner
	line    int
	text    string
	readErr error
}

func newLineReader(r io.Reader) *lineReader {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	return &lineReader{scanner: scanner}
}

func (l *lineReader) next() bool {
	if !l.scanner.Scan() {
		l.readErr = l.scanner.Err()
		l.text = ""
		return false
	}
	l.line++
	l.text = strings.TrimSpace(l.scanner.Text())
	return true
}

func (l *lineReader) nextNonEmpty() bool {
	for l.next() {
		if l.text != "" {
			return true
		}
	}
	return false
}

func (l *lineReader) err() error {
	if l.readErr != nil {
		return fmt.Errorf("failed to read ARPA: %w", l.readErr)
	}
	return nil
}

func (l *lineReader) failf(format string, args ...interface{}) error {
	if err := l.err(); err != nil {
		return err
	}
	return formatErrorf(l.line, format, args...)
}

// openStream opens a file for reading, decompressing .gzip files
func openStream(path string) (io.ReadCloser, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	if !strings.HasSuffix(path, gzipSuffix) {
		return file, nil
	}
	zr, err := gzip.NewReader(file)
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
	}
	return &gzipReadCloser{Reader: zr, file: file}, nil
}

// Decompress wraps r in a gzip reader when path ends with .gzip. Closing the
// underlying stream stays with the caller.
func Decompress(r io.Reader, path string) (io.Reader, error) {
	if !strings.HasSuffix(path, gzipSuffix) {
		return r, nil
	}
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("failed to open gzip stream %s: %w", path, err)
	}
	return zr, nil
}

// createStream creates a file for writing, compressing .gzip files
func createStream(path string) (io.WriteCloser, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", path, err)
	}
	if !strings.HasSuffix(path, gzipSuffix) {
		return file, nil
	}
	return &gzipWriteCloser{Writer: gzip.NewWriter(file), file: file}, nil
}

type gzipReadCloser struct {
	*gzip.Reader
	file *os.File
}

func (g *gzipReadCloser) Close() error {
	err := g.Reader.Close()
	if cerr := g.file.Close(); err == nil {
		err = cerr
	}
	return err
}

type gzipWriteCloser struct {
	*gzip.Writer
	file *os.File
}

func (g *gzipWriteCloser) Close() error {
	err := g.Writer.Close()
	if cerr := g.file.Close(); err == nil {
		err = cerr
	}
	return err
}
