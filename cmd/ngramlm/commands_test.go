package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"ngram-lm/internal/config"
)

func newTestApp(t *testing.T) (*app, *bytes.Buffer, string) {
	t.Helper()
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Model.Order = 2
	cfg.Models.Dir = filepath.Join(dir, "models")
	cfg.Models.Default = "pets"

	a, err := newApp(cfg, zap.NewNop())
	require.NoError(t, err)
	out := &bytes.Buffer{}
	a.out = out
	return a, out, dir
}

func TestApp_TrainPredictEval(t *testing.T) {
	a, out, dir := newTestApp(t)
	corpus := filepath.Join(dir, "corpus.txt")
	require.NoError(t, os.WriteFile(corpus, []byte("the cat sat\nthe dog sat\n\nthe cat ran\n"), 0o644))

	require.NoError(t, a.train(&TrainCmd{Corpus: corpus}))
	assert.Contains(t, out.String(), `"vocabulary_size": 6`)
	assert.FileExists(t, filepath.Join(dir, "models", "pets.arpa.gzip"))
	assert.FileExists(t, filepath.Join(dir, "models", "pets.vocab"))

	// A second app only sees what train saved
	b, err := newApp(a.cfg, zap.NewNop())
	require.NoError(t, err)
	out = &bytes.Buffer{}
	b.out = out

	require.NoError(t, b.predict(&PredictCmd{TopK: 2, Context: []string{"the"}}))
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasSuffix(lines[0], "\tcat"), lines[0])
	assert.True(t, strings.HasPrefix(lines[0], "0.66"), lines[0])

	out.Reset()
	require.NoError(t, b.eval(&EvalCmd{Corpus: corpus}))
	assert.Contains(t, out.String(), "sentences\t3")
	assert.Contains(t, out.String(), "perplexity\t")
}

func TestReadSentences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.txt")
	require.NoError(t, os.WriteFile(path, []byte("  a b \n\n\tc\n"), 0o644))

	sentences, err := readSentences(path)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, sentences)

	_, err = readSentences(filepath.Join(t.TempDir(), "missing.txt"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
