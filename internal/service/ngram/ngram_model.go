package ngram

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"strings"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	model "ngram-lm/internal/model/ngram"
	"ngram-lm/internal/vocab"
)

// Options configures a LanguageModel. It is resolved once at construction.
type Options struct {
	Order                int
	Container            ContainerKind
	Bloom                *BloomOptions // Only used by the trie container
	CutoffCount          int           // 0 disables pruning
	InterpolationLambdas []float64     // Empty means [0, ..., 0, 1]
	Cache                *CacheOptions // nil disables the prediction cache
	ReportEvery          int           // Log training progress every N sentences
}

// LanguageModel is an interpolated n-gram language model over vocabulary
// indices. It holds one container per order 0..N. After Train the containers
// hold counts; Normalize turns them into conditional probabilities in place.
//
// LanguageModel is not safe for concurrent use.
type LanguageModel struct {
	n             int
	vocab         vocab.Vocabulary
	nGrams        []Container
	newContainer  ContainerFactory
	containerKind ContainerKind
	cutoffCount   int
	lambdas       []float64
	cache         *PredictionsCache
	reportEvery   int
	sentences     int
	logger        *zap.Logger
}

// NewLanguageModel creates an empty model of the given order
func NewLanguageModel(opts Options, vocabulary vocab.Vocabulary, logger *zap.Logger) (*LanguageModel, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Order < 1 {
		return nil, fmt.Errorf("%w: order must be at least 1, got %d", ErrInvalidConfig, opts.Order)
	}
	if vocabulary == nil || vocabulary.Size() == 0 {
		return nil, fmt.Errorf("%w: empty vocabulary", ErrInvalidConfig)
	}
	if opts.CutoffCount < 0 {
		return nil, fmt.Errorf("%w: negative cutoff count %d", ErrInvalidConfig, opts.CutoffCount)
	}

	lambdas, err := resolveLambdas(opts.Order, opts.InterpolationLambdas)
	if err != nil {
		return nil, err
	}

	kind := opts.Container
	if kind == "" {
		kind = HashContainerKind
	}
	factory, err := NewContainerFactory(kind, opts.Bloom)
	if err != nil {
		return nil, err
	}

	var cache *PredictionsCache
	if opts.Cache != nil {
		cache, err = NewPredictionsCache(*opts.Cache, logger)
		if err != nil {
			return nil, err
		}
	}

	reportEvery := opts.ReportEvery
	if reportEvery <= 0 {
		reportEvery = 10000
	}

	m := &LanguageModel{
		n:             opts.Order,
		vocab:         vocabulary,
		newContainer:  factory,
		containerKind: kind,
		cutoffCount:   opts.CutoffCount,
		lambdas:       lambdas,
		cache:         cache,
		reportEvery:   reportEvery,
		logger:        logger,
	}
	m.nGrams = m.emptyContainers()
	return m, nil
}

func resolveLambdas(order int, given []float64) ([]float64, error) {
	if len(given) == 0 {
		lambdas := make([]float64, order+1)
		lambdas[order] = 1.0
		return lambdas, nil
	}
	if len(given) != order+1 {
		return nil, fmt.Errorf("%w: expected %d interpolation lambdas, got %d", ErrInvalidConfig, order+1, len(given))
	}
	for i, l := range given {
		if l < 0 || math.IsNaN(l) || math.IsInf(l, 0) {
			return nil, fmt.Errorf("%w: interpolation lambda %d is %v", ErrInvalidConfig, i, l)
		}
	}
	if sum := floats.Sum(given); math.Abs(sum-1) > 1e-6 {
		return nil, fmt.Errorf("%w: interpolation lambdas sum to %v", ErrInvalidConfig, sum)
	}
	lambdas := make([]float64, len(given))
	copy(lambdas, given)
	return lambdas, nil
}

func (m *LanguageModel) emptyContainers() []Container {
	containers := make([]Container, m.n+1)
	for i := range containers {
		containers[i] = m.newContainer()
	}
	return containers
}

// Order returns N
func (m *LanguageModel) Order() int {
	return m.n
}

// Vocabulary returns the vocabulary the model indexes into
func (m *LanguageModel) Vocabulary() vocab.Vocabulary {
	return m.vocab
}

// NGrams returns the container for an order
func (m *LanguageModel) NGrams(order int) Container {
	return m.nGrams[order]
}

// Cache returns the attached prediction cache, or nil
func (m *LanguageModel) Cache() *PredictionsCache {
	return m.cache
}

// InterpolationLambdas returns a copy of the interpolation weights
func (m *LanguageModel) InterpolationLambdas() []float64 {
	out := make([]float64, len(m.lambdas))
	copy(out, m.lambdas)
	return out
}

// SetInterpolationLambdas replaces the interpolation weights
func (m *LanguageModel) SetInterpolationLambdas(lambdas []float64) error {
	resolved, err := resolveLambdas(m.n, lambdas)
	if err != nil {
		return err
	}
	m.lambdas = resolved
	return nil
}

// Train accumulates n-gram counts from sentences of vocabulary indices. The
// end-of-sequence index is appended to every sentence. Counts from earlier
// calls are kept.
func (m *LanguageModel) Train(sentences [][]int) error {
	for _, sentence := range sentences {
		if err := m.trainSentence(sentence); err != nil {
			return err
		}
	}
	return nil
}

// TrainTokens maps tokens through the vocabulary and trains on them
func (m *LanguageModel) TrainTokens(sentences [][]string) error {
	for _, sentence := range sentences {
		indices, err := m.Numericalize(sentence)
		if err != nil {
			return err
		}
		if err := m.trainSentence(indices); err != nil {
			return err
		}
	}
	return nil
}

// TrainReader trains on one whitespace-tokenized sentence per line and
// returns the number of sentences read. Blank lines are skipped.
func (m *LanguageModel) TrainReader(r io.Reader) (int, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)

	count, line := 0, 0
	for scanner.Scan() {
		line++
		tokens := strings.Fields(scanner.Text())
		if len(tokens) == 0 {
			continue
		}
		indices, err := m.Numericalize(tokens)
		if err != nil {
			return count, fmt.Errorf("line %d: %w", line, err)
		}
		if err := m.trainSentence(indices); err != nil {
			return count, err
		}
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("failed to read corpus: %w", err)
	}
	return count, nil
}

// TrainFile trains on a plain or .gzip corpus file and normalizes the model
func (m *LanguageModel) TrainFile(path string) (NormalizeReport, error) {
	stream, err := openStream(path)
	if err != nil {
		return NormalizeReport{}, err
	}
	defer stream.Close()

	count, err := m.TrainReader(stream)
	if err != nil {
		return NormalizeReport{}, fmt.Errorf("failed to train on %s: %w", path, err)
	}
	m.logger.Info("Training finished, normalizing",
		zap.String("path", path),
		zap.Int("sentences", count))
	return m.Normalize(), nil
}

// Numericalize maps tokens to vocabulary indices
func (m *LanguageModel) Numericalize(tokens []string) ([]int, error) {
	indices := make([]int, len(tokens))
	for i, token := range tokens {
		idx := m.vocab.TokenToIndex(token)
		if idx < 0 {
			return nil, fmt.Errorf("%w: %q", ErrUnknownToken, token)
		}
		indices[i] = idx
	}
	return indices, nil
}

func (m *LanguageModel) checkIndices(indices []int) error {
	size := m.vocab.Size()
	for _, idx := range indices {
		if idx < 0 || idx >= size {
			return fmt.Errorf("%w: index %d outside vocabulary of size %d", ErrUnknownToken, idx, size)
		}
	}
	return nil
}

func (m *LanguageModel) trainSentence(sentence []int) error {
	if err := m.checkIndices(sentence); err != nil {
		return err
	}
	indices := make([]int, len(sentence), len(sentence)+1)
	copy(indices, sentence)
	indices = append(indices, m.vocab.EOSIndex())

	m.collectNGrams(indices)
	if m.cache != nil {
		m.cache.Reset()
	}

	m.sentences++
	if m.sentences%m.reportEvery == 0 {
		m.logger.Info("Train progress", zap.Int("sentences", m.sentences))
	}
	return nil
}

// collectNGrams counts every window of every order. Order 0 receives one
// observation of the empty key per index.
func (m *LanguageModel) collectNGrams(indices []int) {
	count := len(indices)
	for n := 0; n <= m.n; n++ {
		limit := count - n + 1
		if limit > count {
			limit = count
		}
		container := m.nGrams[n]
		for i := 0; i < limit; i++ {
			key := model.NGram(indices[i : i+n])
			container.Set(key, container.Get(key)+1.0)
		}
	}
}

// NormalizeReport summarizes a Normalize pass, indexed by order
type NormalizeReport struct {
	Pruned  []int `json:"pruned"`
	Skipped []int `json:"skipped"`
}

// Normalize converts counts to conditional probabilities in place. It can
// only be applied once to a set of counts.
//
// If a cutoff is configured, n-grams of order >= 1 with a count below it are
// deleted first. Orders are then processed from N down to 1, so the divisor
// read from order n-1 is still a raw count. An n-gram whose prefix count is
// missing (possible for hand-built or previously pruned containers) is
// deleted and reported as skipped.
func (m *LanguageModel) Normalize() NormalizeReport {
	report := NormalizeReport{
		Pruned:  make([]int, m.n+1),
		Skipped: make([]int, m.n+1),
	}

	if m.cutoffCount > 0 {
		cutoff := float64(m.cutoffCount)
		for n := 1; n <= m.n; n++ {
			container := m.nGrams[n]
			for _, entry := range container.Items() {
				if entry.Value < cutoff {
					// Keys come from the snapshot, so the delete cannot miss
					_ = container.Delete(entry.Key)
					report.Pruned[n]++
				}
			}
		}
	}

	for n := m.n; n >= 1; n-- {
		container := m.nGrams[n]
		prefixes := m.nGrams[n-1]
		for _, entry := range container.Items() {
			prefixCount := prefixes.Get(entry.Key.Context())
			if prefixCount <= 0 {
				_ = container.Delete(entry.Key)
				report.Skipped[n]++
				continue
			}
			container.Set(entry.Key, entry.Value/prefixCount)
		}
	}
	m.nGrams[0].Set(model.NGram{}, 1.0)

	if m.cache != nil {
		m.cache.Reset()
	}

	fields := []zap.Field{
		zap.Ints("entries", m.entryCounts()),
		zap.Ints("pruned", report.Pruned),
		zap.Ints("skipped", report.Skipped),
	}
	m.logger.Info("Normalized n-gram counts", fields...)
	for n, skipped := range report.Skipped {
		if skipped > 0 {
			m.logger.Warn("Dropped n-grams without a prefix count",
				zap.Int("order", n),
				zap.Int("count", skipped))
		}
	}
	return report
}

func (m *LanguageModel) entryCounts() []int {
	counts := make([]int, len(m.nGrams))
	for n, container := range m.nGrams {
		counts[n] = container.Len()
	}
	return counts
}

// Predict returns the interpolated next-token distribution for a context.
// The result sums to 1. If every weighted order is empty for this context the
// uniform distribution is returned.
func (m *LanguageModel) Predict(context []int) []float64 {
	return m.interpolate(m.StepProbabilities(context), m.lambdas)
}

func (m *LanguageModel) interpolate(step *mat.Dense, lambdas []float64) []float64 {
	_, vocabSize := step.Dims()
	mixed := mat.NewVecDense(vocabSize, nil)
	mixed.MulVec(step.T(), mat.NewVecDense(len(lambdas), lambdas))

	probabilities := mixed.RawVector().Data
	sum := floats.Sum(probabilities)
	if sum <= 0 || math.IsNaN(sum) || math.IsInf(sum, 0) {
		copy(probabilities, step.RawRowView(0))
		return probabilities
	}
	floats.Scale(1/sum, probabilities)
	return probabilities
}

// StepProbabilities builds the (N+1) x V matrix of per-order estimates.
// Row 0 is uniform. Row k holds P(v | last k-1 context tokens) for every
// index v, and is all zeros when the context is shorter than k-1.
func (m *LanguageModel) StepProbabilities(context []int) *mat.Dense {
	vocabSize := m.vocab.Size()
	if len(context) > m.n-1 {
		context = context[len(context)-(m.n-1):]
	}

	step := mat.NewDense(m.n+1, vocabSize, nil)
	uniform := step.RawRowView(0)
	for i := range uniform {
		uniform[i] = 1.0 / float64(vocabSize)
	}

	for shift := 0; shift < m.n; shift++ {
		currentN := m.n - shift
		wantedLength := currentN - 1
		if wantedLength > len(context) {
			continue
		}
		wanted := model.NGram(context[len(context)-wantedLength:])

		if m.cache != nil {
			if row, ok := m.cache.Get(wanted); ok {
				step.SetRow(currentN, row)
				continue
			}
		}

		row := step.RawRowView(currentN)
		m.fillConditionalRow(m.nGrams[currentN], currentN, wanted, row)
		if m.cache != nil {
			m.cache.Set(wanted, row)
		}
	}
	return step
}

// fillConditionalRow writes P(v | wanted) for every index v into row
func (m *LanguageModel) fillConditionalRow(container Container, order int, wanted model.NGram, row []float64) {
	if enumerator, ok := container.(PrefixEnumerator); ok {
		for _, entry := range enumerator.ItemsWithPrefix(wanted) {
			if len(entry.Key) != order {
				continue
			}
			if idx := entry.Key.Last(); idx >= 0 && idx < len(row) {
				row[idx] = entry.Value
			}
		}
		return
	}

	key := make(model.NGram, order)
	copy(key, wanted)
	for idx := range row {
		key[order-1] = idx
		row[idx] = container.Get(key)
	}
}

// zeroProbabilitySurprisal is charged, in bits, for a token the model
// cannot produce
const zeroProbabilitySurprisal = 20.0

// surprisal returns -log2 p, capped at zeroProbabilitySurprisal
func surprisal(p float64) float64 {
	if p <= 0 {
		return zeroProbabilitySurprisal
	}
	return math.Min(-math.Log2(p), zeroProbabilitySurprisal)
}

// CrossEntropy returns the average surprisal of every token of the
// sentences, the appended end-of-sequence included. A token the model
// assigns zero probability costs zeroProbabilitySurprisal bits.
func (m *LanguageModel) CrossEntropy(sentences [][]int) (float64, error) {
	total := 0.0
	count := 0
	for _, sentence := range sentences {
		if err := m.checkIndices(sentence); err != nil {
			return 0, err
		}
		indices := append(append(make([]int, 0, len(sentence)+1), sentence...), m.vocab.EOSIndex())
		for i, target := range indices {
			total += surprisal(m.Predict(indices[:i])[target])
			count++
		}
	}
	if count == 0 {
		return 0, nil
	}
	return total / float64(count), nil
}

// Perplexity returns 2 raised to the cross-entropy
func (m *LanguageModel) Perplexity(sentences [][]int) (float64, error) {
	entropy, err := m.CrossEntropy(sentences)
	if err != nil {
		return 0, err
	}
	return math.Pow(2, entropy), nil
}

// Stats returns statistics about the model
func (m *LanguageModel) Stats() ModelStats {
	stats := ModelStats{
		N:                    m.n,
		VocabularySize:       m.vocab.Size(),
		Container:            string(m.containerKind),
		CutoffCount:          m.cutoffCount,
		NGramCounts:          m.entryCounts(),
		InterpolationLambdas: m.InterpolationLambdas(),
		SentencesTrained:     m.sentences,
	}
	if m.cache != nil {
		cacheStats := m.cache.Stats()
		stats.Cache = &cacheStats
	}
	for _, container := range m.nGrams {
		if trie, ok := container.(*TrieContainer); ok {
			stats.TrieStats = append(stats.TrieStats, trie.MemoryStats())
		}
	}
	return stats
}

// ModelStats contains statistics about an n-gram model
type ModelStats struct {
	N                    int               `json:"n"`
	VocabularySize       int               `json:"vocabulary_size"`
	Container            string            `json:"container"`
	CutoffCount          int               `json:"cutoff_count"`
	NGramCounts          []int             `json:"ngram_counts"`
	InterpolationLambdas []float64         `json:"interpolation_lambdas"`
	SentencesTrained     int               `json:"sentences_trained"`
	Cache                *CacheStats       `json:"cache,omitempty"`
	TrieStats            []TrieMemoryStats `json:"trie_stats,omitempty"`
}
