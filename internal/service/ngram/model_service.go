package ngram

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"ngram-lm/internal/vocab"
)

const (
	// DefaultModelDir is used when ServiceOptions.Dir is empty
	DefaultModelDir = "./ngram_models"

	vocabularySuffix = ".vocab"
)

var modelNamePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ServiceOptions configures a ModelService
type ServiceOptions struct {
	Dir          string // Holds <name>.arpa[.gzip] and <name>.vocab
	Compress     bool   // Save as .arpa.gzip
	Model        Options
	MinCount     int    // Tokens seen fewer times map to UnknownToken
	UnknownToken string // Empty means no unknown token
	Estimate     EstimateOptions
}

// ModelService trains, persists and serves named language models. Models
// found in the directory are loaded on first use.
type ModelService struct {
	opts   ServiceOptions
	models map[string]*managedModel
	logger *zap.Logger
	mu     sync.RWMutex
}

// managedModel serializes access to one model, whose prediction cache makes
// even reads mutating
type managedModel struct {
	mu    sync.Mutex
	model *LanguageModel
}

// NewModelService creates the model directory if needed
func NewModelService(opts ServiceOptions, logger *zap.Logger) (*ModelService, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.Dir == "" {
		opts.Dir = DefaultModelDir
	}
	if opts.MinCount < 1 {
		opts.MinCount = 1
	}
	if opts.MinCount > 1 && opts.UnknownToken == "" {
		return nil, fmt.Errorf("%w: a minimum token count needs an unknown token", ErrInvalidConfig)
	}
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create model directory: %w", err)
	}

	return &ModelService{
		opts:   opts,
		models: make(map[string]*managedModel),
		logger: logger,
	}, nil
}

// ModelPath returns where Train saves a model
func (s *ModelService) ModelPath(name string) string {
	path := filepath.Join(s.opts.Dir, name+".arpa")
	if s.opts.Compress {
		path += gzipSuffix
	}
	return path
}

// VocabularyPath returns the vocabulary file stored next to a model
func (s *ModelService) VocabularyPath(name string) string {
	return filepath.Join(s.opts.Dir, name+vocabularySuffix)
}

// findModelFile prefers the configured format but accepts the other one
func (s *ModelService) findModelFile(name string) (string, bool) {
	preferred := s.ModelPath(name)
	candidates := []string{preferred, strings.TrimSuffix(preferred, gzipSuffix)}
	if !s.opts.Compress {
		candidates[1] = preferred + gzipSuffix
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path, true
		}
	}
	return "", false
}

// ModelExists reports whether a model is registered or saved on disk
func (s *ModelService) ModelExists(name string) bool {
	s.mu.RLock()
	_, loaded := s.models[name]
	s.mu.RUnlock()
	if loaded {
		return true
	}
	_, found := s.findModelFile(name)
	return found
}

// TrainReport summarizes a Train call
type TrainReport struct {
	Name           string          `json:"name"`
	Path           string          `json:"path"`
	Sentences      int             `json:"sentences"`
	VocabularySize int             `json:"vocabulary_size"`
	Normalize      NormalizeReport `json:"normalize"`
	Estimate       *EstimateResult `json:"estimate,omitempty"`
}

// Train builds a vocabulary from sentences, trains and normalizes a model,
// optionally fits interpolation weights on heldOut, then saves and registers
// the model under name, replacing any previous one.
func (s *ModelService) Train(ctx context.Context, name string, sentences, heldOut [][]string) (*TrainReport, error) {
	if err := checkModelName(name); err != nil {
		return nil, err
	}

	s.logger.Info("Training n-gram model",
		zap.String("model", name),
		zap.Int("sentences", len(sentences)),
		zap.Int("n", s.opts.Model.Order))

	var vocabOpts []vocab.Option
	if s.opts.UnknownToken != "" {
		vocabOpts = append(vocabOpts, vocab.WithUnknown(s.opts.UnknownToken))
	}
	vocabulary := vocab.Build(sentences, s.opts.MinCount, vocabOpts...)

	model, err := NewLanguageModel(s.opts.Model, vocabulary, s.logger.With(zap.String("model", name)))
	if err != nil {
		return nil, err
	}

	for _, sentence := range sentences {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := model.TrainTokens([][]string{sentence}); err != nil {
			return nil, err
		}
	}

	report := &TrainReport{
		Name:           name,
		Path:           s.ModelPath(name),
		Sentences:      len(sentences),
		VocabularySize: vocabulary.Size(),
		Normalize:      model.Normalize(),
	}

	if len(heldOut) > 0 {
		result, err := model.EstimateParametersTokens(heldOut, s.opts.Estimate)
		if err != nil {
			return nil, fmt.Errorf("failed to estimate interpolation weights: %w", err)
		}
		report.Estimate = result
	}

	if err := model.Save(report.Path); err != nil {
		s.logger.Error("Failed to save n-gram model", zap.String("model", name), zap.Error(err))
		return nil, fmt.Errorf("failed to save model: %w", err)
	}
	if err := writeVocabulary(s.VocabularyPath(name), vocabulary); err != nil {
		return nil, err
	}

	s.Register(name, model)
	return report, nil
}

// Register makes an in-memory model available under name
func (s *ModelService) Register(name string, model *LanguageModel) {
	s.mu.Lock()
	s.models[name] = &managedModel{model: model}
	s.mu.Unlock()
}

// get returns a registered model, loading it from disk on first use
func (s *ModelService) get(name string) (*managedModel, error) {
	s.mu.RLock()
	managed, exists := s.models[name]
	s.mu.RUnlock()
	if exists {
		return managed, nil
	}
	if err := checkModelName(name); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if managed, exists := s.models[name]; exists {
		return managed, nil
	}

	path, found := s.findModelFile(name)
	if !found {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, name)
	}
	model, err := s.load(name, path)
	if err != nil {
		return nil, err
	}
	managed = &managedModel{model: model}
	s.models[name] = managed
	return managed, nil
}

func (s *ModelService) load(name, path string) (*LanguageModel, error) {
	file, err := os.Open(s.VocabularyPath(name))
	if err != nil {
		return nil, fmt.Errorf("failed to open vocabulary for %s: %w", name, err)
	}
	defer file.Close()

	vocabulary, err := vocab.Read(file, s.opts.UnknownToken)
	if err != nil {
		return nil, err
	}
	model, err := NewLanguageModel(s.opts.Model, vocabulary, s.logger.With(zap.String("model", name)))
	if err != nil {
		return nil, err
	}
	if err := model.Load(path); err != nil {
		return nil, err
	}
	return model, nil
}

// List returns the names of registered and saved models
func (s *ModelService) List() ([]string, error) {
	names := make(map[string]struct{})

	s.mu.RLock()
	for name := range s.models {
		names[name] = struct{}{}
	}
	s.mu.RUnlock()

	entries, err := os.ReadDir(s.opts.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list model directory: %w", err)
	}
	for _, entry := range entries {
		if name, ok := strings.CutSuffix(entry.Name(), vocabularySuffix); ok && !entry.IsDir() {
			if _, found := s.findModelFile(name); found {
				names[name] = struct{}{}
			}
		}
	}

	out := make([]string, 0, len(names))
	for name := range names {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// Delete unregisters a model and removes its files
func (s *ModelService) Delete(name string) error {
	if err := checkModelName(name); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.models, name)

	modelPath := filepath.Join(s.opts.Dir, name+".arpa")
	for _, path := range []string{modelPath, modelPath + gzipSuffix, s.VocabularyPath(name)} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to delete model: %w", err)
		}
	}
	s.logger.Info("Deleted n-gram model", zap.String("model", name))
	return nil
}

// TokenProbability is one entry of a next-token distribution
type TokenProbability struct {
	Token       string  `json:"token"`
	Probability float64 `json:"probability"`
}

// Predict returns the topK most likely next tokens after context, most
// likely first. topK <= 0 returns the whole distribution.
func (s *ModelService) Predict(name string, context []string, topK int) ([]TokenProbability, error) {
	managed, err := s.get(name)
	if err != nil {
		return nil, err
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()

	indices, err := managed.model.Numericalize(context)
	if err != nil {
		return nil, err
	}
	probabilities := managed.model.Predict(indices)
	vocabulary := managed.model.Vocabulary()

	predictions := make([]TokenProbability, len(probabilities))
	for idx, p := range probabilities {
		predictions[idx] = TokenProbability{Token: vocabulary.IndexToToken(idx), Probability: p}
	}
	sort.SliceStable(predictions, func(i, j int) bool {
		return predictions[i].Probability > predictions[j].Probability
	})
	if topK > 0 && len(predictions) > topK {
		predictions = predictions[:topK]
	}
	return predictions, nil
}

// EntropyStats describes per-sentence cross-entropies
type EntropyStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	Count  int     `json:"count"`
}

// ZScoreInterpretation labels how unusual a sentence is within its batch
type ZScoreInterpretation struct {
	Level       string  `json:"level"`
	Description string  `json:"description"`
	Percentile  float64 `json:"percentile"`
}

// SentenceScore is the cross-entropy of one sentence, the end marker included
type SentenceScore struct {
	Tokens         int                  `json:"tokens"`
	CrossEntropy   float64              `json:"cross_entropy"`
	Perplexity     float64              `json:"perplexity"`
	ZScore         float64              `json:"z_score"`
	Interpretation ZScoreInterpretation `json:"interpretation"`
}

// ScoreReport is the result of Score
type ScoreReport struct {
	CrossEntropy float64         `json:"cross_entropy"`
	Perplexity   float64         `json:"perplexity"`
	EntropyStats EntropyStats    `json:"entropy_stats"`
	Sentences    []SentenceScore `json:"sentences"`
}

// Score computes the token-weighted cross-entropy and perplexity of the
// sentences, plus each sentence's cross-entropy and its z-score against the
// batch.
func (s *ModelService) Score(name string, sentences [][]string) (*ScoreReport, error) {
	managed, err := s.get(name)
	if err != nil {
		return nil, err
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()

	indexed := make([][]int, 0, len(sentences))
	for _, sentence := range sentences {
		indices, err := managed.model.Numericalize(sentence)
		if err != nil {
			return nil, err
		}
		indexed = append(indexed, indices)
	}

	report := &ScoreReport{Sentences: make([]SentenceScore, len(indexed))}
	if report.CrossEntropy, err = managed.model.CrossEntropy(indexed); err != nil {
		return nil, err
	}
	report.Perplexity = math.Pow(2, report.CrossEntropy)

	entropies := make([]float64, len(indexed))
	for i, sentence := range indexed {
		entropy, err := managed.model.CrossEntropy([][]int{sentence})
		if err != nil {
			return nil, err
		}
		entropies[i] = entropy
		report.Sentences[i] = SentenceScore{
			Tokens:       len(sentence) + 1,
			CrossEntropy: entropy,
			Perplexity:   math.Pow(2, entropy),
		}
	}

	report.EntropyStats = entropyStatistics(entropies)
	for i := range report.Sentences {
		z := zScore(entropies[i], report.EntropyStats)
		report.Sentences[i].ZScore = z
		report.Sentences[i].Interpretation = interpretZScore(z)
	}
	return report, nil
}

// TokenScore is the model's view of one token of an analyzed sentence
type TokenScore struct {
	Token       string  `json:"token"`
	Probability float64 `json:"probability"`
	Surprisal   float64 `json:"surprisal"` // -log2 p, capped for p = 0
}

// Analyze scores every token of one sentence, the end marker included
func (s *ModelService) Analyze(name string, sentence []string) ([]TokenScore, error) {
	managed, err := s.get(name)
	if err != nil {
		return nil, err
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()

	indices, err := managed.model.Numericalize(sentence)
	if err != nil {
		return nil, err
	}
	vocabulary := managed.model.Vocabulary()
	indices = append(indices, vocabulary.EOSIndex())

	scores := make([]TokenScore, len(indices))
	for i, target := range indices {
		p := managed.model.Predict(indices[:i])[target]
		scores[i] = TokenScore{
			Token:       vocabulary.IndexToToken(target),
			Probability: p,
			Surprisal:   surprisal(p),
		}
	}
	return scores, nil
}

// Estimate refits the interpolation weights of a model in memory. ARPA files
// carry no weights, so the result is lost when the model is reloaded.
func (s *ModelService) Estimate(name string, sentences [][]string) (*EstimateResult, error) {
	managed, err := s.get(name)
	if err != nil {
		return nil, err
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()

	return managed.model.EstimateParametersTokens(sentences, s.opts.Estimate)
}

// Stats returns statistics for a model
func (s *ModelService) Stats(name string) (ModelStats, error) {
	managed, err := s.get(name)
	if err != nil {
		return ModelStats{}, err
	}
	managed.mu.Lock()
	defer managed.mu.Unlock()

	return managed.model.Stats(), nil
}

func checkModelName(name string) error {
	if !modelNamePattern.MatchString(name) {
		return fmt.Errorf("%w: invalid model name %q", ErrInvalidConfig, name)
	}
	return nil
}

func writeVocabulary(path string, vocabulary *vocab.Simple) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create vocabulary file: %w", err)
	}
	if _, err := vocabulary.WriteTo(file); err != nil {
		file.Close()
		return fmt.Errorf("failed to write vocabulary file: %w", err)
	}
	return file.Close()
}

func entropyStatistics(entropies []float64) EntropyStats {
	if len(entropies) == 0 {
		return EntropyStats{}
	}
	mean, variance := stat.PopMeanVariance(entropies, nil)
	stats := EntropyStats{
		Mean:   mean,
		StdDev: math.Sqrt(variance),
		Min:    entropies[0],
		Max:    entropies[0],
		Count:  len(entropies),
	}
	for _, e := range entropies[1:] {
		stats.Min = math.Min(stats.Min, e)
		stats.Max = math.Max(stats.Max, e)
	}
	return stats
}

func zScore(entropy float64, stats EntropyStats) float64 {
	if stats.StdDev == 0 {
		return 0
	}
	return (entropy - stats.Mean) / stats.StdDev
}

func interpretZScore(z float64) ZScoreInterpretation {
	switch {
	case z < -2.0:
		return ZScoreInterpretation{Level: "very_low", Description: "More predictable than 97.5% of the batch", Percentile: 2.5}
	case z < -1.0:
		return ZScoreInterpretation{Level: "low", Description: "More predictable than 84% of the batch", Percentile: 16.0}
	case z <= 1.0:
		return ZScoreInterpretation{Level: "normal", Description: "Within one standard deviation of the mean", Percentile: 50.0}
	case z <= 2.0:
		return ZScoreInterpretation{Level: "high", Description: "Less predictable than 84% of the batch", Percentile: 84.0}
	default:
		return ZScoreInterpretation{Level: "very_high", Description: "Less predictable than 97.5% of the batch", Percentile: 97.5}
	}
}
