package ngram

import (
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
)

// EstimateOptions bounds the interpolation weight search
type EstimateOptions struct {
	MaxIterations     int     // 0 means no limit besides convergence
	GradientThreshold float64 // 0 uses the optimizer default
}

// EstimateResult is the outcome of EstimateParameters
type EstimateResult struct {
	Lambdas          []float64       `json:"lambdas"`
	NegLogLikelihood float64         `json:"neg_log_likelihood"`
	Samples          int             `json:"samples"`
	Iterations       int             `json:"iterations"`
	Status           optimize.Status `json:"-"`
	StatusName       string          `json:"status"`
	Converged        bool            `json:"converged"`
}

// estimationSample is what the likelihood needs from one step matrix: the
// per-order probability of the true index and the per-order row mass.
type estimationSample struct {
	target []float64
	mass   []float64
}

// EstimateParameters fits the interpolation weights to sentences by
// maximizing the likelihood of every token, the appended end-of-sequence
// included, under the interpolated and renormalized distribution.
//
// The weights are searched as softmax(theta), which keeps them summing to 1
// without explicit constraints but only ever reaches the open interval
// (0, 1). Weights below minWeight are therefore snapped to exactly 0 and the
// rest renormalized, unless that would make some token impossible. The best
// weights found are applied even when the optimizer stops early; Converged
// reports which case occurred.
func (m *LanguageModel) EstimateParameters(sentences [][]int, opts EstimateOptions) (*EstimateResult, error) {
	samples, err := m.estimationSamples(sentences)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return nil, ErrNoSamples
	}

	order := m.n + 1
	objective := func(theta []float64) float64 {
		lambdas := make([]float64, order)
		softmax(lambdas, theta)
		return negLogLikelihood(lambdas, samples)
	}
	gradient := func(grad, theta []float64) {
		lambdas := make([]float64, order)
		softmax(lambdas, theta)
		dl := make([]float64, order)
		for _, s := range samples {
			p := floats.Dot(lambdas, s.target)
			z := floats.Dot(lambdas, s.mass)
			for i := range dl {
				dl[i] += s.mass[i]/z - s.target[i]/p
			}
		}
		// Chain rule through softmax
		mean := floats.Dot(lambdas, dl)
		for j := range grad {
			grad[j] = lambdas[j] * (dl[j] - mean)
		}
	}

	initial := make([]float64, order)
	for i, l := range m.lambdas {
		initial[i] = math.Log(math.Max(l, 1e-3))
	}

	settings := &optimize.Settings{
		MajorIterations:   opts.MaxIterations,
		GradientThreshold: opts.GradientThreshold,
	}
	problem := optimize.Problem{Func: objective, Grad: gradient}

	result, err := optimize.Minimize(problem, initial, settings, &optimize.BFGS{})
	if result == nil {
		return nil, fmt.Errorf("interpolation weight search failed: %w", err)
	}

	best := make([]float64, order)
	softmax(best, result.X)
	nll := negLogLikelihood(best, samples)
	if snapped := snapWeights(best); !floats.Equal(snapped, best) {
		if snappedNLL := negLogLikelihood(snapped, samples); !math.IsInf(snappedNLL, 0) && !math.IsNaN(snappedNLL) {
			best, nll = snapped, snappedNLL
		}
	}
	if math.IsNaN(nll) || math.IsInf(nll, 0) {
		return nil, fmt.Errorf("interpolation weight search diverged (status %v): %v", result.Status, err)
	}

	estimate := &EstimateResult{
		Lambdas:          best,
		NegLogLikelihood: nll,
		Samples:          len(samples),
		Iterations:       result.Stats.MajorIterations,
		Status:           result.Status,
		StatusName:       result.Status.String(),
		Converged:        err == nil && converged(result.Status),
	}
	m.lambdas = append([]float64(nil), best...)

	fields := []zap.Field{
		zap.Float64s("lambdas", best),
		zap.Float64("neg_log_likelihood", nll),
		zap.Int("samples", len(samples)),
		zap.Int("iterations", estimate.Iterations),
		zap.String("status", estimate.StatusName),
	}
	if estimate.Converged {
		m.logger.Info("Estimated interpolation weights", fields...)
	} else {
		m.logger.Warn("Interpolation weight search did not converge, using best weights found",
			append(fields, zap.Error(err))...)
	}
	return estimate, nil
}

// EstimateParametersTokens maps tokens through the vocabulary first
func (m *LanguageModel) EstimateParametersTokens(sentences [][]string, opts EstimateOptions) (*EstimateResult, error) {
	indexed := make([][]int, 0, len(sentences))
	for _, sentence := range sentences {
		indices, err := m.Numericalize(sentence)
		if err != nil {
			return nil, err
		}
		indexed = append(indexed, indices)
	}
	return m.EstimateParameters(indexed, opts)
}

func (m *LanguageModel) estimationSamples(sentences [][]int) ([]estimationSample, error) {
	var samples []estimationSample
	for _, sentence := range sentences {
		if err := m.checkIndices(sentence); err != nil {
			return nil, err
		}
		indices := append(append(make([]int, 0, len(sentence)+1), sentence...), m.vocab.EOSIndex())
		for i, trueIndex := range indices {
			step := m.StepProbabilities(indices[:i])
			sample := estimationSample{
				target: make([]float64, m.n+1),
				mass:   make([]float64, m.n+1),
			}
			for k := 0; k <= m.n; k++ {
				sample.target[k] = step.At(k, trueIndex)
				sample.mass[k] = floats.Sum(step.RawRowView(k))
			}
			samples = append(samples, sample)
		}
	}
	return samples, nil
}

func negLogLikelihood(lambdas []float64, samples []estimationSample) float64 {
	s := 0.0
	for _, sample := range samples {
		s -= math.Log(floats.Dot(lambdas, sample.target) / floats.Dot(lambdas, sample.mass))
	}
	return s
}

// minWeight is the smallest interpolation weight kept by EstimateParameters
const minWeight = 1e-9

// snapWeights zeroes weights below minWeight and renormalizes the rest
func snapWeights(weights []float64) []float64 {
	snapped := append([]float64(nil), weights...)
	for i, w := range snapped {
		if w < minWeight {
			snapped[i] = 0
		}
	}
	floats.Scale(1/floats.Sum(snapped), snapped)
	return snapped
}

func softmax(dst, theta []float64) {
	peak := floats.Max(theta)
	for i, v := range theta {
		dst[i] = math.Exp(v - peak)
	}
	floats.Scale(1/floats.Sum(dst), dst)
}

func converged(status optimize.Status) bool {
	switch status {
	case optimize.Success, optimize.FunctionThreshold, optimize.FunctionConvergence,
		optimize.GradientThreshold, optimize.StepConvergence, optimize.MethodConverge:
		return true
	default:
		return false
	}
}
