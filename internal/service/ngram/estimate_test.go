package ngram

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ngram-lm/internal/vocab"
)

func TestEstimateParameters_ImprovesLikelihood(t *testing.T) {
	v := testVocabulary()
	train := testCorpus(v, 300, 21)
	heldOut := testCorpus(v, 40, 22)

	initial := []float64{0.25, 0.25, 0.25, 0.25}
	m := newTestModel(t, Options{Order: 3, InterpolationLambdas: initial}, v)
	require.NoError(t, m.Train(train))
	m.Normalize()

	samples, err := m.estimationSamples(heldOut)
	require.NoError(t, err)
	initialNLL := negLogLikelihood(initial, samples)

	result, err := m.EstimateParameters(heldOut, EstimateOptions{MaxIterations: 200})
	require.NoError(t, err)

	sum := 0.0
	for _, l := range result.Lambdas {
		assert.GreaterOrEqual(t, l, 0.0)
		assert.LessOrEqual(t, l, 1.0)
		sum += l
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.LessOrEqual(t, result.NegLogLikelihood, initialNLL+1e-9, "likelihood got worse")
	assert.Equal(t, len(samples), result.Samples)
	assert.Equal(t, result.Lambdas, m.InterpolationLambdas(), "estimated lambdas are applied")
}

func TestEstimateParameters_FavorsPredictiveOrder(t *testing.T) {
	v := vocab.New([]string{"a", "b"})
	m := newTestModel(t, Options{Order: 2, InterpolationLambdas: []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}}, v)
	sentences := [][]string{{"a", "b"}, {"a", "b"}, {"a", "b"}}
	require.NoError(t, m.TrainTokens(sentences))
	m.Normalize()

	result, err := m.EstimateParametersTokens(sentences, EstimateOptions{MaxIterations: 100})
	require.NoError(t, err)
	assert.Greater(t, result.Lambdas[2], 1.0/3, "bigram weight should grow: %v", result.Lambdas)
	assert.NotEmpty(t, result.StatusName)
}

func TestEstimateParameters_WeightsAreZeroOrAboveFloor(t *testing.T) {
	v := vocab.New([]string{"a", "b"})
	m := newTestModel(t, Options{Order: 2, InterpolationLambdas: []float64{1.0 / 3, 1.0 / 3, 1.0 / 3}}, v)
	sentences := [][]string{{"a", "b"}, {"a", "b"}, {"a", "b"}}
	require.NoError(t, m.TrainTokens(sentences))
	m.Normalize()

	result, err := m.EstimateParametersTokens(sentences, EstimateOptions{MaxIterations: 500})
	require.NoError(t, err)

	sum := 0.0
	for _, l := range result.Lambdas {
		assert.True(t, l == 0 || l >= minWeight, "weight %v is neither zero nor above %v", l, minWeight)
		sum += l
	}
	assert.InDelta(t, 1.0, sum, 1e-12)
}

func TestSnapWeights(t *testing.T) {
	snapped := snapWeights([]float64{1e-12, 0.25, 0.75 - 1e-12})
	assert.Equal(t, 0.0, snapped[0])
	assert.InDelta(t, 0.25, snapped[1], 1e-12)
	assert.InDelta(t, 0.75, snapped[2], 1e-12)

	weights := []float64{0.5, 0.5}
	assert.Equal(t, weights, snapWeights(weights), "weights above the floor are kept")
}

func TestEstimateParameters_Errors(t *testing.T) {
	v := vocab.New([]string{"a"})
	m := newTestModel(t, Options{Order: 2}, v)

	_, err := m.EstimateParameters(nil, EstimateOptions{})
	assert.ErrorIs(t, err, ErrNoSamples)
	_, err = m.EstimateParameters([][]int{{5}}, EstimateOptions{})
	assert.ErrorIs(t, err, ErrUnknownToken)
	_, err = m.EstimateParametersTokens([][]string{{"zzz"}}, EstimateOptions{})
	assert.ErrorIs(t, err, ErrUnknownToken)
}

func TestSoftmax(t *testing.T) {
	dst := make([]float64, 3)
	softmax(dst, []float64{1000, 1000, 1000})
	for _, v := range dst {
		assert.InDelta(t, 1.0/3, v, 1e-12)
	}
}
