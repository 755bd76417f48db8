package controller

import (
	"errors"
	"net/http"
	"strings"

	"ngram-lm/internal/service/ngram"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const defaultTopK = 10

type ModelController struct {
	modelService *ngram.ModelService
	defaultModel string
	logger       *zap.Logger
}

// NewModelController serves requests that name no model from defaultModel
func NewModelController(modelService *ngram.ModelService, defaultModel string, logger *zap.Logger) *ModelController {
	return &ModelController{
		modelService: modelService,
		defaultModel: defaultModel,
		logger:       logger,
	}
}

type PredictRequest struct {
	Model   string `json:"model"`
	Context string `json:"context"`
	TopK    int    `json:"top_k"`
}

type PredictResponse struct {
	Model       string                   `json:"model"`
	Context     []string                 `json:"context"`
	Predictions []ngram.TokenProbability `json:"predictions"`
}

type SentencesRequest struct {
	Model     string   `json:"model"`
	Sentences []string `json:"sentences" binding:"required,min=1"`
}

type AnalyzeRequest struct {
	Model    string `json:"model"`
	Sentence string `json:"sentence"`
}

type AnalyzeResponse struct {
	Model  string             `json:"model"`
	Tokens []ngram.TokenScore `json:"tokens"`
}

func (mc *ModelController) Predict(c *gin.Context) {
	var request PredictRequest
	if !mc.bind(c, &request) {
		return
	}

	name := mc.modelName(request.Model)
	tokens := strings.Fields(request.Context)
	topK := request.TopK
	if topK <= 0 {
		topK = defaultTopK
	}

	predictions, err := mc.modelService.Predict(name, tokens, topK)
	if err != nil {
		mc.respondError(c, "Failed to predict", name, err)
		return
	}

	mc.logger.Debug("Predicted next token",
		zap.String("model", name),
		zap.Strings("context", tokens),
		zap.Int("top_k", topK))
	c.JSON(http.StatusOK, PredictResponse{Model: name, Context: tokens, Predictions: predictions})
}

func (mc *ModelController) Perplexity(c *gin.Context) {
	var request SentencesRequest
	if !mc.bind(c, &request) {
		return
	}

	name := mc.modelName(request.Model)
	report, err := mc.modelService.Score(name, tokenize(request.Sentences))
	if err != nil {
		mc.respondError(c, "Failed to compute perplexity", name, err)
		return
	}

	mc.logger.Info("Computed perplexity",
		zap.String("model", name),
		zap.Int("sentences", len(request.Sentences)),
		zap.Float64("perplexity", report.Perplexity))
	c.JSON(http.StatusOK, report)
}

func (mc *ModelController) Analyze(c *gin.Context) {
	var request AnalyzeRequest
	if !mc.bind(c, &request) {
		return
	}

	name := mc.modelName(request.Model)
	scores, err := mc.modelService.Analyze(name, strings.Fields(request.Sentence))
	if err != nil {
		mc.respondError(c, "Failed to analyze sentence", name, err)
		return
	}
	c.JSON(http.StatusOK, AnalyzeResponse{Model: name, Tokens: scores})
}

// Estimate refits the interpolation weights on the posted sentences
func (mc *ModelController) Estimate(c *gin.Context) {
	var request SentencesRequest
	if !mc.bind(c, &request) {
		return
	}

	name := mc.modelName(request.Model)
	result, err := mc.modelService.Estimate(name, tokenize(request.Sentences))
	if err != nil {
		mc.respondError(c, "Failed to estimate parameters", name, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (mc *ModelController) ListModels(c *gin.Context) {
	names, err := mc.modelService.List()
	if err != nil {
		mc.respondError(c, "Failed to list models", "", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"models":  names,
		"default": mc.defaultModel,
	})
}

func (mc *ModelController) Stats(c *gin.Context) {
	name := c.Param("name")
	stats, err := mc.modelService.Stats(name)
	if err != nil {
		mc.respondError(c, "Failed to get model stats", name, err)
		return
	}
	c.JSON(http.StatusOK, stats)
}

func (mc *ModelController) DeleteModel(c *gin.Context) {
	name := c.Param("name")
	if !mc.modelService.ModelExists(name) {
		mc.respondError(c, "Failed to delete model", name, ngram.ErrModelNotFound)
		return
	}
	if err := mc.modelService.Delete(name); err != nil {
		mc.respondError(c, "Failed to delete model", name, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": name})
}

func (mc *ModelController) bind(c *gin.Context, request interface{}) bool {
	if err := c.ShouldBindJSON(request); err != nil {
		mc.logger.Error("Invalid request payload", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request payload",
			"details": err.Error(),
		})
		return false
	}
	return true
}

func (mc *ModelController) modelName(requested string) string {
	if requested == "" {
		return mc.defaultModel
	}
	return requested
}

func (mc *ModelController) respondError(c *gin.Context, message, name string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, ngram.ErrModelNotFound):
		status = http.StatusNotFound
	case errors.Is(err, ngram.ErrUnknownToken),
		errors.Is(err, ngram.ErrNoSamples),
		errors.Is(err, ngram.ErrInvalidConfig):
		status = http.StatusBadRequest
	}

	mc.logger.Error(message, zap.String("model", name), zap.Error(err))
	c.JSON(status, gin.H{
		"error":   message,
		"details": err.Error(),
	})
}

func tokenize(lines []string) [][]string {
	sentences := make([][]string, len(lines))
	for i, line := range lines {
		sentences[i] = strings.Fields(line)
	}
	return sentences
}
