package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"ngram-lm/internal/config"
	"ngram-lm/internal/controller"
	"ngram-lm/internal/handler"
	"ngram-lm/internal/service/ngram"

	"github.com/cheggaaa/pb/v3"
	"go.uber.org/zap"
)

type app struct {
	cfg          *config.Config
	modelService *ngram.ModelService
	out          io.Writer
	logger       *zap.Logger
}

func newApp(cfg *config.Config, logger *zap.Logger) (*app, error) {
	opts, err := cfg.ServiceOptions()
	if err != nil {
		return nil, err
	}
	modelService, err := ngram.NewModelService(opts, logger)
	if err != nil {
		return nil, err
	}
	return &app{
		cfg:          cfg,
		modelService: modelService,
		out:          os.Stdout,
		logger:       logger,
	}, nil
}

func (a *app) train(cmd *TrainCmd) error {
	sentences, err := readSentences(cmd.Corpus)
	if err != nil {
		return err
	}
	var heldOut [][]string
	if cmd.HeldOut != "" {
		if heldOut, err = readSentences(cmd.HeldOut); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	report, err := a.modelService.Train(ctx, a.cfg.Models.Default, sentences, heldOut)
	if err != nil {
		return err
	}
	return a.printJSON(report)
}

func (a *app) estimate(cmd *EstimateCmd) error {
	sentences, err := readSentences(cmd.Corpus)
	if err != nil {
		return err
	}
	result, err := a.modelService.Estimate(a.cfg.Models.Default, sentences)
	if err != nil {
		return err
	}
	return a.printJSON(result)
}

func (a *app) predict(cmd *PredictCmd) error {
	predictions, err := a.modelService.Predict(a.cfg.Models.Default, cmd.Context, cmd.TopK)
	if err != nil {
		return err
	}
	for _, p := range predictions {
		fmt.Fprintf(a.out, "%.6f\t%s\n", p.Probability, p.Token)
	}
	return nil
}

func (a *app) eval(cmd *EvalCmd) error {
	sentences, err := readSentences(cmd.Corpus)
	if err != nil {
		return err
	}
	report, err := a.modelService.Score(a.cfg.Models.Default, sentences)
	if err != nil {
		return err
	}

	a.logger.Info("Evaluated model",
		zap.String("model", a.cfg.Models.Default),
		zap.String("corpus", cmd.Corpus),
		zap.Float64("cross_entropy", report.CrossEntropy),
		zap.Float64("perplexity", report.Perplexity))
	fmt.Fprintf(a.out, "sentences\t%d\ncross-entropy\t%.4f\nperplexity\t%.4f\n",
		len(report.Sentences), report.CrossEntropy, report.Perplexity)
	fmt.Fprintf(a.out, "sentence entropy\tmean %.4f\tstd %.4f\tmin %.4f\tmax %.4f\n",
		report.EntropyStats.Mean, report.EntropyStats.StdDev, report.EntropyStats.Min, report.EntropyStats.Max)
	return nil
}

func (a *app) serve(cmd *ServeCmd) error {
	port := a.cfg.Server.Port
	if cmd.Port != 0 {
		port = cmd.Port
	}

	modelController := controller.NewModelController(a.modelService, a.cfg.Models.Default, a.logger)
	router := handler.SetupRouter(modelController, a.logger)

	a.logger.Info("Starting server",
		zap.Int("port", port),
		zap.String("model_dir", a.cfg.Models.Dir),
		zap.String("default_model", a.cfg.Models.Default))
	if err := http.ListenAndServe(fmt.Sprintf(":%d", port), router); err != nil {
		return fmt.Errorf("server stopped: %w", err)
	}
	return nil
}

func (a *app) printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(a.out, string(out))
	return err
}

// readSentences loads a whitespace-tokenized corpus, showing read progress
// over the raw file bytes
func readSentences(path string) ([][]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open corpus: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat corpus: %w", err)
	}

	bar := pb.Full.Start64(info.Size())
	bar.Set(pb.Bytes, true)
	defer bar.Finish()

	stream, err := ngram.Decompress(bar.NewProxyReader(file), path)
	if err != nil {
		return nil, err
	}

	var sentences [][]string
	scanner := bufio.NewScanner(stream)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		if tokens := strings.Fields(scanner.Text()); len(tokens) > 0 {
			sentences = append(sentences, tokens)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read corpus %s: %w", path, err)
	}
	return sentences, nil
}
