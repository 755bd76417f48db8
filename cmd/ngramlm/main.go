package main

import (
	"fmt"
	"log"
	"os"

	"ngram-lm/internal/config"

	"github.com/alexflint/go-arg"
	"go.uber.org/zap"
)

type TrainCmd struct {
	Corpus  string `arg:"positional,required" help:"training corpus, one whitespace-tokenized sentence per line (.gzip accepted)"`
	HeldOut string `arg:"--held-out" help:"corpus used to fit interpolation weights after training"`
}

type EstimateCmd struct {
	Corpus string `arg:"positional,required" help:"held-out corpus"`
}

type PredictCmd struct {
	TopK    int      `arg:"-k,--top-k" default:"10" help:"number of tokens to print"`
	Context []string `arg:"positional" help:"context tokens"`
}

type EvalCmd struct {
	Corpus string `arg:"positional,required" help:"evaluation corpus"`
}

type ServeCmd struct {
	Port int `arg:"-p,--port" help:"overrides server.port"`
}

type args struct {
	Config  string    `arg:"-c,--config" help:"YAML configuration file"`
	Model   string    `arg:"-m,--model" help:"model name, overrides models.default"`
	Dir     string    `arg:"-d,--dir" help:"model directory, overrides models.dir"`
	Lambdas []float64 `arg:"--lambdas" help:"interpolation weights, overrides model.interpolation_lambdas"`

	Train    *TrainCmd    `arg:"subcommand:train" help:"count n-grams, normalize and save a model"`
	Estimate *EstimateCmd `arg:"subcommand:estimate" help:"fit interpolation weights on held-out text"`
	Predict  *PredictCmd  `arg:"subcommand:predict" help:"print the most likely next tokens"`
	Eval     *EvalCmd     `arg:"subcommand:eval" help:"report cross-entropy and perplexity"`
	Serve    *ServeCmd    `arg:"subcommand:serve" help:"serve predictions over HTTP"`
}

func (args) Description() string {
	return "ngramlm trains and queries interpolated n-gram language models"
}

func main() {
	var a args
	p := arg.MustParse(&a)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	cfg, err := config.LoadConfig(a.Config)
	if err != nil {
		log.Fatal("Failed to load configuration: ", err)
	}

	// Override configuration from command line if provided
	if a.Model != "" {
		cfg.Models.Default = a.Model
	}
	if a.Dir != "" {
		cfg.Models.Dir = a.Dir
	}
	if len(a.Lambdas) > 0 {
		cfg.Model.InterpolationLambdas = a.Lambdas
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal("Invalid configuration: ", err)
	}

	logger, err := cfg.NewLogger()
	if err != nil {
		log.Fatal("Failed to initialize logger: ", err)
	}
	defer logger.Sync()

	logger.Debug("Configuration loaded successfully", zap.Any("config", cfg))

	app, err := newApp(cfg, logger)
	if err == nil {
		switch {
		case a.Train != nil:
			err = app.train(a.Train)
		case a.Estimate != nil:
			err = app.estimate(a.Estimate)
		case a.Predict != nil:
			err = app.predict(a.Predict)
		case a.Eval != nil:
			err = app.eval(a.Eval)
		case a.Serve != nil:
			err = app.serve(a.Serve)
		}
	}
	if err != nil {
		logger.Error("Command failed", zap.Error(err))
		logger.Sync()
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
