package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/accessibility-check/internal/config"
	"github.com/example/accessibility-check/internal/imageprocessor"
	"github.com/example/accessibility-check/internal/logging"
	"github.com/example/accessibility-check/internal/model"
	"github.com/example/accessibility-check/internal/usecase"
)

type rootOptions struct {
	modelPath  string
	modelDir   string
	onnxLib    string
	logLevel   string
	workers    int
	failOnFile bool
}

// fileResult is one JSON line of classify output.
type fileResult struct {
	File      string   `json:"file"`
	Score     *float64 `json:"score,omitempty"`
	Label     string   `json:"label,omitempty"`
	ModelKind string   `json:"model_kind,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func newRootCmd() *cobra.Command {
	cfg := config.Load()
	opts := &rootOptions{
		modelPath: cfg.ModelPath,
		modelDir:  cfg.ModelDir,
		onnxLib:   cfg.OnnxRuntimeLib,
		logLevel:  "warn",
		workers:   runtime.NumCPU(),
	}

	root := &cobra.Command{
		Use:           "accessctl",
		Short:         "Score images for accessibility risk",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.modelPath, "model", opts.modelPath, "model artifact path (overrides discovery)")
	root.PersistentFlags().StringVar(&opts.modelDir, "model-dir", opts.modelDir, "base directory for model discovery")
	root.PersistentFlags().StringVar(&opts.onnxLib, "onnxruntime-lib", opts.onnxLib, "path to the onnxruntime shared library")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", opts.logLevel, "log level written to stderr")

	root.AddCommand(newClassifyCmd(opts), newLocateCmd(opts))
	return root
}

func newClassifyCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "classify FILE...",
		Short: "Classify image files and print one JSON result per line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.NewLogger(opts.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			provider := newProvider(opts, logger)
			defer provider.Close()

			uc := usecase.NewClassificationUseCase(provider, imageprocessor.NewNormalizer(logger), nil, nil, logger)
			results, err := classifyFiles(cmd.Context(), uc, args, opts.workers)
			if err != nil {
				return err
			}
			return writeResults(cmd.OutOrStdout(), results, opts.failOnFile)
		},
	}
	cmd.Flags().IntVarP(&opts.workers, "workers", "j", opts.workers, "number of images classified concurrently")
	cmd.Flags().BoolVar(&opts.failOnFile, "strict", false, "exit non-zero when any file fails")
	return cmd
}

func newLocateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "locate",
		Short: "Print the model artifact that would be loaded",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			locator := model.NewLocator(opts.modelPath, opts.modelDir)
			path, err := locator.Locate()
			if err != nil {
				var notFound *model.ModelNotFoundError
				if errors.As(err, &notFound) {
					for _, p := range notFound.Attempted {
						fmt.Fprintf(cmd.ErrOrStderr(), "tried %s\n", p)
					}
				}
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), path)
			return err
		},
	}
}

func newProvider(opts *rootOptions, logger *zap.Logger) *model.Provider {
	return model.NewProvider(
		model.NewLocator(opts.modelPath, opts.modelDir),
		model.NewLoader(opts.onnxLib, logger),
		logger,
		model.Options{},
	)
}

// fileClassifier is the part of the use case the CLI drives.
type fileClassifier interface {
	Classify(ctx context.Context, imageBytes []byte) (*usecase.Classification, error)
}

// classifyFiles scores files concurrently, keeping input order. Per-file
// failures are reported in the result; a model failure aborts the run.
func classifyFiles(ctx context.Context, uc fileClassifier, files []string, workers int) ([]fileResult, error) {
	if workers < 1 {
		workers = 1
	}
	results := make([]fileResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, name := range files {
		i, name := i, name
		g.Go(func() error {
			results[i] = fileResult{File: name}
			data, err := os.ReadFile(name)
			if err != nil {
				results[i].Error = err.Error()
				return nil
			}
			c, err := uc.Classify(gctx, data)
			if err != nil {
				if isModelError(err) {
					return err
				}
				results[i].Error = err.Error()
				return nil
			}
			score := c.Score
			results[i].Score = &score
			results[i].Label = string(c.Label)
			results[i].ModelKind = c.ModelKind
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func isModelError(err error) bool {
	var notFound *model.ModelNotFoundError
	var loadErr *model.ModelLoadError
	return errors.As(err, &notFound) || errors.As(err, &loadErr)
}

func writeResults(w io.Writer, results []fileResult, strict bool) error {
	enc := json.NewEncoder(w)
	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
		if err := enc.Encode(r); err != nil {
			return err
		}
	}
	if strict && failed > 0 {
		return fmt.Errorf("%d of %d files failed", failed, len(results))
	}
	return nil
}
