// Command lnrtest saves the full outputs of a trained layered neural renderer.
//
// It loads the exported model from --checkpoints_dir, runs it on the first
// --num_test frames of --dataroot and writes the RGBA layers of every frame,
// a video per output channel and an index.html to
// <results_dir>/<name>/<phase>_<epoch>.
//
//	lnrtest --dataroot ./datasets/reflection --name reflection --do_upsampling
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"

	"github.com/Brownie44l1/lnr-test/internal/catalog"
	"github.com/Brownie44l1/lnr-test/internal/dataset"
	"github.com/Brownie44l1/lnr-test/internal/model"
	"github.com/Brownie44l1/lnr-test/internal/options"
	"github.com/Brownie44l1/lnr-test/internal/pipeline"
	"github.com/Brownie44l1/lnr-test/internal/report"
	"github.com/Brownie44l1/lnr-test/internal/visualizer"
	"github.com/Brownie44l1/lnr-test/internal/visuals"
)

func main() {
	opt, err := options.Parse(os.Args[1:], os.Stderr)
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "lnrtest: %v\n", err)
		os.Exit(2)
	}

	logger := newLogger(opt.LogLevel)

	if err := run(context.Background(), opt, logger); err != nil {
		logger.Error("test run failed", "err", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(
		tint.NewHandler(os.Stderr, &tint.Options{
			Level:      lvl,
			TimeFormat: "15:04:05",
		}),
	)
}

func run(ctx context.Context, opt *options.Options, logger *slog.Logger) error {
	if err := opt.ParseDatasetMeta(); err != nil {
		return err
	}
	// test code only supports one loader thread and batches of one
	opt.ForceTestOverrides()

	ds, err := dataset.New(dataset.Config{
		Dataroot:      opt.Dataroot,
		Width:         opt.LoadWidth,
		Height:        opt.LoadHeight,
		SerialBatches: opt.SerialBatches,
		Seed:          opt.Seed,
	}, logger)
	if err != nil {
		return err
	}

	lnr := model.New(model.Config{
		CheckpointsDir: opt.CheckpointsDir,
		Name:           opt.Name,
		Epoch:          opt.Epoch,
		DoUpsampling:   opt.DoUpsampling,
	}, logger)
	if err := lnr.Setup(); err != nil {
		return fmt.Errorf("failed to set up model: %w", err)
	}
	defer lnr.Close()

	webDir := opt.WebDir()
	logger.Info("creating web directory", "dir", webDir)
	page, err := report.New(webDir, opt.Title())
	if err != nil {
		return err
	}

	runInfo := catalog.NewRun(opt.Name, opt.Phase, opt.Epoch)
	store, err := openCatalog(ctx, opt, webDir, runInfo)
	if err != nil {
		return err
	}
	defer store.Close()

	enc := visualizer.NewFFmpeg(opt.FFmpeg, logger)
	summary, err := pipeline.Run(ctx, pipeline.Config{NumTest: opt.NumTest}, pipeline.Deps{
		Dataset: ds,
		Model:   lnr,
		Report:  page,
		Sinks: pipeline.Sinks{
			SaveImages: func(rgba *visuals.Set, paths []string) error {
				return visualizer.SaveImages(page, rgba, paths, opt.AspectRatio, opt.DisplayWinsize)
			},
			SaveVideos: func(all *visuals.Set) error {
				return visualizer.SaveVideos(page, all, opt.DisplayWinsize, enc)
			},
		},
		Catalog: store,
		Run:     runInfo,
		Logger:  logger,
	})
	if err != nil {
		return err
	}

	logger.Info("results saved",
		"dir", webDir,
		"processed", summary.Processed,
		"video_frames", summary.Frames,
		"run", runInfo.ID,
	)

	if opt.SimilarTo >= 0 {
		return logSimilar(ctx, store, opt.SimilarTo, opt.SimilarLimit, logger)
	}
	return nil
}

// logSimilar logs the frames of this run that look most like frame index.
func logSimilar(ctx context.Context, store catalog.Storage, index, limit int, logger *slog.Logger) error {
	searcher, ok := store.(catalog.Searcher)
	if !ok {
		logger.Warn("catalog does not support similarity search", "catalog", fmt.Sprintf("%T", store))
		return nil
	}
	found, err := searcher.SimilarTo(ctx, index, limit)
	if err != nil {
		return fmt.Errorf("failed to find frames similar to %d: %w", index, err)
	}
	for rank, f := range found {
		logger.Info("similar frame",
			"to", index,
			"rank", rank+1,
			"index", f.Index,
			"path", f.Path,
			"distance", f.Distance,
		)
	}
	return nil
}

func openCatalog(ctx context.Context, opt *options.Options, webDir string, run catalog.Run) (catalog.Storage, error) {
	switch opt.Catalog {
	case "postgres":
		if err := catalog.InitSchema(ctx, opt.DatabaseURL); err != nil {
			return nil, err
		}
		return catalog.NewPostgresStorage(ctx, opt.DatabaseURL, run)
	case "none":
		return catalog.Nop{}, nil
	default:
		return catalog.NewFileStorage(webDir, run)
	}
}
