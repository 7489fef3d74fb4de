// Package pipeline runs the model over a dataset and writes the report.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Brownie44l1/lnr-test/internal/catalog"
	"github.com/Brownie44l1/lnr-test/internal/dataset"
	"github.com/Brownie44l1/lnr-test/internal/visuals"
)

// ProgressEvery is the item interval between progress lines.
const ProgressEvery = 5

// ErrNoItems is returned when the loop processed nothing, so there is no
// video to write.
var ErrNoItems = errors.New("no dataset items processed")

// Dataset yields items until ok is false.
type Dataset interface {
	Next() (item dataset.Item, ok bool, err error)
}

// Model is the inference interface the loop drives.
type Model interface {
	SetInput(item dataset.Item) error
	Test() error
	ImagePaths() []string
	Results() (*visuals.Set, error)
}

// Report is the page finalized after the loop.
type Report interface {
	Save() error
}

// Sinks receive the visuals. SaveImages gets the RGBA layers of each item and
// SaveVideos the accumulated visuals of the whole run.
type Sinks struct {
	SaveImages func(rgba *visuals.Set, imagePaths []string) error
	SaveVideos func(all *visuals.Set) error
}

// Config bounds the loop.
type Config struct {
	NumTest int
}

// Deps are the collaborators of one run.
type Deps struct {
	Dataset Dataset
	Model   Model
	Report  Report
	Sinks   Sinks
	// Catalog may be nil.
	Catalog catalog.Storage
	Run     catalog.Run
	Logger  *slog.Logger
}

// Summary describes a finished run.
type Summary struct {
	Processed int
	Frames    int
}

// Run processes at most cfg.NumTest items and then saves the videos and the
// report. The first error from any collaborator stops the run; files written
// before that are left in place.
func Run(ctx context.Context, cfg Config, deps Deps) (Summary, error) {
	var (
		acc       visuals.Accumulator
		processed int
	)

	for i := 0; i < cfg.NumTest; i++ {
		item, ok, err := deps.Dataset.Next()
		if err != nil {
			return Summary{Processed: processed}, fmt.Errorf("item %d: %w", i, err)
		}
		if !ok {
			break
		}

		if err := step(ctx, i, item, &acc, deps); err != nil {
			return Summary{Processed: processed}, err
		}
		processed++
	}

	if processed == 0 {
		return Summary{}, ErrNoItems
	}

	all, err := acc.Set()
	if err != nil {
		return Summary{Processed: processed}, err
	}
	if err := deps.Sinks.SaveVideos(all); err != nil {
		return Summary{Processed: processed}, fmt.Errorf("failed to save videos: %w", err)
	}
	if deps.Catalog != nil {
		if err := deps.Catalog.Flush(ctx); err != nil {
			return Summary{Processed: processed}, fmt.Errorf("failed to flush catalog: %w", err)
		}
	}
	if err := deps.Report.Save(); err != nil {
		return Summary{Processed: processed}, fmt.Errorf("failed to save report: %w", err)
	}

	return Summary{Processed: processed, Frames: acc.Frames()}, nil
}

func step(ctx context.Context, i int, item dataset.Item, acc *visuals.Accumulator, deps Deps) error {
	if err := deps.Model.SetInput(item); err != nil {
		return fmt.Errorf("item %d: %w", i, err)
	}
	if err := deps.Model.Test(); err != nil {
		return fmt.Errorf("item %d: %w", i, err)
	}

	imgPath := deps.Model.ImagePaths()
	if i%ProgressEvery == 0 {
		deps.Logger.Info(fmt.Sprintf("processing (%04d)-th image... %v", i, imgPath), "index", i)
	}

	results, err := deps.Model.Results()
	if err != nil {
		return fmt.Errorf("item %d: %w", i, err)
	}
	if err := acc.Merge(results); err != nil {
		return fmt.Errorf("item %d (%v): %w", i, imgPath, err)
	}

	rgba := results.RGBA()
	if err := deps.Sinks.SaveImages(rgba, imgPath); err != nil {
		return fmt.Errorf("item %d: failed to save images: %w", i, err)
	}

	if deps.Catalog != nil {
		frame := catalog.Frame{
			RunID:  deps.Run.ID,
			Index:  i,
			Path:   item.Path,
			Layers: catalog.Describe(rgba),
		}
		if err := deps.Catalog.AddFrame(ctx, frame); err != nil {
			return fmt.Errorf("item %d: failed to record frame: %w", i, err)
		}
	}
	return nil
}
