package options

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// DatabaseURLEnv is consulted when --database_url is not given.
const DatabaseURLEnv = "LNR_DATABASE_URL"

// Options is the flat run configuration.
//
// NumThreads, BatchSize and DisplayID are kept for parity with training runs;
// ForceTestOverrides pins them and the loader always reads one frame at a
// time, in order, on the calling goroutine.
type Options struct {
	CheckpointsDir string
	ResultsDir     string
	Dataroot       string
	Name           string
	DoUpsampling   bool
	NumTest        int
	Phase          string
	Epoch          string
	AspectRatio    float64
	DisplayWinsize int

	NumThreads    int
	BatchSize     int
	SerialBatches bool
	DisplayID     int

	LoadWidth  int
	LoadHeight int
	Seed       int64

	SimilarTo    int
	SimilarLimit int

	Catalog     string
	DatabaseURL string
	FFmpeg      string
	LogLevel    string
}

// DatasetMeta is the optional <dataroot>/meta.json file.
type DatasetMeta struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Parse reads options from command line arguments (without the program name).
func Parse(args []string, output io.Writer) (*Options, error) {
	opt := &Options{}
	fs := flag.NewFlagSet("lnrtest", flag.ContinueOnError)
	if output != nil {
		fs.SetOutput(output)
	}

	fs.StringVar(&opt.CheckpointsDir, "checkpoints_dir", "./checkpoints", "models are saved here")
	fs.StringVar(&opt.ResultsDir, "results_dir", "./results", "saves results here")
	fs.StringVar(&opt.Dataroot, "dataroot", "", "path to the video frames (required)")
	fs.StringVar(&opt.Name, "name", "experiment_name", "name of the experiment")
	fs.BoolVar(&opt.DoUpsampling, "do_upsampling", false, "use the model with the trained upsampling module")
	fs.IntVar(&opt.NumTest, "num_test", 50, "how many test images to run")
	fs.StringVar(&opt.Phase, "phase", "test", "train, val, test, etc")
	fs.StringVar(&opt.Epoch, "epoch", "latest", "which epoch to load")
	fs.Float64Var(&opt.AspectRatio, "aspect_ratio", 1.0, "aspect ratio of result images")
	fs.IntVar(&opt.DisplayWinsize, "display_winsize", 256, "display window size for the report")

	fs.IntVar(&opt.NumThreads, "num_threads", 4, "threads for loading data")
	fs.IntVar(&opt.BatchSize, "batch_size", 8, "input batch size")
	fs.BoolVar(&opt.SerialBatches, "serial_batches", false, "take images in order, otherwise shuffle")
	fs.IntVar(&opt.DisplayID, "display_id", 1, "window id of the web display")

	fs.IntVar(&opt.LoadWidth, "load_width", 0, "resize frames to this width (0 keeps dataset meta or native size)")
	fs.IntVar(&opt.LoadHeight, "load_height", 0, "resize frames to this height (0 keeps dataset meta or native size)")
	fs.Int64Var(&opt.Seed, "seed", 0, "shuffle seed when serial_batches is off")

	fs.IntVar(&opt.SimilarTo, "similar_to", -1, "after the run, log the catalog frames closest to this frame index (-1 disables)")
	fs.IntVar(&opt.SimilarLimit, "similar_limit", 3, "how many similar frames to log")

	fs.StringVar(&opt.Catalog, "catalog", "json", "frame catalog: json, postgres or none")
	fs.StringVar(&opt.DatabaseURL, "database_url", "", "postgres connection string (defaults to $"+DatabaseURLEnv+")")
	fs.StringVar(&opt.FFmpeg, "ffmpeg", "ffmpeg", "ffmpeg binary used to write videos")
	fs.StringVar(&opt.LogLevel, "log_level", "info", "debug, info, warn or error")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	if opt.DatabaseURL == "" {
		opt.DatabaseURL = os.Getenv(DatabaseURLEnv)
	}
	if err := opt.validate(); err != nil {
		return nil, err
	}
	return opt, nil
}

func (o *Options) validate() error {
	if o.Dataroot == "" {
		return errors.New("--dataroot is required")
	}
	if o.NumTest < 0 {
		return fmt.Errorf("--num_test must not be negative, got %d", o.NumTest)
	}
	if o.AspectRatio <= 0 {
		return fmt.Errorf("--aspect_ratio must be positive, got %g", o.AspectRatio)
	}
	if o.DisplayWinsize <= 0 {
		return fmt.Errorf("--display_winsize must be positive, got %d", o.DisplayWinsize)
	}
	if err := o.validateLoadSize(); err != nil {
		return err
	}
	if o.SimilarTo < -1 {
		return fmt.Errorf("--similar_to must be a frame index or -1, got %d", o.SimilarTo)
	}
	if o.SimilarLimit <= 0 {
		return fmt.Errorf("--similar_limit must be positive, got %d", o.SimilarLimit)
	}
	switch o.Catalog {
	case "json", "none":
	case "postgres":
		if o.DatabaseURL == "" {
			return fmt.Errorf("--catalog postgres needs --database_url or $%s", DatabaseURLEnv)
		}
	default:
		return fmt.Errorf("unknown --catalog %q", o.Catalog)
	}
	return nil
}

func (o *Options) validateLoadSize() error {
	if o.LoadWidth < 0 || o.LoadHeight < 0 {
		return fmt.Errorf("load size must not be negative, got %dx%d", o.LoadWidth, o.LoadHeight)
	}
	return nil
}

// ParseDatasetMeta fills the load size from <dataroot>/meta.json when the
// flags were left at zero. A missing file is not an error.
func (o *Options) ParseDatasetMeta() error {
	path := filepath.Join(o.Dataroot, "meta.json")
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read dataset meta: %w", err)
	}

	var meta DatasetMeta
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("failed to parse dataset meta %s: %w", path, err)
	}
	if o.LoadWidth == 0 {
		o.LoadWidth = meta.Width
	}
	if o.LoadHeight == 0 {
		o.LoadHeight = meta.Height
	}
	if err := o.validateLoadSize(); err != nil {
		return fmt.Errorf("dataset meta %s: %w", path, err)
	}
	return nil
}

// ForceTestOverrides hard-codes the parameters inference supports:
// a single loader thread, batches of one, no shuffling and no live display.
func (o *Options) ForceTestOverrides() {
	o.NumThreads = 0
	o.BatchSize = 1
	o.SerialBatches = true
	o.DisplayID = -1
}

// WebDir is the report directory, <results_dir>/<name>/<phase>_<epoch>.
func (o *Options) WebDir() string {
	return filepath.Join(o.ResultsDir, o.Name, fmt.Sprintf("%s_%s", o.Phase, o.Epoch))
}

// Title identifies the run on the report page.
func (o *Options) Title() string {
	return fmt.Sprintf("Experiment = %s, Phase = %s, Epoch = %s", o.Name, o.Phase, o.Epoch)
}
