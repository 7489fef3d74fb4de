package dataset

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/nfnt/resize"
)

// Item is one frame ready for the model.
type Item struct {
	Index  int
	Path   string
	Width  int
	Height int
	// Input is planar RGB in [-1, 1], laid out as 3 x Height x Width.
	Input []float32
}

// Config selects the frames and how they are loaded.
type Config struct {
	Dataroot      string
	Width         int
	Height        int
	SerialBatches bool
	Seed          int64
}

// Dataset walks the frames of a video directory one at a time.
type Dataset struct {
	cfg    Config
	frames []string
	next   int
	logger *slog.Logger
}

// New lists the frames under <dataroot>/rgb, or <dataroot> itself when there
// is no rgb subdirectory.
func New(cfg Config, logger *slog.Logger) (*Dataset, error) {
	if cfg.Width < 0 || cfg.Height < 0 {
		return nil, fmt.Errorf("load size must not be negative, got %dx%d", cfg.Width, cfg.Height)
	}

	dir := filepath.Join(cfg.Dataroot, "rgb")
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		dir = cfg.Dataroot
	}

	files, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read frames directory '%s': %w", dir, err)
	}

	var frames []string
	for _, file := range files {
		if !file.IsDir() && isImage(file.Name()) {
			frames = append(frames, filepath.Join(dir, file.Name()))
		}
	}
	if len(frames) == 0 {
		return nil, fmt.Errorf("no frames found in directory '%s'", dir)
	}
	sort.Strings(frames)

	if !cfg.SerialBatches {
		rng := rand.New(rand.NewSource(cfg.Seed))
		rng.Shuffle(len(frames), func(i, j int) { frames[i], frames[j] = frames[j], frames[i] })
	}

	logger.Info("dataset created", "dir", dir, "frames", len(frames), "serial", cfg.SerialBatches)

	return &Dataset{cfg: cfg, frames: frames, logger: logger}, nil
}

func isImage(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".png", ".jpg", ".jpeg":
		return true
	}
	return false
}

// Len is the number of frames in the dataset.
func (d *Dataset) Len() int {
	return len(d.frames)
}

// Paths returns the frame paths in iteration order.
func (d *Dataset) Paths() []string {
	return append([]string(nil), d.frames...)
}

// Next loads the next frame. ok is false once every frame has been returned.
func (d *Dataset) Next() (item Item, ok bool, err error) {
	if d.next >= len(d.frames) {
		return Item{}, false, nil
	}
	path := d.frames[d.next]
	index := d.next
	d.next++

	img, err := decode(path)
	if err != nil {
		return Item{}, false, err
	}

	input, w, h, err := Preprocess(img, d.cfg.Width, d.cfg.Height)
	if err != nil {
		return Item{}, false, fmt.Errorf("frame %s: %w", path, err)
	}
	d.logger.Debug("loaded frame", "index", index, "path", path, "width", w, "height", h)

	return Item{Index: index, Path: path, Width: w, Height: h, Input: input}, true, nil
}

func decode(path string) (image.Image, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open frame: %w", err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame %s: %w", path, err)
	}
	return img, nil
}

// Preprocess resizes img to width x height (a zero dimension keeps the source
// size) and converts it to planar RGB scaled to [-1, 1].
func Preprocess(img image.Image, width, height int) ([]float32, int, int, error) {
	if width < 0 || height < 0 {
		return nil, 0, 0, fmt.Errorf("cannot resize to %dx%d", width, height)
	}
	bounds := img.Bounds()
	if width == 0 {
		width = bounds.Dx()
	}
	if height == 0 {
		height = bounds.Dy()
	}
	if width != bounds.Dx() || height != bounds.Dy() {
		img = resize.Resize(uint(width), uint(height), img, resize.Lanczos3)
		bounds = img.Bounds()
	}

	plane := width * height
	input := make([]float32, 3*plane)

	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			r, g, b, _ := img.At(bounds.Min.X+x, bounds.Min.Y+y).RGBA()

			i := y*width + x
			input[i] = float32(r)/65535.0*2 - 1
			input[plane+i] = float32(g)/65535.0*2 - 1
			input[2*plane+i] = float32(b)/65535.0*2 - 1
		}
	}

	return input, width, height, nil
}
