package visualizer

import (
	"bytes"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"os/exec"
	"strconv"
)

// FFmpeg encodes frames by piping PNGs into an ffmpeg process.
type FFmpeg struct {
	Binary    string
	FrameRate int
	Logger    *slog.Logger
}

func NewFFmpeg(binary string, logger *slog.Logger) *FFmpeg {
	if binary == "" {
		binary = "ffmpeg"
	}
	return &FFmpeg{Binary: binary, FrameRate: 10, Logger: logger}
}

// Args returns the ffmpeg command line used to write path.
func (f *FFmpeg) Args(path string) []string {
	return []string{
		"-y",
		"-loglevel", "error",
		"-f", "image2pipe",
		"-framerate", strconv.Itoa(f.FrameRate),
		"-i", "-",
		"-vf", "pad=ceil(iw/2)*2:ceil(ih/2)*2",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
		path,
	}
}

func (f *FFmpeg) Encode(path string, frames []image.Image) error {
	cmd := exec.Command(f.Binary, f.Args(path)...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start %s: %w", f.Binary, err)
	}

	var writeErr error
	for i, frame := range frames {
		if err := png.Encode(stdin, frame); err != nil {
			writeErr = fmt.Errorf("failed to pipe frame %d: %w", i, err)
			break
		}
	}
	stdin.Close()

	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg failed: %v\nOutput: %s", err, stderr.String())
	}
	if writeErr != nil {
		return writeErr
	}

	if f.Logger != nil {
		f.Logger.Debug("wrote video", "path", path, "frames", len(frames))
	}
	return nil
}
