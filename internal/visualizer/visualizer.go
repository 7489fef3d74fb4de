// Package visualizer turns visual result sets into files referenced by a
// report page.
package visualizer

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"

	"github.com/nfnt/resize"

	"github.com/Brownie44l1/lnr-test/internal/visuals"
)

// Page is the part of the report the visualizer writes to.
type Page interface {
	ImageDir() string
	VideoDir() string
	AddHeader(text string)
	AddImages(ims, txts, links []string, width int) error
	AddVideos(vids, txts, links []string, width int) error
}

// ToImage converts one frame of shape [C, H, W] (leading axis of length 1 is
// allowed) with values in [-1, 1]. Four channels keep their alpha, three are
// opaque and one gives a grayscale image.
func ToImage(t visuals.Tensor) (image.Image, error) {
	shape := t.Shape
	if len(shape) == 4 && shape[0] == 1 {
		shape = shape[1:]
	}
	if len(shape) != 3 {
		return nil, fmt.Errorf("cannot convert tensor of shape %v to an image", t.Shape)
	}
	c, h, w := shape[0], shape[1], shape[2]
	plane := h * w
	rect := image.Rect(0, 0, w, h)

	switch c {
	case 1:
		img := image.NewGray(rect)
		for i := 0; i < plane; i++ {
			img.Pix[i] = to8(t.Data[i])
		}
		return img, nil
	case 3, 4:
		img := image.NewNRGBA(rect)
		for i := 0; i < plane; i++ {
			img.Pix[4*i] = to8(t.Data[i])
			img.Pix[4*i+1] = to8(t.Data[plane+i])
			img.Pix[4*i+2] = to8(t.Data[2*plane+i])
			if c == 4 {
				img.Pix[4*i+3] = to8(t.Data[3*plane+i])
			} else {
				img.Pix[4*i+3] = 255
			}
		}
		return img, nil
	}
	return nil, fmt.Errorf("unsupported channel count %d", c)
}

func to8(v float32) uint8 {
	x := (v + 1) / 2 * 255
	if x <= 0 {
		return 0
	}
	if x >= 255 {
		return 255
	}
	return uint8(x + 0.5)
}

// Frames converts every entry along the leading axis.
func Frames(t visuals.Tensor) ([]image.Image, error) {
	frames := make([]image.Image, t.Len())
	for i := range frames {
		img, err := ToImage(t.Frame(i))
		if err != nil {
			return nil, err
		}
		frames[i] = img
	}
	return frames, nil
}

// stretch applies the display aspect ratio: > 1 widens, < 1 heightens.
func stretch(img image.Image, aspectRatio float64) image.Image {
	if aspectRatio == 1 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if aspectRatio > 1 {
		w = int(float64(w) * aspectRatio)
	} else {
		h = int(float64(h) / aspectRatio)
	}
	return resize.Resize(uint(w), uint(h), img, resize.Bilinear)
}

func savePNG(path string, img image.Image) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create image file: %w", err)
	}
	defer file.Close()

	if err := png.Encode(file, img); err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	return file.Close()
}

// SaveImages writes every channel of set as images/<name>_<label>.png, where
// name is the base name of the first image path, and adds them to the page
// under a header with that name.
func SaveImages(page Page, set *visuals.Set, imagePaths []string, aspectRatio float64, width int) error {
	if len(imagePaths) == 0 {
		return fmt.Errorf("no image path to name the saved images")
	}
	base := filepath.Base(imagePaths[0])
	name := strings.TrimSuffix(base, filepath.Ext(base))

	page.AddHeader(name)

	var ims, txts, links []string
	for _, label := range set.Keys() {
		t, _ := set.Get(label)
		img, err := ToImage(t.Frame(0))
		if err != nil {
			return fmt.Errorf("channel %s: %w", label, err)
		}

		imageName := fmt.Sprintf("%s_%s.png", name, label)
		if err := savePNG(filepath.Join(page.ImageDir(), imageName), stretch(img, aspectRatio)); err != nil {
			return err
		}

		rel := filepath.ToSlash(filepath.Join(filepath.Base(page.ImageDir()), imageName))
		ims = append(ims, rel)
		txts = append(txts, label)
		links = append(links, rel)
	}
	return page.AddImages(ims, txts, links, width)
}

// Encoder writes a sequence of frames as a video file.
type Encoder interface {
	Encode(path string, frames []image.Image) error
}

// SaveVideos writes each channel of set as videos/<label>.mp4 and adds them to
// the page as one row.
func SaveVideos(page Page, set *visuals.Set, width int, enc Encoder) error {
	var vids, txts, links []string
	for _, label := range set.Keys() {
		t, _ := set.Get(label)
		frames, err := Frames(t)
		if err != nil {
			return fmt.Errorf("channel %s: %w", label, err)
		}
		if len(frames) == 0 {
			return fmt.Errorf("channel %s has no frames", label)
		}
		if _, ok := frames[0].(*image.Gray); ok {
			frames = expandGray(frames)
		}

		videoName := label + ".mp4"
		if err := enc.Encode(filepath.Join(page.VideoDir(), videoName), frames); err != nil {
			return fmt.Errorf("failed to write video %s: %w", videoName, err)
		}

		rel := filepath.ToSlash(filepath.Join(filepath.Base(page.VideoDir()), videoName))
		vids = append(vids, rel)
		txts = append(txts, label)
		links = append(links, rel)
	}
	return page.AddVideos(vids, txts, links, width)
}

// expandGray turns mask frames into RGB so every video uses one pixel format.
func expandGray(frames []image.Image) []image.Image {
	out := make([]image.Image, len(frames))
	for i, f := range frames {
		b := f.Bounds()
		rgb := image.NewNRGBA(b)
		for y := b.Min.Y; y < b.Max.Y; y++ {
			for x := b.Min.X; x < b.Max.X; x++ {
				rgb.Set(x, y, color.NRGBAModel.Convert(f.At(x, y)))
			}
		}
		out[i] = rgb
	}
	return out
}
