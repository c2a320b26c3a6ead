package chart

import (
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
)

// ErrBadImage marks an unreadable or wrongly sized chart file.
var ErrBadImage = errors.New("chart: bad image")

// SavePNG writes img to path through a temp file and rename.
func SavePNG(path string, img image.Image) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create image dir: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*.png")
	if err != nil {
		return fmt.Errorf("failed to create temp image: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := png.Encode(tmp, img); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode png: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadTensor decodes a PNG at path into a channel-major [3*size*size] tensor
// scaled to [0,1]. The image must be exactly size×size.
func LoadTensor(path string, size int) ([]float64, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrBadImage, path, err)
	}
	return ToTensor(img, size)
}

// ToTensor converts img to a channel-major [3*size*size] tensor in [0,1].
func ToTensor(img image.Image, size int) ([]float64, error) {
	b := img.Bounds()
	if b.Dx() != size || b.Dy() != size {
		return nil, fmt.Errorf("%w: got %dx%d, want %dx%d", ErrBadImage, b.Dx(), b.Dy(), size, size)
	}
	plane := size * size
	out := make([]float64, 3*plane)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			i := y*size + x
			out[i] = float64(r>>8) / 255
			out[plane+i] = float64(g>>8) / 255
			out[2*plane+i] = float64(bl>>8) / 255
		}
	}
	return out, nil
}

// Validate reports whether path holds a fully decodable size×size PNG.
func Validate(path string, size int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadImage, err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrBadImage, path, err)
	}
	if b := img.Bounds(); b.Dx() != size || b.Dy() != size {
		return fmt.Errorf("%w: got %dx%d, want %dx%d", ErrBadImage, b.Dx(), b.Dy(), size, size)
	}
	return nil
}
