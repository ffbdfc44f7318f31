package dataset

import (
	"bytes"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"math"

	"github.com/pkg/errors"
)

// ExtractFeatures decodes an image and samples a grid×grid grayscale
// intensity map in [0,1], row-major.
func ExtractFeatures(raw []byte, grid int) ([]float64, error) {
	if grid <= 0 {
		return nil, errors.Errorf("feature grid must be > 0 (got %d)", grid)
	}
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, errors.Wrap(err, "decode image")
	}
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width == 0 || height == 0 {
		return nil, errors.New("empty image")
	}
	features := make([]float64, grid*grid)
	stepX := float64(width) / float64(grid)
	stepY := float64(height) / float64(grid)
	for gy := 0; gy < grid; gy++ {
		for gx := 0; gx < grid; gx++ {
			px := bounds.Min.X + int(math.Min(float64(width-1), float64(gx)*stepX))
			py := bounds.Min.Y + int(math.Min(float64(height-1), float64(gy)*stepY))
			r, g, b, _ := img.At(px, py).RGBA()
			features[gy*grid+gx] = (float64(r) + float64(g) + float64(b)) / (3 * 65535.0)
		}
	}
	return features, nil
}
