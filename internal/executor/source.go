package executor

import (
	"fmt"
	"image"
	stddraw "image/draw"
	_ "image/jpeg"
	_ "image/png"
	"os"

	_ "golang.org/x/image/tiff"
)

// source wraps a fully-decoded image with the tiling entry points the
// executor needs. A tiled whole-slide reader would satisfy the same shape
// without decoding the full image up front; stdlib's decoders (plus tiff,
// common for microscopy scans) cover every format this core needs to open
// transparently to the tiling logic above it.
type source struct {
	img    image.Image
	width  int
	height int
}

func openSource(path string) (*source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open source image: %w", err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode source image: %w", err)
	}

	b := img.Bounds()
	return &source{img: img, width: b.Dx(), height: b.Dy()}, nil
}

// region extracts the image data for one tile.
func (s *source) region(t tile) image.Image {
	b := s.img.Bounds()
	rect := image.Rect(b.Min.X+t.X, b.Min.Y+t.Y, b.Min.X+t.X+t.W, b.Min.Y+t.Y+t.H)

	if sub, ok := s.img.(interface {
		SubImage(r image.Rectangle) image.Image
	}); ok {
		return sub.SubImage(rect)
	}

	cropped := image.NewRGBA(image.Rect(0, 0, t.W, t.H))
	stddraw.Draw(cropped, cropped.Bounds(), s.img, rect.Min, stddraw.Src)
	return cropped
}
