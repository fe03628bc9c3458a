// Package kernels supplies the per-tile compute functions the executor
// dispatches by job type: deterministic, single-tile functions mapping a
// source region to a grayscale mask. A production deployment would plug in
// a real segmentation model behind this same interface; this package ships
// the deterministic fallback that the feature flag in configuration can
// also select outright, and a slightly sharper "real kernel" variant that
// still runs without any external model dependency.
package kernels

import (
	"fmt"
	"image"
	"image/color"
)

// Kernel computes a grayscale mask for one tile. A nil mask with a nil
// error means the kernel declined to produce a mask for this tile (treated
// the same as a per-tile error by the executor: skip the artifact, keep
// going).
type Kernel func(tile image.Image) (*image.Gray, error)

// Registry dispatches a Kernel by job type.
type Registry struct {
	real     bool
	kernels  map[string]Kernel
	fallback map[string]Kernel
}

// JobType mirrors models.JobType without importing internal/models, so
// this package stays a leaf with no dependency on job state.
type JobType string

const (
	SegmentCells JobType = "SEGMENT_CELLS"
	TissueMask   JobType = "TISSUE_MASK"
)

// NewRegistry builds the dispatch table. useReal selects the Otsu-threshold
// kernels over the flat mean-threshold fallback; both are
// deterministic and have no external model dependency.
func NewRegistry(useReal bool) *Registry {
	return &Registry{
		real: useReal,
		kernels: map[string]Kernel{
			string(SegmentCells): segmentCellsReal,
			string(TissueMask):   tissueMaskOtsu,
		},
		fallback: map[string]Kernel{
			string(SegmentCells): segmentCellsFallback,
			string(TissueMask):   tissueMaskFallback,
		},
	}
}

// Run dispatches to the registered kernel for jobType, preferring the real
// variant when the registry was built with useReal, and always falling
// back to the deterministic variant if the real kernel errors - a per-tile
// kernel failure must never fail the job.
func (r *Registry) Run(jobType JobType, tile image.Image) (*image.Gray, error) {
	fallback, ok := r.fallback[string(jobType)]
	if !ok {
		return nil, fmt.Errorf("no kernel registered for job type %q", jobType)
	}

	if r.real {
		if real, ok := r.kernels[string(jobType)]; ok {
			if mask, err := real(tile); err == nil {
				return mask, nil
			}
		}
	}

	return fallback(tile)
}

func toGray(tile image.Image) *image.Gray {
	if g, ok := tile.(*image.Gray); ok {
		return g
	}
	b := tile.Bounds()
	gray := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			gray.Set(x, y, tile.At(x, y))
		}
	}
	return gray
}

func meanLuminance(gray *image.Gray) float64 {
	b := gray.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return 0
	}
	var sum int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := gray.Pix[(y-b.Min.Y)*gray.Stride : (y-b.Min.Y)*gray.Stride+b.Dx()]
		for _, v := range row {
			sum += int(v)
		}
	}
	return float64(sum) / float64(b.Dx()*b.Dy())
}

func thresholdMask(gray *image.Gray, threshold float64, above bool) *image.Gray {
	b := gray.Bounds()
	mask := image.NewGray(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := float64(gray.GrayAt(x, y).Y)
			lit := v > threshold
			if !above {
				lit = !lit
			}
			if lit {
				mask.SetGray(x, y, color.Gray{Y: 255})
			} else {
				mask.SetGray(x, y, color.Gray{Y: 0})
			}
		}
	}
	return mask
}

// segmentCellsFallback thresholds on mean luminance: pixels brighter than
// the tile mean are treated as foreground (cell) signal.
func segmentCellsFallback(tile image.Image) (*image.Gray, error) {
	gray := toGray(tile)
	mean := meanLuminance(gray)
	return thresholdMask(gray, mean, true), nil
}

// tissueMaskFallback thresholds on mean luminance: pixels darker than the
// mean are treated as tissue (tissue tends to absorb more light than
// background in a brightfield scan).
func tissueMaskFallback(tile image.Image) (*image.Gray, error) {
	gray := toGray(tile)
	mean := meanLuminance(gray)
	return thresholdMask(gray, mean, false), nil
}

// tissueMaskOtsu computes Otsu's threshold from the tile's gray-level
// histogram and splits foreground/background there, instead of the flat
// mean used by the fallback.
func tissueMaskOtsu(tile image.Image) (*image.Gray, error) {
	gray := toGray(tile)
	t, err := otsuThreshold(gray)
	if err != nil {
		return nil, err
	}
	return thresholdMask(gray, float64(t), false), nil
}

// segmentCellsReal uses Otsu's threshold too, but keeps the
// brighter-than-threshold convention of the cell-segmentation kernel.
func segmentCellsReal(tile image.Image) (*image.Gray, error) {
	gray := toGray(tile)
	t, err := otsuThreshold(gray)
	if err != nil {
		return nil, err
	}
	return thresholdMask(gray, float64(t), true), nil
}

// otsuThreshold finds the gray level in [0,255] minimizing intra-class
// variance (maximizing inter-class variance) over the tile's histogram.
func otsuThreshold(gray *image.Gray) (int, error) {
	b := gray.Bounds()
	total := b.Dx() * b.Dy()
	if total == 0 {
		return 0, fmt.Errorf("cannot threshold an empty tile")
	}

	var hist [256]int
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := gray.Pix[(y-b.Min.Y)*gray.Stride : (y-b.Min.Y)*gray.Stride+b.Dx()]
		for _, v := range row {
			hist[v]++
		}
	}

	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i * c)
	}

	var sumB, wB float64
	var best float64
	bestThresh := 0

	for t := 0; t < 256; t++ {
		wB += float64(hist[t])
		if wB == 0 {
			continue
		}
		wF := float64(total) - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		meanB := sumB / wB
		meanF := (sumAll - sumB) / wF
		between := wB * wF * (meanB - meanF) * (meanB - meanF)
		if between > best {
			best = between
			bestThresh = t
		}
	}

	return bestThresh, nil
}
