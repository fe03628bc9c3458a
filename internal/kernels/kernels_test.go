package kernels

import (
	"image"
	"image/color"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func checkerboard(size int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if (x/4+y/4)%2 == 0 {
				img.SetGray(x, y, color.Gray{Y: 220})
			} else {
				img.SetGray(x, y, color.Gray{Y: 20})
			}
		}
	}
	return img
}

func TestRunFallsBackWhenRealNotEnabled(t *testing.T) {
	reg := NewRegistry(false)
	mask, err := reg.Run(TissueMask, checkerboard(16))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 16, 16), mask.Bounds())
}

func TestRunUsesRealKernelWhenEnabled(t *testing.T) {
	reg := NewRegistry(true)
	mask, err := reg.Run(SegmentCells, checkerboard(16))
	require.NoError(t, err)
	assert.NotNil(t, mask)
}

func TestRunUnknownJobType(t *testing.T) {
	reg := NewRegistry(false)
	_, err := reg.Run(JobType("NOT_A_TYPE"), checkerboard(8))
	assert.Error(t, err)
}

func TestOtsuThresholdSeparatesBimodalHistogram(t *testing.T) {
	gray := checkerboard(32)
	thresh, err := otsuThreshold(gray)
	require.NoError(t, err)
	// thresholdMask lights pixels strictly above the threshold, so any value
	// in [20, 220) splits the two modes; the first maximum found is 20.
	assert.GreaterOrEqual(t, thresh, 20)
	assert.Less(t, thresh, 220)
}

func TestThresholdMaskIsBinary(t *testing.T) {
	gray := checkerboard(16)
	mask := thresholdMask(gray, 128, true)
	b := mask.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			v := mask.GrayAt(x, y).Y
			assert.True(t, v == 0 || v == 255)
		}
	}
}

func TestSegmentCellsFallbackDeterministic(t *testing.T) {
	gray := checkerboard(16)
	m1, err1 := segmentCellsFallback(gray)
	m2, err2 := segmentCellsFallback(gray)
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, m1.Pix, m2.Pix)
}
