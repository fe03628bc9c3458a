package executor

import (
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brightloom/tilesched/internal/common"
	"github.com/brightloom/tilesched/internal/kernels"
	"github.com/brightloom/tilesched/internal/models"
	"github.com/brightloom/tilesched/internal/store"
	"github.com/brightloom/tilesched/internal/workerpool"
)

func writeTestImage(t *testing.T, dir string, w, h int) string {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := uint8(0)
			if (x/32+y/32)%2 == 0 {
				v = 220
			}
			img.Set(x, y, color.RGBA{R: v, G: v, B: v, A: 255})
		}
	}
	path := filepath.Join(dir, "source.png")
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
	return path
}

func newTestExecutor(t *testing.T, tileSize, overlap int) (*Executor, *store.JobStore, *store.FileStore, string) {
	t.Helper()
	dataDir := t.TempDir()
	jobs := store.NewJobStore()
	files, err := store.NewFileStore(dataDir)
	require.NoError(t, err)

	imgPath := writeTestImage(t, t.TempDir(), 300, 200)
	f, err := os.Open(imgPath)
	require.NoError(t, err)
	defer f.Close()
	uploaded, err := files.SaveUpload("u1", "source.png", "image/png", f)
	require.NoError(t, err)

	reg := kernels.NewRegistry(false)
	pool := workerpool.New(2, common.GetLogger())
	t.Cleanup(pool.Stop)

	exec := New(jobs, files, reg, pool, tileSize, overlap, 2048, common.GetLogger())
	return exec, jobs, files, uploaded.ID
}

func TestRunProducesManifestOnSuccess(t *testing.T) {
	exec, jobs, _, fileID := newTestExecutor(t, 64, 8)
	job := jobs.Create("wf1", "u1", fileID, models.TissueMask, "")

	exec.Run(context.Background(), job.ID)

	got, ok := jobs.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.JobSucceeded, got.State)
	assert.Equal(t, 1.0, got.Progress)
	assert.Equal(t, got.TilesTotal, got.TilesProcessed)
	require.NotEmpty(t, got.ResultPath)

	data, err := os.ReadFile(got.ResultPath)
	require.NoError(t, err)

	var manifest models.Manifest
	require.NoError(t, json.Unmarshal(data, &manifest))
	assert.Equal(t, job.ID, manifest.JobID)
	assert.Equal(t, models.TissueMask, manifest.JobType)
	assert.NotEmpty(t, manifest.Tiles)
	assert.FileExists(t, manifest.Preview)
}

func TestRunTileCountMatchesEnumeration(t *testing.T) {
	exec, jobs, _, fileID := newTestExecutor(t, 100, 20)
	job := jobs.Create("wf1", "u1", fileID, models.SegmentCells, "")

	exec.Run(context.Background(), job.ID)

	got, ok := jobs.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.JobSucceeded, got.State)

	expected := len(iterTiles(300, 200, 100, 20))
	assert.Equal(t, expected, got.TilesTotal)
}

func TestRunFailsWhenSourceFileMissing(t *testing.T) {
	dataDir := t.TempDir()
	jobs := store.NewJobStore()
	files, err := store.NewFileStore(dataDir)
	require.NoError(t, err)

	reg := kernels.NewRegistry(false)
	pool := workerpool.New(1, common.GetLogger())
	t.Cleanup(pool.Stop)
	exec := New(jobs, files, reg, pool, 64, 8, 2048, common.GetLogger())

	job := jobs.Create("wf1", "u1", "does-not-exist", models.TissueMask, "")
	exec.Run(context.Background(), job.ID)

	got, ok := jobs.Get(job.ID)
	require.True(t, ok)
	assert.Equal(t, models.JobFailed, got.State)
	assert.Empty(t, got.ResultPath)
}

func TestIterTilesMatchesSpecExample(t *testing.T) {
	tiles := iterTiles(2048, 1024, 1024, 64)
	require.Len(t, tiles, 6)

	var coords [][2]int
	for _, tl := range tiles {
		coords = append(coords, [2]int{tl.X, tl.Y})
	}
	assert.Equal(t, [][2]int{
		{0, 0}, {960, 0}, {1920, 0},
		{0, 960}, {960, 960}, {1920, 960},
	}, coords)
}
