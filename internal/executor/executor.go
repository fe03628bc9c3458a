// Package executor drives a single job from RUNNING to a terminal state:
// it enumerates tiles over the job's source image, offloads each tile's
// kernel invocation to a bounded worker pool, reports progress after every
// tile, and on success composites a translucent preview and writes the
// manifest that indexes every produced artifact.
package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/png"
	"os"
	"path/filepath"

	xdraw "golang.org/x/image/draw"

	"github.com/ternarybob/arbor"

	"github.com/brightloom/tilesched/internal/kernels"
	"github.com/brightloom/tilesched/internal/models"
	"github.com/brightloom/tilesched/internal/workerpool"
)

// JobProvider is the slice of JobStore the executor needs: reading the job
// under execution and mutating its progress/state/result fields. Only the
// executor assigned to a job is expected to call these mutators.
type JobProvider interface {
	Get(jobID string) (models.Job, bool)
	UpdateState(jobID string, state models.JobState) (models.Job, bool)
	SetProgress(jobID string, progress float64, tilesProcessed, tilesTotal int) (models.Job, bool)
	SetResultPath(jobID, path string) (models.Job, bool)
}

// FileLocator resolves a job's source file and output directory. It is the
// external FileStore collaborator, specified here only by interface.
type FileLocator interface {
	GetDiskPath(fileID string) (string, bool)
	GetJobDir(jobID string) (string, error)
}

// Executor runs jobs to completion.
type Executor struct {
	jobs    JobProvider
	files   FileLocator
	kernels *kernels.Registry
	pool    *workerpool.Pool
	logger  arbor.ILogger

	tileSize      int
	tileOverlap   int
	previewMaxDim int
}

// New builds an Executor. tileSize/tileOverlap/previewMaxDim come from
// configuration; the kernel registry and worker pool are shared across all
// jobs the process runs.
func New(jobs JobProvider, files FileLocator, reg *kernels.Registry, pool *workerpool.Pool, tileSize, tileOverlap, previewMaxDim int, logger arbor.ILogger) *Executor {
	return &Executor{
		jobs:          jobs,
		files:         files,
		kernels:       reg,
		pool:          pool,
		logger:        logger,
		tileSize:      tileSize,
		tileOverlap:   tileOverlap,
		previewMaxDim: previewMaxDim,
	}
}

// Run executes jobID to a terminal state. It never returns an error - every
// failure path is absorbed into the job's FAILED transition and error.json
// artifact, per the executor's failure contract.
func (e *Executor) Run(ctx context.Context, jobID string) {
	e.jobs.UpdateState(jobID, models.JobRunning)

	job, ok := e.jobs.Get(jobID)
	if !ok {
		return
	}

	srcPath, ok := e.files.GetDiskPath(job.FileID)
	if !ok {
		e.fail(jobID, "", fmt.Errorf("source file %s not found", job.FileID))
		return
	}

	jobDir, err := e.files.GetJobDir(jobID)
	if err != nil {
		e.fail(jobID, "", fmt.Errorf("failed to allocate job directory: %w", err))
		return
	}

	manifest, err := e.process(ctx, job, srcPath, jobDir)
	if err != nil {
		e.fail(jobID, jobDir, err)
		return
	}

	manifestPath := filepath.Join(jobDir, "manifest.json")
	data, err := json.Marshal(manifest)
	if err != nil {
		e.fail(jobID, jobDir, fmt.Errorf("failed to marshal manifest: %w", err))
		return
	}
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		e.fail(jobID, jobDir, fmt.Errorf("failed to write manifest: %w", err))
		return
	}

	e.jobs.SetResultPath(jobID, manifestPath)
	e.jobs.UpdateState(jobID, models.JobSucceeded)
}

// fail writes error.json (when a job directory exists) and transitions the
// job to FAILED. When the failure happened before a job directory was
// allocated (jobDir is empty), no error artifact is written and the result
// path stays unset.
func (e *Executor) fail(jobID, jobDir string, cause error) {
	e.logger.Error().Err(cause).Str("job_id", jobID).Msg("Job execution failed")

	if jobDir != "" {
		errPath := filepath.Join(jobDir, "error.json")
		data, marshalErr := json.Marshal(models.ErrorArtifact{Error: cause.Error()})
		if marshalErr == nil {
			if writeErr := os.WriteFile(errPath, data, 0644); writeErr == nil {
				e.jobs.SetResultPath(jobID, errPath)
			} else {
				e.logger.Warn().Err(writeErr).Str("job_id", jobID).Msg("Failed to write error artifact")
			}
		}
	}

	e.jobs.UpdateState(jobID, models.JobFailed)
}

// process runs the tile loop and preview build, returning the manifest to
// write on success.
func (e *Executor) process(ctx context.Context, job models.Job, srcPath, jobDir string) (models.Manifest, error) {
	src, err := openSource(srcPath)
	if err != nil {
		return models.Manifest{}, err
	}

	tiles := iterTiles(src.width, src.height, e.tileSize, e.tileOverlap)
	total := len(tiles)

	coords := make([]models.TileCoord, 0, total)
	var artifacts []string
	masks := make(map[tile]*image.Gray, total)
	jobType := kernels.JobType(job.Type)

	for i, t := range tiles {
		region := src.region(t)

		var mask *image.Gray
		submitErr := e.pool.Submit(ctx, func() error {
			m, kernelErr := e.kernels.Run(jobType, region)
			if kernelErr != nil {
				return kernelErr
			}
			mask = m
			return nil
		})
		if submitErr != nil {
			e.logger.Warn().Err(submitErr).Int("x", t.X).Int("y", t.Y).Str("job_id", job.ID).Msg("Per-tile kernel failed, skipping this tile's artifact")
			mask = nil
		}

		if mask != nil {
			maskPath := filepath.Join(jobDir, fmt.Sprintf("mask_%d_%d.png", t.X, t.Y))
			if err := writePNG(maskPath, mask); err != nil {
				e.logger.Warn().Err(err).Str("path", maskPath).Msg("Failed to write tile mask artifact")
			} else {
				artifacts = append(artifacts, maskPath)
				masks[t] = mask
			}
		}

		coords = append(coords, models.TileCoord{X: t.X, Y: t.Y})
		e.jobs.SetProgress(job.ID, float64(i+1)/float64(maxInt(total, 1)), i+1, total)
	}

	previewPath := filepath.Join(jobDir, "preview.png")
	if err := e.buildPreview(src.width, src.height, tiles, masks, overlayColorFor(job.Type), previewPath); err != nil {
		return models.Manifest{}, fmt.Errorf("failed to build preview: %w", err)
	}

	return models.Manifest{
		JobID:      job.ID,
		JobType:    job.Type,
		SourceFile: srcPath,
		Tiles:      coords,
		Artifacts:  artifacts,
		Preview:    previewPath,
		TileSize:   e.tileSize,
		Overlap:    e.tileOverlap,
		Note:       noteFor(job.Type),
	}, nil
}

// buildPreview composites a translucent, job-type-colored overlay of every
// tile mask onto a single canvas scaled so its longest side is at most
// previewMaxDim.
func (e *Executor) buildPreview(width, height int, tiles []tile, masks map[tile]*image.Gray, overlay color.RGBA, outPath string) error {
	scale := 1.0
	if m := maxInt(width, height); m > e.previewMaxDim && m > 0 {
		scale = float64(e.previewMaxDim) / float64(m)
	}
	previewW := maxInt(1, int(float64(width)*scale))
	previewH := maxInt(1, int(float64(height)*scale))

	preview := image.NewRGBA(image.Rect(0, 0, previewW, previewH))
	overlaySrc := image.NewUniform(overlay)

	for _, t := range tiles {
		mask, ok := masks[t]
		if !ok {
			continue
		}

		scaledW := maxInt(1, int(float64(t.W)*scale))
		scaledH := maxInt(1, int(float64(t.H)*scale))
		scaledMask := image.NewGray(image.Rect(0, 0, scaledW, scaledH))
		xdraw.ApproxBiLinear.Scale(scaledMask, scaledMask.Bounds(), mask, mask.Bounds(), xdraw.Src, nil)

		alphaMask := toAlphaMask(scaledMask)

		dstX := int(float64(t.X) * scale)
		dstY := int(float64(t.Y) * scale)
		dstRect := image.Rect(dstX, dstY, dstX+scaledW, dstY+scaledH)

		draw.DrawMask(preview, dstRect, overlaySrc, image.Point{}, alphaMask, image.Point{}, draw.Over)
	}

	return writePNG(outPath, preview)
}

// toAlphaMask reinterprets a grayscale mask's luminance as alpha, matching
// the convention the kernel fallback/real functions both produce: 255 is
// fully-painted foreground, 0 is untouched background.
func toAlphaMask(gray *image.Gray) *image.Alpha {
	b := gray.Bounds()
	alpha := image.NewAlpha(b)
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			alpha.SetAlpha(x, y, color.Alpha{A: gray.GrayAt(x, y).Y})
		}
	}
	return alpha
}

func writePNG(path string, img image.Image) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return png.Encode(f, img)
}

func overlayColorFor(t models.JobType) color.RGBA {
	switch t {
	case models.SegmentCells:
		return color.RGBA{R: 255, G: 0, B: 0, A: 120}
	case models.TissueMask:
		return color.RGBA{R: 0, G: 255, B: 0, A: 120}
	default:
		return color.RGBA{R: 128, G: 128, B: 128, A: 120}
	}
}

func noteFor(t models.JobType) string {
	switch t {
	case models.SegmentCells:
		return "Cell segmentation mask generated per tile."
	case models.TissueMask:
		return "Tissue mask generated via threshold per tile."
	default:
		return ""
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
