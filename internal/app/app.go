// Package app wires every component of the scheduler into a single
// dependency graph: the in-memory stores, the admission scheduler, the tile
// executor, the event publisher, and the HTTP handlers that sit in front of
// them all.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/brightloom/tilesched/internal/branchlock"
	"github.com/brightloom/tilesched/internal/common"
	"github.com/brightloom/tilesched/internal/events"
	"github.com/brightloom/tilesched/internal/executor"
	"github.com/brightloom/tilesched/internal/handlers"
	"github.com/brightloom/tilesched/internal/kernels"
	"github.com/brightloom/tilesched/internal/models"
	"github.com/brightloom/tilesched/internal/scheduler"
	"github.com/brightloom/tilesched/internal/store"
	"github.com/brightloom/tilesched/internal/store/badgerstore"
	"github.com/brightloom/tilesched/internal/workerpool"
)

// App holds every component the server needs to serve a request.
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	Jobs      *store.JobStore
	Workflows *store.WorkflowStore
	Files     *store.FileStore

	BranchLocks *branchlock.Table
	Kernels     *kernels.Registry
	Pool        *workerpool.Pool
	Executor    *executor.Executor
	Scheduler   *scheduler.Scheduler
	Publisher   *events.Publisher

	FileHandler     *handlers.FileHandler
	WorkflowHandler *handlers.WorkflowHandler
	JobHandler      *handlers.JobHandler
	APIHandler      *handlers.APIHandler
	AdminWSHandler  *events.AdminWSHandler

	badgerDB     *badgerstore.DB
	snapshotter  *badgerstore.Snapshotter
	cancelSnaps  context.CancelFunc
}

// New builds the full dependency graph described by cfg.
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	a := &App{
		Config: cfg,
		Logger: logger,
	}

	a.Jobs = store.NewJobStore()
	a.Workflows = store.NewWorkflowStore(a.Jobs)

	files, err := store.NewFileStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize file store: %w", err)
	}
	a.Files = files

	if cfg.Storage.Badger.Enabled {
		if err := a.initBadger(); err != nil {
			return nil, fmt.Errorf("failed to initialize snapshot store: %w", err)
		}
	}

	a.BranchLocks = branchlock.New(logger)
	a.Kernels = kernels.NewRegistry(cfg.Tiling.EnableRealKernel)
	a.Pool = workerpool.New(cfg.Scheduler.MaxWorkers, logger)
	a.Executor = executor.New(a.Jobs, a.Files, a.Kernels, a.Pool, cfg.Tiling.TileSize, cfg.Tiling.TileOverlap, cfg.Tiling.PreviewMaxDim, logger)
	a.Scheduler = scheduler.New(a.Jobs, a.BranchLocks, a.Executor, cfg.Scheduler.MaxWorkers, cfg.Scheduler.MaxActiveUsers, logger)

	if err := a.Scheduler.StartBranchLockSweep(cfg.Scheduler.BranchLockSweep, cfg.QueueStatusWindowDuration()); err != nil {
		logger.Warn().Err(err).Msg("Failed to start branch lock sweep")
	}

	a.Publisher = events.New(a.Jobs, a.Workflows, events.DefaultPollInterval, logger)

	a.FileHandler = handlers.NewFileHandler(a.Files, logger)
	a.WorkflowHandler = handlers.NewWorkflowHandler(a.Workflows, a.Publisher, logger)
	a.JobHandler = handlers.NewJobHandler(a.Jobs, a.Workflows, a.Files, a.Scheduler, a.Publisher, logger)
	a.APIHandler = handlers.NewAPIHandler()

	a.AdminWSHandler = events.NewAdminWSHandler(a.Scheduler, 2*time.Second, logger)
	a.AdminWSHandler.Start()

	if a.snapshotter != nil {
		a.startSnapshotLoop()
	}

	logger.Info().
		Int("max_workers", cfg.Scheduler.MaxWorkers).
		Int("max_active_users", cfg.Scheduler.MaxActiveUsers).
		Bool("real_kernel", cfg.Tiling.EnableRealKernel).
		Bool("badger_enabled", cfg.Storage.Badger.Enabled).
		Msg("Application initialized")

	return a, nil
}

// initBadger opens the snapshot database and replays any prior state into
// the in-memory stores before the server starts serving requests.
func (a *App) initBadger() error {
	db, err := badgerstore.Open(a.Config.Storage.Badger, a.Logger)
	if err != nil {
		return err
	}
	a.badgerDB = db
	a.snapshotter = badgerstore.NewSnapshotter(db)

	workflows, err := a.snapshotter.LoadWorkflows()
	if err != nil {
		return fmt.Errorf("failed to replay workflows: %w", err)
	}
	for _, wf := range workflows {
		a.Workflows.Restore(wf)
	}

	files, err := a.snapshotter.LoadFiles()
	if err != nil {
		return fmt.Errorf("failed to replay files: %w", err)
	}
	for _, f := range files {
		a.Files.Restore(f)
	}

	jobs, err := a.snapshotter.LoadJobs()
	if err != nil {
		return fmt.Errorf("failed to replay jobs: %w", err)
	}
	for _, j := range jobs {
		// A job that was RUNNING when the process last exited never
		// finished - it has no live executor goroutine anymore, so it
		// is replayed as FAILED rather than silently stuck.
		if j.State == models.JobRunning {
			j.State = models.JobFailed
		}
		a.Jobs.Restore(j)
	}

	a.Logger.Info().
		Int("workflows", len(workflows)).
		Int("files", len(files)).
		Int("jobs", len(jobs)).
		Msg("Replayed snapshot state from badger")

	return nil
}

// startSnapshotLoop periodically persists every job, workflow, and file to
// the badger snapshot store. A fixed-interval sweep is simpler than hooking
// every store mutation and is sufficient for a crash-recovery snapshot: the
// worst case on an unclean shutdown is losing up to one interval's worth of
// progress updates, not losing job identity or terminal results.
func (a *App) startSnapshotLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	a.cancelSnaps = cancel

	common.SafeGoWithContext(ctx, a.Logger, "snapshotLoop", func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.persistSnapshot()
			}
		}
	})
}

func (a *App) persistSnapshot() {
	for _, j := range a.Jobs.ListAll() {
		if err := a.snapshotter.PersistJob(j); err != nil {
			a.Logger.Warn().Err(err).Str("job_id", j.ID).Msg("Failed to persist job snapshot")
		}
	}
	for _, wf := range a.Workflows.ListAll() {
		if err := a.snapshotter.PersistWorkflow(wf.ID, wf.OwnerID, wf.Name); err != nil {
			a.Logger.Warn().Err(err).Str("workflow_id", wf.ID).Msg("Failed to persist workflow snapshot")
		}
	}
	for _, f := range a.Files.ListAll() {
		if err := a.snapshotter.PersistFile(f); err != nil {
			a.Logger.Warn().Err(err).Str("file_id", f.ID).Msg("Failed to persist file snapshot")
		}
	}
}

// Close releases every background resource the app started.
func (a *App) Close() error {
	if a.cancelSnaps != nil {
		a.cancelSnaps()
	}
	if a.AdminWSHandler != nil {
		a.AdminWSHandler.Stop()
	}
	if a.Scheduler != nil {
		a.Scheduler.StopBranchLockSweep()
	}
	if a.Pool != nil {
		a.Pool.Stop()
	}

	if a.snapshotter != nil {
		a.persistSnapshot()
	}
	if a.badgerDB != nil {
		if err := a.badgerDB.Close(); err != nil {
			return fmt.Errorf("failed to close snapshot database: %w", err)
		}
	}

	return nil
}
