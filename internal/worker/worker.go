// Package worker claims imported jobs, renders the optimizer import file, and
// drives the external optimizer one job at a time.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"optiplan-pipeline/internal/models"
	"optiplan-pipeline/internal/store"
	"optiplan-pipeline/internal/telemetry"
	"optiplan-pipeline/internal/tracking"
	"optiplan-pipeline/internal/xlsxgen"
)

// Worker is the single-writer loop against the GUI optimizer.
type Worker struct {
	store    store.Store
	renderer *xlsxgen.Renderer
	driver   Driver
	breaker  *Breaker
	tracker  *tracking.Service
	log      *slog.Logger

	importDir string
	timeout   time.Duration
	interval  time.Duration
}

func New(st store.Store, renderer *xlsxgen.Renderer, driver Driver, breaker *Breaker,
	tracker *tracking.Service, log *slog.Logger, importDir string, timeout, interval time.Duration) *Worker {
	return &Worker{
		store:     st,
		renderer:  renderer,
		driver:    driver,
		breaker:   breaker,
		tracker:   tracker,
		log:       log,
		importDir: importDir,
		timeout:   timeout,
		interval:  interval,
	}
}

// Run executes ticks until context cancellation. Ticks never overlap.
func (w *Worker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick processes at most one OPTI_IMPORTED job. It never returns an error:
// unexpected failures are converted into job transitions and log lines.
func (w *Worker) Tick(ctx context.Context) {
	telemetry.WorkerTicks.Inc()

	if w.breaker.Open() {
		return
	}

	job, found, err := w.store.OldestInState(ctx, models.StateOptiImported)
	if err != nil {
		w.log.Error("worker pick failed", "error", err)
		return
	}
	if !found {
		return
	}

	if err := w.store.ClaimForOptimize(ctx, job.ID); err != nil {
		if errors.Is(err, store.ErrClaimConflict) || errors.Is(err, store.ErrStateConflict) {
			return
		}
		w.log.Error("worker claim failed", "job_id", job.ID, "error", err)
		return
	}
	w.log.Info("job claimed", "job_id", job.ID, "order_id", job.OrderID)

	files, err := w.renderer.Render(job.Order, w.importDir)
	if err != nil {
		w.failJob(ctx, job.ID, renderError(err))
		return
	}
	xlsxPath := files[0].Path
	filePaths := make([]string, len(files))
	for i, f := range files {
		filePaths[i] = f.Path
	}

	if !w.driver.Supported() {
		w.finish(ctx, job.ID, store.Change{
			To:       models.StateOptiDone,
			Message:  "import file ready; no GUI automation on this host, operator finishes the optimization by hand",
			XLSXPath: &xlsxPath,
			Detail:   map[string]any{"files": filePaths, "manual": true},
		})
		return
	}

	res := w.driver.Drive(ctx, xlsxPath, w.timeout)
	switch res.Status {
	case DriveOK:
		w.finish(ctx, job.ID, store.Change{
			To:       models.StateOptiDone,
			Message:  "optimizer accepted import file",
			XLSXPath: &xlsxPath,
			Detail:   map[string]any{"files": filePaths},
		})
		w.breaker.Success()
	case DriveEnvUnsupported:
		w.finish(ctx, job.ID, store.Change{
			To:       models.StateHold,
			Message:  "optimizer automation environment unsupported",
			Err:      models.NewError(models.ErrWorkerEnvUnsupported, "%s", res.Output),
			XLSXPath: &xlsxPath,
		})
	default:
		perr := models.NewError(models.ErrLocalProcessing, "%s", res.Output)
		telemetry.WorkerFailures.Inc()
		w.finish(ctx, job.ID, store.Change{
			To:       models.StateFailed,
			Message:  "optimizer run failed",
			Err:      perr,
			XLSXPath: &xlsxPath,
		})
		w.breaker.Failure()
	}
}

// failJob marks a claimed job FAILED after a local processing error and
// charges the breaker.
func (w *Worker) failJob(ctx context.Context, jobID string, perr *models.PipelineError) {
	telemetry.WorkerFailures.Inc()
	w.finish(ctx, jobID, store.Change{
		To:      models.StateFailed,
		Message: "local processing failed",
		Err:     perr,
	})
	w.breaker.Failure()
}

func (w *Worker) finish(ctx context.Context, jobID string, ch store.Change) {
	job, err := w.store.ApplyTransition(ctx, jobID, models.StateOptiRunning, ch)
	if err != nil {
		// Cancel observed lazily: the job may already be FAILED.
		w.log.Warn("worker transition rejected", "job_id", jobID, "to", ch.To, "error", err)
		return
	}
	w.log.Info("worker transition", "job_id", jobID, "state", job.State)
	w.tracker.Mirror(job, ch.Message)
}

// renderError keeps classified renderer errors and downgrades everything else
// to E_LOCAL_PROCESSING.
func renderError(err error) *models.PipelineError {
	var perr *models.PipelineError
	if errors.As(err, &perr) {
		return perr
	}
	return models.NewError(models.ErrLocalProcessing, "render import file: %v", err)
}
