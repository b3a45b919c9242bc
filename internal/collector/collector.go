// Package collector watches the optimizer export folder and the machine drop
// folder, promoting jobs through XML_READY, DELIVERED, and DONE.
package collector

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"optiplan-pipeline/internal/models"
	"optiplan-pipeline/internal/solution"
	"optiplan-pipeline/internal/store"
	"optiplan-pipeline/internal/telemetry"
	"optiplan-pipeline/internal/tracking"
)

// Machine drop subfolders; the whole ACK contract with the CNC line.
const (
	InboxDir     = "inbox"
	ProcessedDir = "processed"
	FailedDir    = "failed"
)

// Archiver uploads terminal job artifacts; best-effort.
type Archiver interface {
	ArchiveJob(ctx context.Context, job models.Job)
}

// ReceiptCreator emits the production receipt once a solution is known.
type ReceiptCreator interface {
	CreateProduction(ctx context.Context, job models.Job) (models.Receipt, error)
}

// Collector runs the two reconciliation phases every tick.
type Collector struct {
	store    store.Store
	tracker  *tracking.Service
	receipts ReceiptCreator
	archiver Archiver
	log      *slog.Logger

	exportDir      string
	machineDropDir string
	xmlTimeout     time.Duration
	ackTimeout     time.Duration
	interval       time.Duration

	now func() time.Time
}

func New(st store.Store, tracker *tracking.Service, receipts ReceiptCreator, archiver Archiver,
	log *slog.Logger, exportDir, machineDropDir string, xmlTimeout, ackTimeout, interval time.Duration) *Collector {
	return &Collector{
		store:          st,
		tracker:        tracker,
		receipts:       receipts,
		archiver:       archiver,
		log:            log,
		exportDir:      exportDir,
		machineDropDir: machineDropDir,
		xmlTimeout:     xmlTimeout,
		ackTimeout:     ackTimeout,
		interval:       interval,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// SetNow injects a clock for timeout boundary tests.
func (c *Collector) SetNow(now func() time.Time) { c.now = now }

// EnsureLayout creates the machine drop subfolders.
func (c *Collector) EnsureLayout() error {
	for _, sub := range []string{InboxDir, ProcessedDir, FailedDir} {
		if err := os.MkdirAll(filepath.Join(c.machineDropDir, sub), 0o755); err != nil {
			return fmt.Errorf("create machine drop dir %s: %w", sub, err)
		}
	}
	if err := os.MkdirAll(c.exportDir, 0o755); err != nil {
		return fmt.Errorf("create export dir: %w", err)
	}
	return nil
}

// Run executes ticks until context cancellation.
func (c *Collector) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick processes every eligible job: phase A promotes on XML arrival, phase B
// reconciles machine ACKs. Ticks never return errors.
func (c *Collector) Tick(ctx context.Context) {
	c.collectXML(ctx)
	c.reconcileACKs(ctx)
}

func (c *Collector) collectXML(ctx context.Context) {
	jobs, err := c.store.JobsInStates(ctx, models.StateOptiImported, models.StateOptiRunning, models.StateOptiDone)
	if err != nil {
		c.log.Error("collector query failed", "error", err)
		return
	}
	for _, job := range jobs {
		c.collectOne(ctx, job)
	}
}

func (c *Collector) collectOne(ctx context.Context, job models.Job) {
	ref := c.referenceInstant(ctx, job)
	elapsed := c.now().Sub(ref)
	if elapsed > c.xmlTimeout {
		telemetry.CollectorTimeouts.Inc()
		c.fail(ctx, job, models.NewError(models.ErrOptiXMLTimeout,
			"no solution XML after %s", elapsed.Truncate(time.Second)))
		return
	}

	xmlPath, found := c.findSolutionXML(job, ref)
	if !found {
		return
	}

	summary, err := solution.Parse(xmlPath)
	if err != nil {
		quarantined, qerr := solution.Quarantine(xmlPath)
		if qerr != nil {
			c.log.Warn("quarantine failed", "path", xmlPath, "error", qerr)
			quarantined = xmlPath
		}
		c.fail(ctx, job, models.NewError(models.ErrXMLInvalid, "invalid solution xml %s: %v", filepath.Base(xmlPath), err))
		c.log.Info("solution xml quarantined", "job_id", job.ID, "path", quarantined)
		return
	}

	job, err = c.store.ApplyTransition(ctx, job.ID, job.State, store.Change{
		To:       models.StateXMLReady,
		Message:  "solution XML collected",
		XMLPath:  &xmlPath,
		Solution: &summary,
		Detail:   map[string]any{"mq_boards": summary.MQBoards, "total_solutions": summary.TotalSolutions},
	})
	if err != nil {
		c.log.Warn("promotion to XML_READY rejected", "job_id", job.ID, "error", err)
		return
	}
	telemetry.CollectorPromotions.Inc()
	c.tracker.Mirror(job, "solution collected")

	if c.receipts != nil {
		if _, err := c.receipts.CreateProduction(ctx, job); err != nil {
			c.log.Warn("production receipt failed", "job_id", job.ID, "error", err)
		}
	}

	c.deliver(ctx, job, xmlPath)
}

// deliver copies the XML atomically into the machine inbox, promotes to
// DELIVERED and removes the export file.
func (c *Collector) deliver(ctx context.Context, job models.Job, xmlPath string) {
	name := filepath.Base(xmlPath)
	if err := copyAtomic(xmlPath, filepath.Join(c.machineDropDir, InboxDir), name); err != nil {
		c.log.Error("inbox copy failed", "job_id", job.ID, "error", err)
		c.fail(ctx, job, models.NewError(models.ErrLocalProcessing, "deliver to machine inbox: %v", err))
		return
	}

	job, err := c.store.ApplyTransition(ctx, job.ID, models.StateXMLReady, store.Change{
		To:      models.StateDelivered,
		Message: "solution delivered to machine inbox as " + name,
	})
	if err != nil {
		c.log.Warn("promotion to DELIVERED rejected", "job_id", job.ID, "error", err)
		return
	}
	if err := os.Remove(xmlPath); err != nil && !os.IsNotExist(err) {
		c.log.Warn("export cleanup failed", "path", xmlPath, "error", err)
	}
	c.tracker.Mirror(job, "delivered to machine")
}

func (c *Collector) reconcileACKs(ctx context.Context) {
	jobs, err := c.store.JobsInStates(ctx, models.StateDelivered)
	if err != nil {
		c.log.Error("collector ack query failed", "error", err)
		return
	}
	for _, job := range jobs {
		c.reconcileOne(ctx, job)
	}
}

func (c *Collector) reconcileOne(ctx context.Context, job models.Job) {
	if job.XMLPath == nil {
		c.fail(ctx, job, models.NewError(models.ErrLocalProcessing, "delivered job has no solution file recorded"))
		return
	}
	name := filepath.Base(*job.XMLPath)

	// failed/ wins when both ACK folders contain the file.
	if fileExists(filepath.Join(c.machineDropDir, FailedDir, name)) {
		c.fail(ctx, job, models.NewError(models.ErrOSIAckFailed, "machine rejected %s", name))
		return
	}
	if fileExists(filepath.Join(c.machineDropDir, ProcessedDir, name)) {
		done, err := c.store.ApplyTransition(ctx, job.ID, models.StateDelivered, store.Change{
			To:      models.StateDone,
			Message: "machine processed " + name,
		})
		if err != nil {
			c.log.Warn("promotion to DONE rejected", "job_id", job.ID, "error", err)
			return
		}
		c.tracker.Mirror(done, "cut completed")
		c.archive(ctx, done)
		return
	}

	deliveredAt, ok, err := c.store.EnteredStateAt(ctx, job.ID, models.StateDelivered)
	if err != nil || !ok {
		deliveredAt = job.UpdatedAt
	}
	if elapsed := c.now().Sub(deliveredAt); elapsed > c.ackTimeout {
		telemetry.CollectorTimeouts.Inc()
		c.fail(ctx, job, models.NewError(models.ErrOSIAckTimeout,
			"no machine ACK for %s after %s", name, elapsed.Truncate(time.Second)))
	}
}

func (c *Collector) fail(ctx context.Context, job models.Job, perr *models.PipelineError) {
	failed, err := c.store.ApplyTransition(ctx, job.ID, job.State, store.Change{
		To:      models.StateFailed,
		Message: perr.Message,
		Err:     perr,
	})
	if err != nil {
		c.log.Warn("fail transition rejected", "job_id", job.ID, "code", perr.Code, "error", err)
		return
	}
	c.log.Info("job failed", "job_id", job.ID, "code", perr.Code)
	c.tracker.Mirror(failed, perr.Message)
	c.archive(ctx, failed)
}

func (c *Collector) archive(ctx context.Context, job models.Job) {
	if c.archiver != nil {
		c.archiver.ArchiveJob(ctx, job)
	}
}

// referenceInstant is the timeout baseline: when the job entered
// OPTI_RUNNING, falling back to OPTI_IMPORTED and then creation time.
func (c *Collector) referenceInstant(ctx context.Context, job models.Job) time.Time {
	for _, s := range []models.State{models.StateOptiRunning, models.StateOptiImported} {
		if ts, ok, err := c.store.EnteredStateAt(ctx, job.ID, s); err == nil && ok {
			return ts
		}
	}
	return job.CreatedAt
}

// findSolutionXML scans the export folder for a new .xml whose name starts
// with the job's id prefix or whose mtime is after the reference instant.
func (c *Collector) findSolutionXML(job models.Job, ref time.Time) (string, bool) {
	entries, err := os.ReadDir(c.exportDir)
	if err != nil {
		c.log.Warn("export dir read failed", "dir", c.exportDir, "error", err)
		return "", false
	}
	prefix := job.ID
	if len(prefix) > 8 {
		prefix = prefix[:8]
	}
	for _, e := range entries {
		if e.IsDir() || !strings.EqualFold(filepath.Ext(e.Name()), ".xml") {
			continue
		}
		if strings.HasPrefix(e.Name(), prefix) {
			return filepath.Join(c.exportDir, e.Name()), true
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(ref) {
			return filepath.Join(c.exportDir, e.Name()), true
		}
	}
	return "", false
}

// copyAtomic writes dstDir/name.tmp then renames to dstDir/name so the
// machine never observes a partial file.
func copyAtomic(src, dstDir, name string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open source: %w", err)
	}
	defer in.Close()

	tmp := filepath.Join(dstDir, name+".tmp")
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return fmt.Errorf("copy: %w", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("flush temp file: %w", err)
	}
	if err := os.Rename(tmp, filepath.Join(dstDir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("finalize inbox file: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
