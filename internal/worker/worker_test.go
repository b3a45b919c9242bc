package worker

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"optiplan-pipeline/internal/models"
	"optiplan-pipeline/internal/store"
	"optiplan-pipeline/internal/tracking"
	"optiplan-pipeline/internal/xlsxgen"
)

type fakeDriver struct {
	supported bool
	result    DriveResult
	calls     int
}

func (d *fakeDriver) Supported() bool { return d.supported }

func (d *fakeDriver) Drive(context.Context, string, time.Duration) DriveResult {
	d.calls++
	return d.result
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type workerFixture struct {
	store   *store.Memory
	breaker *Breaker
	driver  *fakeDriver
	worker  *Worker
}

func newFixture(t *testing.T, driver *fakeDriver) *workerFixture {
	t.Helper()
	m := store.NewMemory()
	templatePath := filepath.Join(t.TempDir(), "sablon.xlsx")
	require.NoError(t, xlsxgen.WriteTemplate(templatePath))
	renderer := xlsxgen.New(templatePath, map[int]float64{18: 10, 8: 5})
	breaker := NewBreaker()
	tracker := tracking.New(t.TempDir(), discardLogger())
	w := New(m, renderer, driver, breaker, tracker, discardLogger(),
		t.TempDir(), time.Minute, time.Second)
	return &workerFixture{store: m, breaker: breaker, driver: driver, worker: w}
}

func (f *workerFixture) addImportedJob(t *testing.T, id string) {
	t.Helper()
	ctx := context.Background()
	job := models.Job{
		ID:          id,
		OrderID:     "SIP-" + id,
		Mode:        models.ModeC,
		PayloadHash: "hash-" + id,
		Order: models.Order{
			OrderID:         "SIP-" + id,
			CustomerName:    "Yilmaz Mobilya",
			CustomerPhone:   "05321112233",
			PlateWidthMM:    2100,
			PlateHeightMM:   2800,
			BodyThicknessMM: 18,
			Material:        "BEYAZ",
			Parts: []models.Part{
				{Group: models.GroupBody, LengthMM: 600, WidthMM: 400, Quantity: 2},
			},
		},
	}
	_, err := f.store.CreateJob(ctx, job)
	require.NoError(t, err)
	_, err = f.store.ApplyTransition(ctx, id, models.StateNew, store.Change{To: models.StateOptiImported})
	require.NoError(t, err)
}

func (f *workerFixture) jobState(t *testing.T, id string) models.Job {
	t.Helper()
	job, err := f.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestTickDrivesOptimizer(t *testing.T) {
	f := newFixture(t, &fakeDriver{supported: true, result: DriveResult{Status: DriveOK}})
	f.addImportedJob(t, "j1")

	f.worker.Tick(context.Background())

	job := f.jobState(t, "j1")
	require.Equal(t, models.StateOptiDone, job.State)
	require.NotNil(t, job.XLSXPath)
	require.Equal(t, 1, f.driver.calls)
	require.False(t, f.breaker.Open())
}

func TestTickWithoutDriverLeavesManualStep(t *testing.T) {
	f := newFixture(t, &fakeDriver{supported: false})
	f.addImportedJob(t, "j1")

	f.worker.Tick(context.Background())

	job := f.jobState(t, "j1")
	require.Equal(t, models.StateOptiDone, job.State)
	require.NotNil(t, job.XLSXPath)
	require.Zero(t, f.driver.calls, "unsupported driver must never be invoked")
	require.Nil(t, job.ErrorCode)
}

func TestTickEnvUnsupportedHoldsJob(t *testing.T) {
	f := newFixture(t, &fakeDriver{
		supported: true,
		result:    DriveResult{Status: DriveEnvUnsupported, Output: "pywinauto missing"},
	})
	f.addImportedJob(t, "j1")

	f.worker.Tick(context.Background())

	job := f.jobState(t, "j1")
	require.Equal(t, models.StateHold, job.State)
	require.NotNil(t, job.ErrorCode)
	require.Equal(t, models.ErrWorkerEnvUnsupported, *job.ErrorCode)
	require.False(t, f.breaker.Open(), "environment problems do not charge the breaker")
}

func TestTickFailureChargesBreaker(t *testing.T) {
	f := newFixture(t, &fakeDriver{
		supported: true,
		result:    DriveResult{Status: DriveError, Output: "window not found"},
	})

	for i := 0; i < BreakerThreshold; i++ {
		id := string(rune('a' + i))
		f.addImportedJob(t, id)
		f.worker.Tick(context.Background())

		job := f.jobState(t, id)
		require.Equal(t, models.StateFailed, job.State)
		require.Equal(t, models.ErrLocalProcessing, *job.ErrorCode)
	}
	require.True(t, f.breaker.Open())

	// Open breaker: the next imported job is left untouched.
	f.addImportedJob(t, "parked")
	f.worker.Tick(context.Background())
	require.Equal(t, models.StateOptiImported, f.jobState(t, "parked").State)
}

func TestTickRenderFailureIsPermanent(t *testing.T) {
	f := newFixture(t, &fakeDriver{supported: true, result: DriveResult{Status: DriveOK}})
	f.addImportedJob(t, "j1")

	// 18 mm trim rule removed after job intake.
	f.worker.renderer.Trims = map[int]float64{8: 5}
	f.worker.Tick(context.Background())

	job := f.jobState(t, "j1")
	require.Equal(t, models.StateFailed, job.State)
	require.Equal(t, models.ErrTrimRuleMissing, *job.ErrorCode)
	require.Equal(t, models.ClassPermanent, *job.ErrorClass)
	require.Zero(t, f.driver.calls)
}

func TestTickFailsJobWithoutRenderableParts(t *testing.T) {
	f := newFixture(t, &fakeDriver{supported: true, result: DriveResult{Status: DriveOK}})
	ctx := context.Background()
	job := models.Job{
		ID:          "j1",
		OrderID:     "SIP-j1",
		Mode:        models.ModeC,
		PayloadHash: "hash-j1",
		Order: models.Order{
			OrderID:         "SIP-j1",
			CustomerName:    "Yilmaz Mobilya",
			PlateWidthMM:    2100,
			PlateHeightMM:   2800,
			BodyThicknessMM: 18,
			Material:        "BEYAZ",
			Parts: []models.Part{
				{Group: "KAPAK", LengthMM: 700, WidthMM: 400, Quantity: 1},
			},
		},
	}
	_, err := f.store.CreateJob(ctx, job)
	require.NoError(t, err)
	_, err = f.store.ApplyTransition(ctx, "j1", models.StateNew, store.Change{To: models.StateOptiImported})
	require.NoError(t, err)

	f.worker.Tick(ctx)

	got := f.jobState(t, "j1")
	require.Equal(t, models.StateFailed, got.State)
	require.Equal(t, models.ErrNoParts, *got.ErrorCode)
	require.Equal(t, models.ClassPermanent, *got.ErrorClass)
	require.Zero(t, f.driver.calls)
}

func TestTickSkipsWhenAnotherJobRuns(t *testing.T) {
	f := newFixture(t, &fakeDriver{supported: true, result: DriveResult{Status: DriveOK}})
	f.addImportedJob(t, "j1")
	f.addImportedJob(t, "j2")

	ctx := context.Background()
	require.NoError(t, f.store.ClaimForOptimize(ctx, "j2"))

	f.worker.Tick(ctx)

	require.Equal(t, models.StateOptiImported, f.jobState(t, "j1").State)
	require.Zero(t, f.driver.calls)
}

func TestBreaker(t *testing.T) {
	b := NewBreaker()
	b.Failure()
	b.Failure()
	require.False(t, b.Open())

	// Success clears the streak before the threshold.
	b.Success()
	b.Failure()
	b.Failure()
	require.False(t, b.Open())

	b.Failure()
	require.True(t, b.Open())

	// Success does not close an open breaker.
	b.Success()
	require.True(t, b.Open())

	b.Reset()
	require.False(t, b.Open())
}
