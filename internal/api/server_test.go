package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"optiplan-pipeline/internal/config"
	"optiplan-pipeline/internal/gate"
	"optiplan-pipeline/internal/models"
	"optiplan-pipeline/internal/store"
	"optiplan-pipeline/internal/tracking"
	"optiplan-pipeline/internal/worker"
)

type apiFixture struct {
	store   *store.Memory
	breaker *worker.Breaker
	handler http.Handler
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()
	m := store.NewMemory()
	m.AddAccount(models.CRMAccount{ID: "ACC-1", Name: "Yilmaz Mobilya", PhoneNormal: "5321112233"})

	rules := config.Rules{
		DefaultPlate:    config.PlateSize{WidthMM: 2100, HeightMM: 2800},
		TrimByThickness: map[int]float64{18: 10, 8: 5},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	breaker := worker.NewBreaker()
	tracker := tracking.New(t.TempDir(), logger)

	srv := New(m, gate.New(m, rules), nil, breaker, tracker, logger)
	return &apiFixture{store: m, breaker: breaker, handler: srv.Router()}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func createBody(orderID string) map[string]any {
	return map[string]any{
		"order": map[string]any{
			"order_id":          orderID,
			"customer_ref":      "ACC-1",
			"customer_name":     "Yilmaz Mobilya",
			"customer_phone":    "05321112233",
			"plate_w_mm":        2100,
			"plate_h_mm":        2800,
			"body_thickness_mm": 18,
			"material":          "BEYAZ",
			"parts": []map[string]any{
				{"group": "GOVDE", "length_mm": 600, "width_mm": 400, "quantity": 2, "u1": "1mm", "k1": true},
			},
		},
		"user_id": "operator-1",
	}
}

func decodeJob(t *testing.T, rec *httptest.ResponseRecorder) models.Job {
	t.Helper()
	var job models.Job
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&job))
	return job
}

func decodeErrorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	return resp.Error.Code
}

func TestCreateJobPassesGate(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/jobs", createBody("SIP-1"))

	require.Equal(t, http.StatusCreated, rec.Code)
	job := decodeJob(t, rec)
	require.Equal(t, models.StateOptiImported, job.State)
	require.Equal(t, models.ModeC, job.Mode, "mode defaults to C")
	require.Len(t, job.PayloadHash, 16)
}

func TestCreateJobPersistsDefaultPlate(t *testing.T) {
	f := newAPIFixture(t)
	body := createBody("SIP-1")
	order := body["order"].(map[string]any)
	delete(order, "plate_w_mm")
	delete(order, "plate_h_mm")

	rec := f.do(t, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusCreated, rec.Code)
	job := decodeJob(t, rec)
	require.Equal(t, models.StateOptiImported, job.State)

	// The stored payload, not just the audit detail, carries the filled
	// default plate so the receipt prices against it.
	stored, err := f.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	require.Equal(t, 2100.0, stored.Order.PlateWidthMM)
	require.Equal(t, 2800.0, stored.Order.PlateHeightMM)
}

func TestCreateJobUnknownCustomerGoesToHold(t *testing.T) {
	f := newAPIFixture(t)
	body := createBody("SIP-1")
	order := body["order"].(map[string]any)
	order["customer_ref"] = "ACC-GONE"
	order["customer_phone"] = "05550000000"

	rec := f.do(t, http.MethodPost, "/jobs", body)

	require.Equal(t, http.StatusCreated, rec.Code)
	job := decodeJob(t, rec)
	require.Equal(t, models.StateHold, job.State)
	require.NotNil(t, job.ErrorCode)
	require.Equal(t, models.ErrCRMNoMatch, *job.ErrorCode)
}

func TestCreateJobDuplicatePayload(t *testing.T) {
	f := newAPIFixture(t)
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/jobs", createBody("SIP-1")).Code)

	rec := f.do(t, http.MethodPost, "/jobs", createBody("SIP-1"))
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Equal(t, "E_DUPLICATE_JOB", decodeErrorCode(t, rec))

	// A changed payload for the same order is a new job.
	body := createBody("SIP-1")
	body["opti_mode"] = "A"
	require.Equal(t, http.StatusCreated, f.do(t, http.MethodPost, "/jobs", body).Code)
}

func TestCreateJobValidation(t *testing.T) {
	f := newAPIFixture(t)

	body := createBody("SIP-1")
	body["opti_mode"] = "Z"
	rec := f.do(t, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	body = createBody("")
	rec = f.do(t, http.MethodPost, "/jobs", body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetAndListJobs(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeJob(t, f.do(t, http.MethodPost, "/jobs", createBody("SIP-1")))

	rec := f.do(t, http.MethodGet, "/jobs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, created.ID, decodeJob(t, rec).ID)

	rec = f.do(t, http.MethodGet, "/jobs/nope", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/jobs?state=OPTI_IMPORTED", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []models.Job `json:"jobs"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&list))
	require.Len(t, list.Jobs, 1)

	rec = f.do(t, http.MethodGet, "/jobs?state=NONSENSE", nil)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelJob(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeJob(t, f.do(t, http.MethodPost, "/jobs", createBody("SIP-1")))

	rec := f.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeJob(t, rec)
	require.Equal(t, models.StateFailed, job.State)
	require.Equal(t, models.ErrCancelled, *job.ErrorCode)

	// Terminal jobs cannot be cancelled twice.
	rec = f.do(t, http.MethodPost, "/jobs/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestRetryJob(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeJob(t, f.do(t, http.MethodPost, "/jobs", createBody("SIP-1")))

	// Simulate a transient collector failure.
	_, err := f.store.ApplyTransition(context.Background(), created.ID, models.StateOptiImported, store.Change{
		To:  models.StateFailed,
		Err: models.NewError(models.ErrOptiXMLTimeout, "no xml"),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/jobs/"+created.ID+"/retry", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeJob(t, rec)
	require.Equal(t, models.StateOptiImported, job.State, "retry re-runs the gate")
	require.Equal(t, 1, job.RetryCount)
	require.Nil(t, job.ErrorCode)
}

func TestRetryRejectsPermanentFailure(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeJob(t, f.do(t, http.MethodPost, "/jobs", createBody("SIP-1")))

	_, err := f.store.ApplyTransition(context.Background(), created.ID, models.StateOptiImported, store.Change{
		To:  models.StateFailed,
		Err: models.NewError(models.ErrXMLInvalid, "broken export"),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/jobs/"+created.ID+"/retry", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestApproveHeldJob(t *testing.T) {
	f := newAPIFixture(t)
	body := createBody("SIP-1")
	order := body["order"].(map[string]any)
	order["customer_ref"] = "ACC-2"
	order["customer_phone"] = "05339998877"
	created := decodeJob(t, f.do(t, http.MethodPost, "/jobs", body))
	require.Equal(t, models.StateHold, created.State)

	// Operator fixes the CRM record, then approves.
	f.store.AddAccount(models.CRMAccount{ID: "ACC-2", Name: "Demir Dekor", PhoneNormal: "5339998877"})

	rec := f.do(t, http.MethodPost, "/jobs/"+created.ID+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	job := decodeJob(t, rec)
	require.Equal(t, models.StateOptiImported, job.State)
	require.Nil(t, job.ErrorCode)

	// Approve only applies to HOLD.
	rec = f.do(t, http.MethodPost, "/jobs/"+created.ID+"/approve", nil)
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestJobEvents(t *testing.T) {
	f := newAPIFixture(t)
	created := decodeJob(t, f.do(t, http.MethodPost, "/jobs", createBody("SIP-1")))

	rec := f.do(t, http.MethodGet, "/jobs/"+created.ID+"/events", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp struct {
		Events []models.AuditEvent `json:"events"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	// created + validation passed
	require.Len(t, resp.Events, 2)
	require.Equal(t, models.StateOptiImported, resp.Events[1].ToState)
}

func TestBreakerReset(t *testing.T) {
	f := newAPIFixture(t)
	for i := 0; i < worker.BreakerThreshold; i++ {
		f.breaker.Failure()
	}
	require.True(t, f.breaker.Open())

	rec := f.do(t, http.MethodPost, "/breaker/reset", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	require.False(t, f.breaker.Open())
}

func TestHealthz(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodGet, "/healthz", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}
