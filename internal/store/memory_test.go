package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"optiplan-pipeline/internal/models"
)

func newJob(id, orderID, hash string) models.Job {
	return models.Job{
		ID:          id,
		OrderID:     orderID,
		Mode:        models.ModeC,
		PayloadHash: hash,
		Order:       models.Order{OrderID: orderID},
	}
}

func mustCreate(t *testing.T, m *Memory, job models.Job) models.Job {
	t.Helper()
	created, err := m.CreateJob(context.Background(), job)
	if err != nil {
		t.Fatalf("create job %s: %v", job.ID, err)
	}
	return created
}

func mustTransition(t *testing.T, m *Memory, id string, from models.State, ch Change) models.Job {
	t.Helper()
	job, err := m.ApplyTransition(context.Background(), id, from, ch)
	if err != nil {
		t.Fatalf("transition %s %s -> %s: %v", id, from, ch.To, err)
	}
	return job
}

func TestCreateJobRejectsActiveDuplicate(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	mustCreate(t, m, newJob("j1", "SIP-1", "hash-a"))

	if _, err := m.CreateJob(ctx, newJob("j2", "SIP-1", "hash-a")); !errors.Is(err, ErrDuplicateJob) {
		t.Fatalf("duplicate active payload must be rejected, got %v", err)
	}

	// A different payload for the same order is fine.
	mustCreate(t, m, newJob("j3", "SIP-1", "hash-b"))
}

func TestCreateJobAllowsDuplicateAfterTerminal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	mustCreate(t, m, newJob("j1", "SIP-1", "hash-a"))
	mustTransition(t, m, "j1", models.StateNew, Change{
		To:  models.StateFailed,
		Err: models.NewError(models.ErrCancelled, "cancelled"),
	})

	if _, err := m.CreateJob(ctx, newJob("j2", "SIP-1", "hash-a")); err != nil {
		t.Fatalf("payload of a terminal job must be creatable again: %v", err)
	}
}

func TestSingleRunnerInvariant(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()

	for _, id := range []string{"j1", "j2"} {
		mustCreate(t, m, newJob(id, "SIP-"+id, "hash-"+id))
		mustTransition(t, m, id, models.StateNew, Change{To: models.StateOptiImported})
	}

	if err := m.ClaimForOptimize(ctx, "j1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if err := m.ClaimForOptimize(ctx, "j2"); !errors.Is(err, ErrClaimConflict) {
		t.Fatalf("second concurrent claim must conflict, got %v", err)
	}

	mustTransition(t, m, "j1", models.StateOptiRunning, Change{To: models.StateOptiDone})
	if err := m.ClaimForOptimize(ctx, "j2"); err != nil {
		t.Fatalf("claim after runner finished: %v", err)
	}
}

func TestApplyTransitionGuards(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	mustCreate(t, m, newJob("j1", "SIP-1", "hash-a"))

	// CAS on the from state.
	if _, err := m.ApplyTransition(ctx, "j1", models.StateHold, Change{To: models.StateNew}); !errors.Is(err, ErrStateConflict) {
		t.Fatalf("stale from state must conflict, got %v", err)
	}

	// Illegal transitions never reach the store.
	if _, err := m.ApplyTransition(ctx, "j1", models.StateNew, Change{To: models.StateDone}); err == nil {
		t.Fatalf("NEW -> DONE must be rejected")
	}

	if _, err := m.ApplyTransition(ctx, "missing", models.StateNew, Change{To: models.StateOptiImported}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("unknown job must return ErrNotFound, got %v", err)
	}
}

func TestTerminalJobIsImmutable(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	mustCreate(t, m, newJob("j1", "SIP-1", "hash-a"))
	mustTransition(t, m, "j1", models.StateNew, Change{To: models.StateOptiImported})
	mustTransition(t, m, "j1", models.StateOptiImported, Change{To: models.StateXMLReady})
	mustTransition(t, m, "j1", models.StateXMLReady, Change{To: models.StateDelivered})
	mustTransition(t, m, "j1", models.StateDelivered, Change{To: models.StateDone})

	if _, err := m.ApplyTransition(ctx, "j1", models.StateDone, Change{To: models.StateFailed}); err == nil {
		t.Fatalf("DONE must not transition anywhere")
	}
}

func TestErrorFieldsFollowTransitions(t *testing.T) {
	m := NewMemory()
	mustCreate(t, m, newJob("j1", "SIP-1", "hash-a"))

	held := mustTransition(t, m, "j1", models.StateNew, Change{
		To:  models.StateHold,
		Err: models.NewError(models.ErrCRMNoMatch, "no account"),
	})
	if held.ErrorCode == nil || *held.ErrorCode != models.ErrCRMNoMatch {
		t.Fatalf("hold must record the error code, got %+v", held)
	}
	if held.ErrorClass == nil || *held.ErrorClass != models.ClassPermanent {
		t.Fatalf("hold must record the error class")
	}

	cleared := mustTransition(t, m, "j1", models.StateHold, Change{
		To:         models.StateNew,
		Event:      models.EventApprove,
		ClearError: true,
	})
	if cleared.ErrorCode != nil || cleared.ErrorClass != nil || cleared.ErrorMessage != nil {
		t.Fatalf("approve must clear the error fields, got %+v", cleared)
	}
}

func TestTransitionReplacesPayload(t *testing.T) {
	m := NewMemory()
	mustCreate(t, m, newJob("j1", "SIP-1", "hash-a"))

	filled := models.Order{OrderID: "SIP-1", PlateWidthMM: 2100, PlateHeightMM: 2800}
	mustTransition(t, m, "j1", models.StateNew, Change{
		To:    models.StateOptiImported,
		Order: &filled,
	})

	job, err := m.GetJob(context.Background(), "j1")
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.Order.PlateWidthMM != 2100 || job.Order.PlateHeightMM != 2800 {
		t.Fatalf("payload plate not persisted: %vx%v", job.Order.PlateWidthMM, job.Order.PlateHeightMM)
	}
}

func TestRetryCounterAndAudit(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	mustCreate(t, m, newJob("j1", "SIP-1", "hash-a"))
	mustTransition(t, m, "j1", models.StateNew, Change{
		To:  models.StateFailed,
		Err: models.NewError(models.ErrOptiXMLTimeout, "timed out"),
	})
	retried := mustTransition(t, m, "j1", models.StateFailed, Change{
		To:             models.StateNew,
		Event:          models.EventRetry,
		ClearError:     true,
		IncrementRetry: true,
	})
	if retried.RetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", retried.RetryCount)
	}

	events, err := m.ListAudit(ctx, "j1")
	if err != nil {
		t.Fatalf("list audit: %v", err)
	}
	// created, failed, retried
	if len(events) != 3 {
		t.Fatalf("audit length = %d, want 3", len(events))
	}
	if events[2].Type != models.EventRetry {
		t.Fatalf("last event type = %s, want retry", events[2].Type)
	}
}

func TestEnteredStateAt(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m.Now = func() time.Time { return clock }

	mustCreate(t, m, newJob("j1", "SIP-1", "hash-a"))
	clock = clock.Add(time.Minute)
	mustTransition(t, m, "j1", models.StateNew, Change{To: models.StateOptiImported})

	at, ok, err := m.EnteredStateAt(ctx, "j1", models.StateOptiImported)
	if err != nil || !ok {
		t.Fatalf("entered state lookup: ok=%v err=%v", ok, err)
	}
	if !at.Equal(time.Date(2026, 3, 1, 9, 1, 0, 0, time.UTC)) {
		t.Fatalf("entered at %s, want 09:01", at)
	}

	if _, ok, _ := m.EnteredStateAt(ctx, "j1", models.StateDelivered); ok {
		t.Fatalf("never-entered state must report ok=false")
	}
}
