package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"optiplan-pipeline/internal/models"
)

// Memory is an in-process Store used by tests and local development. It
// enforces the same single-runner and active-payload uniqueness guarantees as
// the Postgres partial indexes.
type Memory struct {
	mu       sync.Mutex
	jobs     map[string]models.Job
	events   []models.AuditEvent
	accounts []models.CRMAccount
	receipts map[string]models.Receipt // key order_id + "/" + type
	nextID   int64

	// Now is injectable for timeout boundary tests.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{
		jobs:     make(map[string]models.Job),
		receipts: make(map[string]models.Receipt),
		Now:      func() time.Time { return time.Now().UTC() },
	}
}

// AddAccount seeds a CRM account.
func (m *Memory) AddAccount(acc models.CRMAccount) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accounts = append(m.accounts, acc)
}

func (m *Memory) CreateJob(_ context.Context, job models.Job) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, existing := range m.jobs {
		if existing.PayloadHash == job.PayloadHash && !existing.State.Terminal() {
			return models.Job{}, ErrDuplicateJob
		}
	}

	now := m.Now()
	job.State = models.StateNew
	job.CreatedAt = now
	job.UpdatedAt = now
	m.jobs[job.ID] = job
	m.appendEventLocked(models.AuditEvent{
		JobID:     job.ID,
		Type:      models.EventState,
		ToState:   models.StateNew,
		Message:   "job created",
		CreatedAt: now,
	})
	return job, nil
}

func (m *Memory) GetJob(_ context.Context, id string) (models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	return job, nil
}

func (m *Memory) ListJobs(_ context.Context, f JobFilter) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Job
	for _, job := range m.jobs {
		if f.OrderID != "" && job.OrderID != f.OrderID {
			continue
		}
		if len(f.States) > 0 && !stateIn(job.State, f.States) {
			continue
		}
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) OldestInState(_ context.Context, state models.State) (models.Job, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest models.Job
	found := false
	for _, job := range m.jobs {
		if job.State != state {
			continue
		}
		if !found || job.CreatedAt.Before(oldest.CreatedAt) {
			oldest = job
			found = true
		}
	}
	return oldest, found, nil
}

func (m *Memory) JobsInStates(_ context.Context, states ...models.State) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []models.Job
	for _, job := range m.jobs {
		if stateIn(job.State, states) {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) ClaimForOptimize(ctx context.Context, id string) error {
	_, err := m.ApplyTransition(ctx, id, models.StateOptiImported, Change{
		To:      models.StateOptiRunning,
		Message: "claimed by worker",
	})
	return err
}

func (m *Memory) ApplyTransition(_ context.Context, id string, from models.State, ch Change) (models.Job, error) {
	if err := validateChange(from, ch); err != nil {
		return models.Job{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	job, ok := m.jobs[id]
	if !ok {
		return models.Job{}, ErrNotFound
	}
	if job.State != from {
		return models.Job{}, ErrStateConflict
	}
	if ch.To == models.StateOptiRunning {
		for otherID, other := range m.jobs {
			if otherID != id && other.State == models.StateOptiRunning {
				return models.Job{}, ErrClaimConflict
			}
		}
	}

	now := m.Now()
	job.State = ch.To
	job.UpdatedAt = now
	if ch.Err != nil {
		class := ch.Err.Class
		code := ch.Err.Code
		msg := ch.Err.Message
		job.ErrorClass = &class
		job.ErrorCode = &code
		job.ErrorMessage = &msg
	} else if ch.ClearError {
		job.ErrorClass = nil
		job.ErrorCode = nil
		job.ErrorMessage = nil
	}
	if ch.IncrementRetry {
		job.RetryCount++
	}
	if ch.Order != nil {
		job.Order = *ch.Order
	}
	if ch.XLSXPath != nil {
		job.XLSXPath = ch.XLSXPath
	}
	if ch.XMLPath != nil {
		job.XMLPath = ch.XMLPath
	}
	if ch.Solution != nil {
		sol := *ch.Solution
		job.Solution = &sol
	}
	m.jobs[id] = job

	m.appendEventLocked(models.AuditEvent{
		JobID:     id,
		Type:      eventType(ch),
		FromState: from,
		ToState:   ch.To,
		Message:   ch.Message,
		Detail:    ch.Detail,
		CreatedAt: now,
	})
	return job, nil
}

func (m *Memory) AppendAudit(_ context.Context, ev models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = m.Now()
	}
	m.appendEventLocked(ev)
	return nil
}

func (m *Memory) ListAudit(_ context.Context, jobID string) ([]models.AuditEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditEvent
	for _, ev := range m.events {
		if ev.JobID == jobID {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (m *Memory) EnteredStateAt(_ context.Context, jobID string, state models.State) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.events) - 1; i >= 0; i-- {
		ev := m.events[i]
		if ev.JobID == jobID && ev.Type == models.EventState && ev.ToState == state {
			return ev.CreatedAt, true, nil
		}
	}
	return time.Time{}, false, nil
}

func (m *Memory) AccountByRef(_ context.Context, ref string) (models.CRMAccount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.ID == ref {
			return acc, true, nil
		}
	}
	return models.CRMAccount{}, false, nil
}

func (m *Memory) AccountByPhone(_ context.Context, normalizedPhone string) (models.CRMAccount, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, acc := range m.accounts {
		if acc.PhoneNormal == normalizedPhone {
			return acc, true, nil
		}
	}
	return models.CRMAccount{}, false, nil
}

func (m *Memory) SaveReceipt(_ context.Context, r models.Receipt) (models.Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := r.OrderID + "/" + r.Type
	if existing, ok := m.receipts[key]; ok {
		return existing, false, nil
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = m.Now()
	}
	m.receipts[key] = r
	return r, true, nil
}

func (m *Memory) ReceiptByOrder(_ context.Context, orderID, receiptType string) (models.Receipt, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.receipts[orderID+"/"+receiptType]
	return r, ok, nil
}

func (m *Memory) appendEventLocked(ev models.AuditEvent) {
	m.nextID++
	ev.ID = m.nextID
	m.events = append(m.events, ev)
}

func stateIn(s models.State, set []models.State) bool {
	for _, candidate := range set {
		if s == candidate {
			return true
		}
	}
	return false
}
