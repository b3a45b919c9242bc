package store

import (
	"context"
	"errors"
	"time"

	"optiplan-pipeline/internal/models"
)

// Sentinel errors shared by both implementations.
var (
	// ErrNotFound is returned when a job, account, or receipt does not exist.
	ErrNotFound = errors.New("not found")
	// ErrDuplicateJob is returned when a non-terminal job with the same
	// payload hash already exists.
	ErrDuplicateJob = errors.New("duplicate active job for payload")
	// ErrStateConflict is returned when a compare-and-set transition finds
	// the job in a different state than expected.
	ErrStateConflict = errors.New("job state changed concurrently")
	// ErrClaimConflict is returned when another job already holds the
	// single OPTI_RUNNING slot.
	ErrClaimConflict = errors.New("another job is already running")
)

// Change describes a job transition applied atomically together with its
// audit event.
type Change struct {
	To      models.State
	Event   string // audit event type, EventState when empty
	Message string
	Detail  map[string]any

	// Err sets the job's error fields; ClearError wipes them. At most one
	// of the two is honored, Err first.
	Err        *models.PipelineError
	ClearError bool

	IncrementRetry bool

	// Order replaces the persisted payload, e.g. after the gate fills the
	// default plate size.
	Order *models.Order

	XLSXPath *string
	XMLPath  *string
	Solution *models.SolutionSummary
}

// JobFilter narrows ListJobs.
type JobFilter struct {
	States  []models.State
	OrderID string
	Limit   int
}

// Store is the transactional persistence boundary of the pipeline.
type Store interface {
	// CreateJob inserts a new job in state NEW with a "created" audit
	// event. Returns ErrDuplicateJob when a non-terminal job with the same
	// payload hash exists.
	CreateJob(ctx context.Context, job models.Job) (models.Job, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	ListJobs(ctx context.Context, f JobFilter) ([]models.Job, error)
	// OldestInState returns the FIFO head of a state by creation time.
	OldestInState(ctx context.Context, s models.State) (models.Job, bool, error)
	JobsInStates(ctx context.Context, states ...models.State) ([]models.Job, error)

	// ClaimForOptimize transitions OPTI_IMPORTED -> OPTI_RUNNING guarded
	// by the single-runner index; at most one concurrent claim succeeds.
	ClaimForOptimize(ctx context.Context, id string) error
	// ApplyTransition performs a compare-and-set on (id, from) -> ch.To
	// and appends the audit event in the same transaction. Terminal jobs
	// reject every change except the retry command encoded as
	// FAILED -> NEW.
	ApplyTransition(ctx context.Context, id string, from models.State, ch Change) (models.Job, error)

	AppendAudit(ctx context.Context, ev models.AuditEvent) error
	ListAudit(ctx context.Context, jobID string) ([]models.AuditEvent, error)
	// EnteredStateAt returns when the job most recently entered s,
	// reading the latest matching state audit event.
	EnteredStateAt(ctx context.Context, jobID string, s models.State) (time.Time, bool, error)

	AccountByRef(ctx context.Context, ref string) (models.CRMAccount, bool, error)
	AccountByPhone(ctx context.Context, normalizedPhone string) (models.CRMAccount, bool, error)

	// SaveReceipt inserts a receipt unless one already exists for
	// (order, type); it returns the surviving receipt and whether this
	// call created it.
	SaveReceipt(ctx context.Context, r models.Receipt) (models.Receipt, bool, error)
	ReceiptByOrder(ctx context.Context, orderID, receiptType string) (models.Receipt, bool, error)
}

// validateChange enforces the transition table before any write.
func validateChange(from models.State, ch Change) error {
	if !models.CanTransition(from, ch.To) {
		return ErrStateConflict
	}
	return nil
}

func eventType(ch Change) string {
	if ch.Event == "" {
		return models.EventState
	}
	return ch.Event
}
