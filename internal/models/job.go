package models

import (
	"time"
)

// OptiMode selects one of the three optimizer plan variants.
type OptiMode string

const (
	ModeA OptiMode = "A"
	ModeB OptiMode = "B"
	ModeC OptiMode = "C"
)

// DefaultMode is applied when a create request names no variant.
const DefaultMode = ModeC

// ValidMode reports whether m is one of the three labelled variants.
func ValidMode(m OptiMode) bool {
	return m == ModeA || m == ModeB || m == ModeC
}

// MaxRetries is the shared retry budget for FAILED and HOLD jobs.
const MaxRetries = 3

// Job is the durable unit of work driven through the pipeline.
type Job struct {
	ID           string           `json:"id"`
	OrderID      string           `json:"order_id"`
	State        State            `json:"state"`
	Mode         OptiMode         `json:"opti_mode"`
	PayloadHash  string           `json:"payload_hash"`
	Order        Order            `json:"order"`
	RetryCount   int              `json:"retry_count"`
	ErrorClass   *ErrorClass      `json:"error_class,omitempty"`
	ErrorCode    *string          `json:"error_code,omitempty"`
	ErrorMessage *string          `json:"error_message,omitempty"`
	XLSXPath     *string          `json:"xlsx_path,omitempty"`
	XMLPath      *string          `json:"xml_path,omitempty"`
	Solution     *SolutionSummary `json:"solution,omitempty"`
	UserID       string           `json:"user_id,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
	UpdatedAt    time.Time        `json:"updated_at"`
}

// SolutionSummary is the parsed metrics block of the optimizer's best solution.
type SolutionSummary struct {
	BestSolution   int     `json:"best_solution"`
	Algorithm      string  `json:"algorithm"`
	MQBoards       float64 `json:"mq_boards"`
	Patterns       int     `json:"patterns"`
	Cycles         int     `json:"cycles"`
	ZCuts          int     `json:"zcuts"`
	JobTime        float64 `json:"job_time"`
	JobCost        float64 `json:"job_cost"`
	MQDrops        float64 `json:"mq_drops"`
	DiffDrops      float64 `json:"diff_drops"`
	TotalSolutions int     `json:"total_solutions"`
}

// Audit event types. State events are authoritative for when a state was
// entered; timeout computations read them.
const (
	EventState   = "state"
	EventError   = "error"
	EventRetry   = "retry"
	EventApprove = "approve"
	EventCancel  = "cancel"
	EventInfo    = "info"
)

// AuditEvent is an append-only record attached to a job.
type AuditEvent struct {
	ID        int64          `json:"id"`
	JobID     string         `json:"job_id"`
	Type      string         `json:"type"`
	FromState State          `json:"from_state,omitempty"`
	ToState   State          `json:"to_state,omitempty"`
	Message   string         `json:"message"`
	Detail    map[string]any `json:"detail,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// RemainingRetries returns the budget left for transient failures.
func (j Job) RemainingRetries() int {
	n := MaxRetries - j.RetryCount
	if n < 0 {
		return 0
	}
	return n
}

// PermanentlyFailed reports whether the job carries a permanent error.
func (j Job) PermanentlyFailed() bool {
	return j.ErrorClass != nil && *j.ErrorClass == ClassPermanent
}
