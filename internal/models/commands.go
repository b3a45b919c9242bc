package models

// Operator command preconditions. The store applies the resulting transitions
// atomically; these checks only decide whether a command may be attempted.

// CheckRetry validates the retry command: only FAILED or HOLD jobs, within the
// shared retry budget, and never past a permanent error.
func CheckRetry(j Job) *PipelineError {
	if j.State != StateFailed && j.State != StateHold {
		return NewError(ErrLocalProcessing, "retry only allowed from FAILED or HOLD, job is %s", j.State)
	}
	if j.PermanentlyFailed() {
		return NewError(ErrLocalProcessing, "job failed permanently with %s and cannot be retried", deref(j.ErrorCode))
	}
	if j.RetryCount >= MaxRetries {
		return NewError(ErrLocalProcessing, "retry budget of %d exhausted", MaxRetries)
	}
	return nil
}

// CheckApprove validates the approve command: HOLD only.
func CheckApprove(j Job) *PipelineError {
	if j.State != StateHold {
		return NewError(ErrLocalProcessing, "approve only allowed from HOLD, job is %s", j.State)
	}
	return nil
}

// CheckCancel validates the cancel command: any non-terminal state.
func CheckCancel(j Job) *PipelineError {
	if j.State.Terminal() {
		return NewError(ErrLocalProcessing, "job already terminal in %s", j.State)
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
