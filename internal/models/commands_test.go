package models

import "testing"

func failedJob(code string, retries int) Job {
	class := ClassOf(code)
	msg := "boom"
	return Job{
		State:        StateFailed,
		RetryCount:   retries,
		ErrorClass:   &class,
		ErrorCode:    &code,
		ErrorMessage: &msg,
	}
}

func TestCheckRetry(t *testing.T) {
	if err := CheckRetry(failedJob(ErrOptiXMLTimeout, 0)); err != nil {
		t.Fatalf("transient failure within budget must be retryable: %v", err)
	}

	if err := CheckRetry(failedJob(ErrOptiXMLTimeout, MaxRetries)); err == nil {
		t.Fatalf("exhausted budget must block retry")
	}

	if err := CheckRetry(failedJob(ErrTemplateInvalid, 0)); err == nil {
		t.Fatalf("permanent failure must block retry")
	}

	running := Job{State: StateOptiRunning}
	if err := CheckRetry(running); err == nil {
		t.Fatalf("retry from OPTI_RUNNING must be rejected")
	}

	held := Job{State: StateHold}
	if err := CheckRetry(held); err != nil {
		t.Fatalf("HOLD job without permanent error must be retryable: %v", err)
	}
}

func TestCheckApprove(t *testing.T) {
	if err := CheckApprove(Job{State: StateHold}); err != nil {
		t.Fatalf("approve on HOLD: %v", err)
	}
	if err := CheckApprove(Job{State: StateFailed}); err == nil {
		t.Fatalf("approve only applies to HOLD")
	}
}

func TestCheckCancel(t *testing.T) {
	for _, s := range []State{StateNew, StateOptiImported, StateOptiRunning, StateHold, StateDelivered} {
		if err := CheckCancel(Job{State: s}); err != nil {
			t.Errorf("cancel from %s: %v", s, err)
		}
	}
	for _, s := range []State{StateDone, StateFailed} {
		if err := CheckCancel(Job{State: s}); err == nil {
			t.Errorf("cancel from terminal %s must be rejected", s)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	if ClassOf(ErrCRMNoMatch) != ClassPermanent {
		t.Errorf("E_CRM_NO_MATCH is permanent")
	}
	if ClassOf(ErrOptiXMLTimeout) != ClassTransient {
		t.Errorf("E_OPTI_XML_TIMEOUT is transient")
	}
	if ClassOf("E_SOMETHING_NEW") != ClassTransient {
		t.Errorf("unknown codes default to transient")
	}
}
