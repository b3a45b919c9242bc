package models

import "testing"

func TestTransitionTable(t *testing.T) {
	legal := []struct{ from, to State }{
		{StateNew, StateOptiImported},
		{StateNew, StateHold},
		{StateOptiImported, StateOptiRunning},
		{StateOptiRunning, StateOptiDone},
		{StateOptiRunning, StateHold},
		{StateOptiDone, StateXMLReady},
		{StateXMLReady, StateDelivered},
		{StateDelivered, StateDone},
		{StateHold, StateNew},
		{StateFailed, StateNew},
	}
	for _, tc := range legal {
		if !CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be legal", tc.from, tc.to)
		}
	}

	illegal := []struct{ from, to State }{
		{StateNew, StateOptiRunning},
		{StateNew, StateDone},
		{StateOptiImported, StateDelivered},
		{StateDone, StateNew},
		{StateDone, StateFailed},
		{StateDelivered, StateXMLReady},
		{StateFailed, StateHold},
	}
	for _, tc := range illegal {
		if CanTransition(tc.from, tc.to) {
			t.Errorf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
	}
}

func TestCancelReachableFromEveryNonTerminalState(t *testing.T) {
	for from := range transitions {
		if from.Terminal() {
			continue
		}
		if !CanTransition(from, StateFailed) {
			t.Errorf("cancel must be able to fail a %s job", from)
		}
	}
}

func TestTerminal(t *testing.T) {
	if !StateDone.Terminal() || !StateFailed.Terminal() {
		t.Fatalf("DONE and FAILED must be terminal")
	}
	for _, s := range []State{StateNew, StateOptiImported, StateOptiRunning, StateOptiDone, StateXMLReady, StateDelivered, StateHold} {
		if s.Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestValid(t *testing.T) {
	if !StateHold.Valid() {
		t.Fatalf("HOLD is a known state")
	}
	if State("BOGUS").Valid() {
		t.Fatalf("unknown state must not validate")
	}
}
