package models

// State enumerates the job lifecycle states persisted in Postgres.
type State string

const (
	StateNew          State = "NEW"
	StateOptiImported State = "OPTI_IMPORTED"
	StateOptiRunning  State = "OPTI_RUNNING"
	StateOptiDone     State = "OPTI_DONE"
	StateXMLReady     State = "XML_READY"
	StateDelivered    State = "DELIVERED"
	StateDone         State = "DONE"
	StateFailed       State = "FAILED"
	StateHold         State = "HOLD"
)

// transitions is the authoritative table of legal state changes. FAILED is
// reachable from every non-terminal state via operator cancel;
// FAILED -> NEW and HOLD -> NEW exist only for operator retry/approve.
var transitions = map[State][]State{
	StateNew:          {StateOptiImported, StateHold, StateFailed},
	StateOptiImported: {StateOptiRunning, StateXMLReady, StateFailed},
	StateOptiRunning:  {StateOptiDone, StateXMLReady, StateHold, StateFailed},
	StateOptiDone:     {StateXMLReady, StateFailed},
	StateXMLReady:     {StateDelivered, StateFailed},
	StateDelivered:    {StateDone, StateFailed},
	StateHold:         {StateNew, StateFailed},
	StateFailed:       {StateNew},
	StateDone:         {},
}

// Terminal reports whether s admits no further pipeline progress.
// FAILED still accepts the operator retry command; see CanRetry.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}
