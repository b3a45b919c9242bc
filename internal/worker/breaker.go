package worker

import (
	"sync"

	"optiplan-pipeline/internal/telemetry"
)

// BreakerThreshold is the number of consecutive failure ticks that opens the
// circuit.
const BreakerThreshold = 3

// Breaker halts the worker loop after repeated failures against the external
// optimizer. Once open it stays open until an operator resets it.
type Breaker struct {
	mu          sync.Mutex
	consecutive int
	open        bool
}

func NewBreaker() *Breaker {
	return &Breaker{}
}

// Open reports whether the breaker is tripped.
func (b *Breaker) Open() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.open
}

// Failure records a failure tick and opens the breaker at the threshold.
func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive++
	if b.consecutive >= BreakerThreshold {
		b.open = true
		telemetry.BreakerOpen.Set(1)
	}
}

// Success resets the consecutive-failure counter. It does not close an open
// breaker; only Reset does.
func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
}

// Reset closes the breaker and clears the counter. Operator command.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.open = false
	telemetry.BreakerOpen.Set(0)
}
