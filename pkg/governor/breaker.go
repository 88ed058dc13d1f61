package governor

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by Admit when the breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker open")

// BreakerState is one of the three circuit breaker states.
type BreakerState string

const (
	StateClosed   BreakerState = "closed"
	StateOpen     BreakerState = "open"
	StateHalfOpen BreakerState = "half-open"
)

// StateChangeFunc is invoked (outside the breaker lock) whenever a
// breaker transitions state. Used for telemetry events.
type StateChangeFunc func(key string, from, to BreakerState)

// BreakerSet holds one circuit breaker per resource key. All breakers
// share threshold parameters; state is tracked per key.
//
// State machine per spec: Closed counts consecutive failures and opens
// at the threshold. Open rejects immediately until the recovery timeout
// elapses, then admits up to HalfOpenMaxCalls probes concurrently. A
// probe success closes the breaker; any probe failure reopens it.
type BreakerSet struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMax      int
	onStateChange    StateChangeFunc
	now              func() time.Time

	mu       sync.Mutex
	breakers map[string]*breaker
}

type breaker struct {
	state           BreakerState
	consecutiveFail int
	openedAt        time.Time
	halfOpenInFlight int
}

// NewBreakerSet creates a breaker set. onStateChange may be nil.
func NewBreakerSet(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxCalls int, onStateChange StateChangeFunc) *BreakerSet {
	return &BreakerSet{
		failureThreshold: failureThreshold,
		recoveryTimeout:  recoveryTimeout,
		halfOpenMax:      halfOpenMaxCalls,
		onStateChange:    onStateChange,
		now:              time.Now,
		breakers:         make(map[string]*breaker),
	}
}

// Admit asks permission to call the resource behind key. Returns
// ErrCircuitOpen when the call must not proceed. On nil the caller MUST
// report the outcome with RecordSuccess or RecordFailure.
func (s *BreakerSet) Admit(key string) error {
	var change *stateChange

	s.mu.Lock()
	b := s.breakerLocked(key)
	switch b.state {
	case StateClosed:
		// pass
	case StateOpen:
		if s.now().Sub(b.openedAt) < s.recoveryTimeout {
			s.mu.Unlock()
			return ErrCircuitOpen
		}
		change = s.transitionLocked(key, b, StateHalfOpen)
		b.halfOpenInFlight = 1
	case StateHalfOpen:
		if b.halfOpenInFlight >= s.halfOpenMax {
			s.mu.Unlock()
			return ErrCircuitOpen
		}
		b.halfOpenInFlight++
	}
	s.mu.Unlock()

	s.notify(change)
	return nil
}

// RecordSuccess reports a successful call for key.
func (s *BreakerSet) RecordSuccess(key string) {
	var change *stateChange

	s.mu.Lock()
	b := s.breakerLocked(key)
	switch b.state {
	case StateClosed:
		b.consecutiveFail = 0
	case StateHalfOpen:
		// First probe success closes the breaker.
		change = s.transitionLocked(key, b, StateClosed)
		b.consecutiveFail = 0
		b.halfOpenInFlight = 0
	case StateOpen:
		// Late result from a call admitted before opening; ignore.
	}
	s.mu.Unlock()

	s.notify(change)
}

// RecordFailure reports a failed call for key.
func (s *BreakerSet) RecordFailure(key string) {
	var change *stateChange

	s.mu.Lock()
	b := s.breakerLocked(key)
	switch b.state {
	case StateClosed:
		b.consecutiveFail++
		if b.consecutiveFail >= s.failureThreshold {
			change = s.transitionLocked(key, b, StateOpen)
			b.openedAt = s.now()
		}
	case StateHalfOpen:
		// Any probe failure reopens.
		change = s.transitionLocked(key, b, StateOpen)
		b.openedAt = s.now()
		b.halfOpenInFlight = 0
	case StateOpen:
		// Already open.
	}
	s.mu.Unlock()

	s.notify(change)
}

// Cancel releases an admission that never produced a call outcome,
// such as a rate-limit wait that expired before dispatch. Without it a
// half-open probe slot would leak.
func (s *BreakerSet) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := s.breakerLocked(key)
	if b.state == StateHalfOpen && b.halfOpenInFlight > 0 {
		b.halfOpenInFlight--
	}
}

// State returns the current state for key (Closed for unseen keys).
func (s *BreakerSet) State(key string) BreakerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[key]; ok {
		return b.state
	}
	return StateClosed
}

type stateChange struct {
	key      string
	from, to BreakerState
}

func (s *BreakerSet) breakerLocked(key string) *breaker {
	b, ok := s.breakers[key]
	if !ok {
		b = &breaker{state: StateClosed}
		s.breakers[key] = b
	}
	return b
}

func (s *BreakerSet) transitionLocked(key string, b *breaker, to BreakerState) *stateChange {
	from := b.state
	b.state = to
	return &stateChange{key: key, from: from, to: to}
}

// notify fires the state-change hook outside the lock.
func (s *BreakerSet) notify(change *stateChange) {
	if change != nil && s.onStateChange != nil {
		s.onStateChange(change.key, change.from, change.to)
	}
}
