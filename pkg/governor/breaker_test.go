package governor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestBreakerSet(threshold int, recovery time.Duration, halfOpenMax int) (*BreakerSet, *time.Time) {
	now := time.Now()
	s := NewBreakerSet(threshold, recovery, halfOpenMax, nil)
	s.now = func() time.Time { return now }
	return s, &now
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	s, _ := newTestBreakerSet(3, time.Minute, 1)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Admit("semgrep_scan"))
		s.RecordFailure("semgrep_scan")
		assert.Equal(t, StateClosed, s.State("semgrep_scan"))
	}

	require.NoError(t, s.Admit("semgrep_scan"))
	s.RecordFailure("semgrep_scan")
	assert.Equal(t, StateOpen, s.State("semgrep_scan"))

	assert.ErrorIs(t, s.Admit("semgrep_scan"), ErrCircuitOpen)
}

func TestBreaker_SuccessResetsConsecutiveCount(t *testing.T) {
	s, _ := newTestBreakerSet(2, time.Minute, 1)

	s.RecordFailure("k")
	s.RecordSuccess("k")
	s.RecordFailure("k")
	assert.Equal(t, StateClosed, s.State("k"))

	s.RecordFailure("k")
	assert.Equal(t, StateOpen, s.State("k"))
}

func TestBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	s, now := newTestBreakerSet(1, 30*time.Second, 2)

	s.RecordFailure("k")
	require.Equal(t, StateOpen, s.State("k"))
	assert.ErrorIs(t, s.Admit("k"), ErrCircuitOpen)

	*now = now.Add(31 * time.Second)

	// First admit after recovery flips to half-open.
	require.NoError(t, s.Admit("k"))
	assert.Equal(t, StateHalfOpen, s.State("k"))

	// Up to halfOpenMax probes pass; the next is rejected.
	require.NoError(t, s.Admit("k"))
	assert.ErrorIs(t, s.Admit("k"), ErrCircuitOpen)
}

func TestBreaker_HalfOpenSuccessCloses(t *testing.T) {
	s, now := newTestBreakerSet(1, time.Second, 1)

	s.RecordFailure("k")
	*now = now.Add(2 * time.Second)
	require.NoError(t, s.Admit("k"))

	s.RecordSuccess("k")
	assert.Equal(t, StateClosed, s.State("k"))
	require.NoError(t, s.Admit("k"))
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	s, now := newTestBreakerSet(1, time.Second, 1)

	s.RecordFailure("k")
	*now = now.Add(2 * time.Second)
	require.NoError(t, s.Admit("k"))

	s.RecordFailure("k")
	assert.Equal(t, StateOpen, s.State("k"))
	assert.ErrorIs(t, s.Admit("k"), ErrCircuitOpen)
}

func TestBreaker_StateChangeHook(t *testing.T) {
	var mu sync.Mutex
	var transitions []string

	s := NewBreakerSet(1, time.Second, 1, func(key string, from, to BreakerState) {
		mu.Lock()
		defer mu.Unlock()
		transitions = append(transitions, string(from)+"->"+string(to))
	})
	now := time.Now()
	s.now = func() time.Time { return now }

	s.RecordFailure("k")
	now = now.Add(2 * time.Second)
	require.NoError(t, s.Admit("k"))
	s.RecordSuccess("k")

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open", "open->half-open", "half-open->closed"}, transitions)
}

func TestBreaker_KeysAreIndependent(t *testing.T) {
	s, _ := newTestBreakerSet(1, time.Minute, 1)

	s.RecordFailure("a")
	assert.Equal(t, StateOpen, s.State("a"))
	assert.Equal(t, StateClosed, s.State("b"))
	require.NoError(t, s.Admit("b"))
}
