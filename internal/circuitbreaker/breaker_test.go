package circuitbreaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const key = "facilitator"

// newTestBreaker pins the breaker's clock so cooldown expiry can be driven
// by mutating the returned time instead of sleeping.
func newTestBreaker(threshold int, cooldown time.Duration) (*Breaker, *time.Time) {
	b := New(threshold, cooldown)
	now := time.Now()
	b.now = func() time.Time { return now }
	return b, &now
}

func TestAllow_UnknownKeyIsClosed(t *testing.T) {
	b := New(3, time.Minute)
	assert.True(t, b.Allow(key))
	assert.Equal(t, StateClosed, b.State(key))
}

func TestOpensAfterThreshold(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure(key)
	b.RecordFailure(key)
	assert.Equal(t, StateClosed, b.State(key))
	assert.True(t, b.Allow(key))

	b.RecordFailure(key)
	assert.Equal(t, StateOpen, b.State(key))
	assert.False(t, b.Allow(key), "open circuit must reject immediately")
}

func TestSuccessResetsFailureCount(t *testing.T) {
	b := New(3, time.Minute)

	b.RecordFailure(key)
	b.RecordFailure(key)
	b.RecordSuccess(key)
	b.RecordFailure(key)
	b.RecordFailure(key)

	assert.Equal(t, StateClosed, b.State(key))
}

func TestHalfOpen_AllowsExactlyOneProbe(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure(key)
	require.Equal(t, StateOpen, b.State(key))
	assert.False(t, b.Allow(key))

	*now = now.Add(31 * time.Second)

	assert.True(t, b.Allow(key), "cooldown elapsed, one probe allowed")
	assert.Equal(t, StateHalfOpen, b.State(key))
	assert.False(t, b.Allow(key), "only one probe until it completes")
}

func TestHalfOpen_ProbeSuccessCloses(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure(key)
	*now = now.Add(time.Minute)
	require.True(t, b.Allow(key))

	b.RecordSuccess(key)
	assert.Equal(t, StateClosed, b.State(key))
	assert.True(t, b.Allow(key))
}

func TestHalfOpen_ProbeFailureReopens(t *testing.T) {
	b, now := newTestBreaker(1, 30*time.Second)

	b.RecordFailure(key)
	*now = now.Add(time.Minute)
	require.True(t, b.Allow(key))

	b.RecordFailure(key)
	assert.Equal(t, StateOpen, b.State(key))
	assert.False(t, b.Allow(key))
}

func TestKeysAreIndependent(t *testing.T) {
	b := New(1, time.Minute)

	b.RecordFailure("a")
	assert.Equal(t, StateOpen, b.State("a"))
	assert.True(t, b.Allow("b"))
}

func TestOnTransition_Callback(t *testing.T) {
	b := New(1, time.Minute)

	var mu sync.Mutex
	var transitions []string
	done := make(chan struct{})
	b.OnTransition(func(k string, from, to State) {
		mu.Lock()
		transitions = append(transitions, from.String()+"->"+to.String())
		mu.Unlock()
		close(done)
	})

	b.RecordFailure(key)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("transition callback never fired")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"closed->open"}, transitions)
}

func TestConcurrentAccess(t *testing.T) {
	b := New(50, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				b.Allow(key)
				b.RecordFailure(key)
				b.RecordSuccess(key)
			}
		}()
	}
	wg.Wait()
}
