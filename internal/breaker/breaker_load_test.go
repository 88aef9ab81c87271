// Copyright 2025 James Ross
package breaker

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestMetadataStoreBreakerHalfOpenSingleProbeUnderLoad models the worker
// pool's metadataBreaker under a burst of concurrent Postgres calls: once
// the breaker is HalfOpen, only one of many concurrently-racing workers may
// win the probe slot.
func TestMetadataStoreBreakerHalfOpenSingleProbeUnderLoad(t *testing.T) {
	cb := New(20*time.Millisecond, 50*time.Millisecond, 0.5, 2)
	require.Equal(t, Closed, cb.State())

	cb.Record(false)
	cb.Record(false)
	require.Equal(t, Open, cb.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, countAllowed(cb, 100))

	cb.Record(false)
	require.Equal(t, Open, cb.State())

	time.Sleep(60 * time.Millisecond)
	require.Equal(t, 1, countAllowed(cb, 100))

	cb.Record(true)
	require.Equal(t, Closed, cb.State())
}

func countAllowed(cb *CircuitBreaker, n int) int {
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			if cb.Allow() {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	return allowed
}
