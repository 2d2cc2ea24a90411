package locking

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestKeyedMutexSerializesPerKey(t *testing.T) {
	k := NewKeyedMutex()

	var countA, countB int
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			k.WithLock("a", func() { countA++ })
		}()
		go func() {
			defer wg.Done()
			k.WithLock("b", func() { countB++ })
		}()
	}
	wg.Wait()

	require.Equal(t, 50, countA)
	require.Equal(t, 50, countB)
}

func TestKeyedMutexReleasesIdleKeys(t *testing.T) {
	k := NewKeyedMutex()
	k.Lock("x")
	k.Unlock("x")

	k.mu.Lock()
	defer k.mu.Unlock()
	require.Empty(t, k.locks)
}
