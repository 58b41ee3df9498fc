package utils_test

import (
	"sync"
	"testing"

	"github.com/MergHQ/netsync/internal/utils"
	"github.com/stretchr/testify/require"
)

func TestOptionalRWMutexGuardsWriters(t *testing.T) {
	mutex := utils.OptionalRWMutex{Enabled: true}
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				mutex.Lock()
				counter++
				mutex.Unlock()
			}
		}()
	}
	wg.Wait()

	mutex.RLock()
	defer mutex.RUnlock()
	require.Equal(t, 8000, counter)
}

func TestDisabledMutexAllowsSequentialWriters(t *testing.T) {
	mutex := utils.OptionalMutex{}
	for i := 0; i < 3; i++ {
		mutex.Lock()
		mutex.Unlock()
	}

	rw := utils.OptionalRWMutex{}
	rw.RLock()
	rw.RLock()
	rw.RUnlock()
	rw.RUnlock()
	rw.Lock()
	rw.Unlock()
}

func TestDisabledMutexCatchesOverlappingWriters(t *testing.T) {
	mutex := utils.OptionalMutex{}
	mutex.Lock()
	require.Panics(t, func() {
		mutex.Lock()
	})
	mutex.Unlock()

	rw := utils.OptionalRWMutex{}
	rw.Lock()
	require.Panics(t, func() {
		rw.Lock()
	})
	rw.Unlock()
}
