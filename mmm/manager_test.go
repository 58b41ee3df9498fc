package mmm_test

import (
	"io"
	"math/rand"
	"strings"
	"testing"

	"github.com/MergHQ/netsync/memutils"
	"github.com/MergHQ/netsync/memutils/defrag"
	"github.com/MergHQ/netsync/mmm"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func readyManager(t *testing.T, configure func(config *mmm.Config)) *mmm.Manager {
	config := mmm.DefaultConfig()
	config.Name = "test"
	if configure != nil {
		configure(&config)
	}

	manager, err := mmm.New(testLogger(), config)
	require.NoError(t, err)
	return manager
}

func requireOrdered(t *testing.T, manager *mmm.Manager) {
	stats := manager.Statistics()
	require.LessOrEqual(t, stats.RequestedBytes, stats.AllocationBytes)
	require.LessOrEqual(t, stats.AllocationBytes, stats.BlockBytes)
}

func fill(buf []byte, seed byte) {
	for i := range buf {
		buf[i] = seed + byte(i)
	}
}

func requireFilled(t *testing.T, buf []byte, seed byte) {
	for i := range buf {
		require.Equal(t, seed+byte(i), buf[i], "byte %d", i)
	}
}

func TestAllocResizeFreeAccounting(t *testing.T) {
	manager := readyManager(t, nil)

	zero := manager.AllocHandle(0)
	require.True(t, manager.Valid(zero))
	require.Equal(t, 0, manager.HandleSize(zero))
	require.Equal(t, 16, manager.HandleCapacity(zero))
	require.Len(t, manager.PinHandle(zero), 0)

	h := manager.AllocHandle(100)
	require.Equal(t, 100, manager.HandleSize(h))
	require.Equal(t, 128, manager.HandleCapacity(h))

	stats := manager.Statistics()
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 100, stats.RequestedBytes)
	require.Equal(t, 144, stats.AllocationBytes)
	requireOrdered(t, manager)

	// Within the hysteresis band the buffer stays put
	require.NoError(t, manager.ResizeHandle(h, 120))
	require.Equal(t, 128, manager.HandleCapacity(h))
	require.NoError(t, manager.ResizeHandle(h, 40))
	require.Equal(t, 128, manager.HandleCapacity(h))

	require.NoError(t, manager.ResizeHandle(h, 20))
	require.Equal(t, 32, manager.HandleCapacity(h))
	require.Equal(t, 20, manager.HandleSize(h))

	require.NoError(t, manager.ResizeHandle(h, 5000))
	require.GreaterOrEqual(t, manager.HandleCapacity(h), 5000)
	requireOrdered(t, manager)

	require.NoError(t, manager.FreeHandle(h))
	require.NoError(t, manager.FreeHandle(zero))
	require.False(t, manager.Valid(h))

	stats = manager.Statistics()
	require.Equal(t, 0, stats.AllocationCount)
	require.Equal(t, 0, stats.RequestedBytes)
	require.Equal(t, 0, stats.AllocationBytes)
	require.NoError(t, manager.Validate())
	require.NoError(t, manager.Destroy())
}

func TestShrinkThenGrowPreservesBytes(t *testing.T) {
	manager := readyManager(t, nil)

	h := manager.AllocHandle(1000)
	fill(manager.PinHandle(h), 7)

	require.NoError(t, manager.ResizeHandle(h, 100))
	require.Equal(t, 128, manager.HandleCapacity(h))
	requireFilled(t, manager.PinHandle(h), 7)

	require.NoError(t, manager.ResizeHandle(h, 1000))
	require.Len(t, manager.PinHandle(h), 1000)
	requireFilled(t, manager.PinHandle(h)[:100], 7)

	require.NoError(t, manager.FreeHandle(h))
	require.NoError(t, manager.Destroy())
}

func TestResizeAcrossHeapPreservesBytes(t *testing.T) {
	manager := readyManager(t, nil)

	h := manager.AllocHandle(3000)
	fill(manager.PinHandle(h), 1)

	require.NoError(t, manager.ResizeHandle(h, 9000))
	requireFilled(t, manager.PinHandle(h)[:3000], 1)

	fill(manager.PinHandle(h), 3)
	require.NoError(t, manager.ResizeHandle(h, 600))
	requireFilled(t, manager.PinHandle(h), 3)

	require.NoError(t, manager.FreeHandle(h))
	require.NoError(t, manager.Validate())
}

func TestStaleHandle(t *testing.T) {
	manager := readyManager(t, nil)

	h := manager.AllocHandle(32)
	require.NoError(t, manager.FreeHandle(h))

	reused := manager.AllocHandle(32)
	require.NotEqual(t, h, reused)
	require.True(t, manager.Valid(reused))
	require.False(t, manager.Valid(h))
	require.Nil(t, manager.PinHandle(h))
	require.Equal(t, 0, manager.HandleSize(h))

	if memutils.DebugEnabled {
		require.Panics(t, func() { _ = manager.FreeHandle(h) })
		require.Panics(t, func() { _ = manager.ResizeHandle(h, 10) })
	} else {
		require.ErrorIs(t, manager.FreeHandle(h), mmm.ErrInvalidHandle)
		require.ErrorIs(t, manager.ResizeHandle(h, 10), mmm.ErrInvalidHandle)
		require.ErrorIs(t, manager.FreeHandle(mmm.InvalidHandle), mmm.ErrInvalidHandle)
	}

	require.True(t, manager.Valid(reused))
	require.NoError(t, manager.FreeHandle(reused))
}

func TestCloneHandle(t *testing.T) {
	manager := readyManager(t, nil)

	h := manager.AllocHandle(300)
	fill(manager.PinHandle(h), 9)

	clone, err := manager.CloneHandle(h)
	require.NoError(t, err)
	require.NotEqual(t, h, clone)
	requireFilled(t, manager.PinHandle(clone), 9)

	manager.PinHandle(h)[0] = 0
	require.Equal(t, byte(9), manager.PinHandle(clone)[0])

	_, err = manager.CloneHandle(mmm.InvalidHandle)
	require.ErrorIs(t, err, mmm.ErrInvalidHandle)

	require.NoError(t, manager.FreeHandle(h))
	require.NoError(t, manager.FreeHandle(clone))
}

func TestRawBuffers(t *testing.T) {
	manager := readyManager(t, nil)

	small := manager.AllocRaw(64)
	require.Len(t, small, 64)
	require.GreaterOrEqual(t, cap(small), 64)

	large := manager.AllocRaw(10000)
	require.Len(t, large, 10000)
	fill(large, 4)

	stats := manager.Statistics()
	require.Equal(t, 2, stats.AllocationCount)
	require.Equal(t, 10064, stats.RequestedBytes)
	requireOrdered(t, manager)

	require.NoError(t, manager.FreeRaw(small))
	require.NoError(t, manager.FreeRaw(large))
	require.Equal(t, 0, manager.Statistics().AllocationCount)

	if !memutils.DebugEnabled {
		require.ErrorIs(t, manager.FreeRaw(small), mmm.ErrInvalidHandle)
		require.ErrorIs(t, manager.FreeRaw(make([]byte, 8)), mmm.ErrInvalidHandle)
	}
	require.ErrorIs(t, manager.FreeRaw(nil), mmm.ErrInvalidHandle)
	require.NoError(t, manager.Destroy())
}

func heapChunkConfig(config *mmm.Config) {
	config.HeapSize = 4 * (8192 + memutils.DebugMargin)
}

func TestDefragmentRelocatesHandles(t *testing.T) {
	manager := readyManager(t, heapChunkConfig)

	var handles []mmm.Handle
	for i := 0; i < 4; i++ {
		h := manager.AllocHandle(8192)
		fill(manager.PinHandle(h), byte(i*50))
		handles = append(handles, h)
	}

	require.NoError(t, manager.FreeHandle(handles[0]))
	require.NoError(t, manager.FreeHandle(handles[2]))

	stats := manager.Defragment(defrag.DefragmentationInfo{})
	require.GreaterOrEqual(t, stats.AllocationsMoved, 2)
	require.GreaterOrEqual(t, stats.BytesMoved, 2*8192)
	require.Greater(t, stats.FreeRegionsMerged, 0)
	require.Equal(t, stats, manager.DefragmentationStats())

	requireFilled(t, manager.PinHandle(handles[1]), 50)
	requireFilled(t, manager.PinHandle(handles[3]), 150)
	require.NoError(t, manager.Validate())

	// Both survivors now sit at the front of the heap, leaving room for a double-sized allocation
	big := manager.AllocHandle(16384)
	require.NoError(t, manager.FreeHandle(big))

	require.NoError(t, manager.FreeHandle(handles[1]))
	require.NoError(t, manager.FreeHandle(handles[3]))
	require.NoError(t, manager.Destroy())
}

func TestDefragmentRespectsPassBudget(t *testing.T) {
	manager := readyManager(t, heapChunkConfig)

	var handles []mmm.Handle
	for i := 0; i < 4; i++ {
		handles = append(handles, manager.AllocHandle(8192))
	}
	require.NoError(t, manager.FreeHandle(handles[0]))
	require.NoError(t, manager.FreeHandle(handles[2]))

	stats := manager.Defragment(defrag.DefragmentationInfo{MaxAllocationsPerPass: 1, MaxPasses: 1})
	require.Equal(t, 1, stats.AllocationsMoved)
	require.Equal(t, 1, stats.Passes)
	require.NoError(t, manager.Validate())

	require.NoError(t, manager.FreeHandle(handles[1]))
	require.NoError(t, manager.FreeHandle(handles[3]))
}

func TestHeapCompactsBeforeExhaustion(t *testing.T) {
	manager := readyManager(t, heapChunkConfig)

	var handles []mmm.Handle
	for i := 0; i < 4; i++ {
		h := manager.AllocHandle(8192)
		fill(manager.PinHandle(h), byte(i))
		handles = append(handles, h)
	}
	require.NoError(t, manager.FreeHandle(handles[0]))
	require.NoError(t, manager.FreeHandle(handles[2]))

	raw := manager.AllocRaw(16)
	big := manager.AllocHandle(16384)
	require.Greater(t, manager.DefragmentationStats().AllocationsMoved, 0)

	requireFilled(t, manager.PinHandle(handles[1]), 1)
	requireFilled(t, manager.PinHandle(handles[3]), 3)
	require.NoError(t, manager.Validate())

	require.NoError(t, manager.FreeRaw(raw))
	require.NoError(t, manager.FreeHandle(big))
	require.NoError(t, manager.FreeHandle(handles[1]))
	require.NoError(t, manager.FreeHandle(handles[3]))
}

func TestExhaustionIsFatal(t *testing.T) {
	manager := readyManager(t, func(config *mmm.Config) {
		config.HeapSize = 0
		config.MaxBytes = config.PageSize
	})

	var recovered any
	func() {
		defer func() { recovered = recover() }()
		for i := 0; i < 64; i++ {
			manager.AllocHandle(4096)
		}
	}()

	err, isError := recovered.(error)
	require.True(t, isError)
	require.ErrorIs(t, err, mmm.ErrExhausted)

	stats := manager.Statistics()
	require.LessOrEqual(t, stats.BlockBytes, manager.PeakBlockBytes())
	require.LessOrEqual(t, manager.PeakBlockBytes(), 64*1024)
}

func TestOversizedWithoutHeapIsFatal(t *testing.T) {
	manager := readyManager(t, func(config *mmm.Config) {
		config.HeapSize = 0
	})

	require.Panics(t, func() { manager.AllocHandle(5000) })
}

func TestTrimPages(t *testing.T) {
	manager := readyManager(t, nil)

	handles := make([]mmm.Handle, 0, 8)
	for i := 0; i < 8; i++ {
		handles = append(handles, manager.AllocHandle(16))
	}
	for _, h := range handles {
		require.NoError(t, manager.FreeHandle(h))
	}

	classes := manager.ClassStatistics()
	require.Equal(t, 16, classes[0].ChunkSize)
	require.Equal(t, 1, classes[0].Pages)
	require.Equal(t, 1, classes[0].EmptyPages)
	require.Equal(t, 0, classes[0].LiveChunks)

	before := manager.Statistics().BlockBytes
	released := manager.TrimPages()
	require.Greater(t, released, 0)
	require.Equal(t, before-released, manager.Statistics().BlockBytes)
	require.Equal(t, 0, manager.ClassStatistics()[0].Pages)
	require.NoError(t, manager.Validate())
}

func TestRandomChurnKeepsAccountingOrdered(t *testing.T) {
	manager := readyManager(t, nil)
	rng := rand.New(rand.NewSource(42))

	live := map[mmm.Handle]int{}
	for step := 0; step < 3000; step++ {
		switch op := rng.Intn(10); {
		case op < 4 && len(live) < 128:
			size := rng.Intn(10000)
			h := manager.AllocHandle(size)
			live[h] = size
		case op < 7:
			for h := range live {
				size := rng.Intn(10000)
				require.NoError(t, manager.ResizeHandle(h, size))
				live[h] = size
				break
			}
		default:
			for h := range live {
				require.NoError(t, manager.FreeHandle(h))
				delete(live, h)
				break
			}
		}

		requireOrdered(t, manager)
		require.LessOrEqual(t, manager.Statistics().BlockBytes, manager.PeakBlockBytes())
		for h, size := range live {
			require.Equal(t, size, manager.HandleSize(h))
			require.GreaterOrEqual(t, manager.HandleCapacity(h), size)
		}
	}

	require.NoError(t, manager.Validate())
	detailed := manager.DetailedStatistics()
	require.Equal(t, len(live), detailed.AllocationCount)

	for h := range live {
		require.NoError(t, manager.FreeHandle(h))
	}
	require.NoError(t, manager.Destroy())
}

func TestDestroyReportsLeaks(t *testing.T) {
	manager := readyManager(t, nil)

	h := manager.AllocHandle(50)
	raw := manager.AllocRaw(20)
	require.Error(t, manager.Destroy())

	require.NoError(t, manager.FreeHandle(h))
	require.NoError(t, manager.FreeRaw(raw))
	require.NoError(t, manager.Destroy())
	require.NoError(t, manager.Destroy())

	require.Panics(t, func() { manager.AllocHandle(10) })
}

func TestBuildStatsString(t *testing.T) {
	manager := readyManager(t, nil)
	h := manager.AllocHandle(5000)

	summary := manager.BuildStatsString(false)
	require.True(t, strings.HasPrefix(summary, "{"))
	require.Contains(t, summary, `"Name":"test"`)
	require.Contains(t, summary, `"Defragmentation"`)
	require.NotContains(t, summary, `"Classes"`)

	detailed := manager.BuildStatsString(true)
	require.Contains(t, detailed, `"Classes"`)
	require.Contains(t, detailed, `"Heap"`)

	require.NoError(t, manager.FreeHandle(h))
}

func TestExternallySynchronized(t *testing.T) {
	manager := readyManager(t, func(config *mmm.Config) {
		config.ExternallySynchronized = true
	})

	h := manager.AllocHandle(10)
	require.NoError(t, manager.FreeHandle(h))
	require.NoError(t, manager.Destroy())
}
