package alloctrack_test

import (
	"testing"

	"github.com/heapguard/heapguard/alloctrack"
	"github.com/heapguard/heapguard/memutils"
	"github.com/stretchr/testify/require"
)

func TestDelayedFreeFIFO(t *testing.T) {
	q := alloctrack.NewDelayedFreeQueue(testLogger(), 2, 0, false)
	require.Equal(t, 2, q.Capacity())

	// Submissions below capacity are absorbed
	addr, evicted := q.Submit(100, 10, false)
	require.False(t, evicted)
	require.Zero(t, addr)

	addr, evicted = q.Submit(200, 10, false)
	require.False(t, evicted)
	require.Zero(t, addr)
	require.Equal(t, 2, q.Fill())

	// The ring is full: the first-submitted entry is evicted
	addr, evicted = q.Submit(300, 10, false)
	require.True(t, evicted)
	require.Equal(t, uintptr(100), addr)

	quarantined, _, _ := q.Overlaps(100, 110)
	require.False(t, quarantined)

	quarantined, start, end := q.Overlaps(200, 210)
	require.True(t, quarantined)
	require.Equal(t, uintptr(200), start)
	require.Equal(t, uintptr(210), end)

	quarantined, _, _ = q.Overlaps(300, 310)
	require.True(t, quarantined)

	// Eviction continues in submission order
	addr, evicted = q.Submit(400, 10, false)
	require.True(t, evicted)
	require.Equal(t, uintptr(200), addr)

	addr, evicted = q.Submit(500, 10, false)
	require.True(t, evicted)
	require.Equal(t, uintptr(300), addr)
}

func TestDelayedFreeDuplicatePanics(t *testing.T) {
	q := alloctrack.NewDelayedFreeQueue(testLogger(), 4, 0, false)

	_, _ = q.Submit(100, 10, false)
	require.Panics(t, func() {
		q.Submit(100, 10, false)
	})
}

func TestDelayedFreeRedzoneReporting(t *testing.T) {
	const redzone = 8
	q := alloctrack.NewDelayedFreeQueue(testLogger(), 4, redzone, false)

	// Real range 1000-1056 wraps a 40-byte payload at 1008-1048
	_, evicted := q.Submit(1000, 40+2*redzone, true)
	require.False(t, evicted)

	// Queries wholly inside the padding are not use-after-free
	quarantined, _, _ := q.Overlaps(1000, 1008)
	require.False(t, quarantined)
	quarantined, _, _ = q.Overlaps(1048, 1056)
	require.False(t, quarantined)

	// Any byte of the payload reports the payload bounds
	quarantined, start, end := q.Overlaps(1008, 1009)
	require.True(t, quarantined)
	require.Equal(t, uintptr(1008), start)
	require.Equal(t, uintptr(1048), end)

	quarantined, start, end = q.Overlaps(1047, 1060)
	require.True(t, quarantined)
	require.Equal(t, uintptr(1008), start)
	require.Equal(t, uintptr(1048), end)

	// A block without a redzone reports its full stored bounds
	_, _ = q.Submit(2000, 16, false)
	quarantined, start, end = q.Overlaps(2000, 2001)
	require.True(t, quarantined)
	require.Equal(t, uintptr(2000), start)
	require.Equal(t, uintptr(2016), end)
}

func TestDelayedFreeEmptyQuery(t *testing.T) {
	q := alloctrack.NewDelayedFreeQueue(testLogger(), 2, 0, false)

	_, _ = q.Submit(100, 10, false)
	quarantined, _, _ := q.Overlaps(105, 105)
	require.False(t, quarantined)
}

func TestDelayedFreeStatistics(t *testing.T) {
	q := alloctrack.NewDelayedFreeQueue(testLogger(), 2, 0, false)

	_, _ = q.Submit(100, 10, false)
	_, _ = q.Submit(200, 30, false)

	var stats memutils.Statistics
	stats.Clear()
	q.AddStatistics(&stats)
	require.Equal(t, 2, stats.QuarantineCount)
	require.Equal(t, 40, stats.QuarantineBytes)
	require.Equal(t, 0, stats.EvictedCount)

	_, _ = q.Submit(300, 50, false)
	stats.Clear()
	q.AddStatistics(&stats)
	require.Equal(t, 2, stats.QuarantineCount)
	require.Equal(t, 80, stats.QuarantineBytes)
	require.Equal(t, 1, stats.EvictedCount)
}

func TestDelayedFreeClear(t *testing.T) {
	q := alloctrack.NewDelayedFreeQueue(testLogger(), 2, 0, false)

	_, _ = q.Submit(100, 10, false)
	q.Clear()

	require.Equal(t, 0, q.Fill())
	quarantined, _, _ := q.Overlaps(100, 110)
	require.False(t, quarantined)

	// The ring restarts from empty after Clear
	_, evicted := q.Submit(100, 10, false)
	require.False(t, evicted)
}

func TestDelayedFreeZeroSizePassesThrough(t *testing.T) {
	q := alloctrack.NewDelayedFreeQueue(testLogger(), 2, 0, false)

	// free(malloc(0)): handed straight back without occupying the ring
	addr, evicted := q.Submit(0x1000, 0, false)
	require.True(t, evicted)
	require.Equal(t, uintptr(0x1000), addr)
	require.Equal(t, 0, q.Fill())

	quarantined, _, _ := q.Overlaps(0x1000, 0x1001)
	require.False(t, quarantined)

	// The same address can come back later without a double-free panic
	addr, evicted = q.Submit(0x1000, 0, false)
	require.True(t, evicted)
	require.Equal(t, uintptr(0x1000), addr)
}

func TestDelayedFreeInvalidCapacityPanics(t *testing.T) {
	require.Panics(t, func() {
		alloctrack.NewDelayedFreeQueue(testLogger(), 0, 0, false)
	})
}
