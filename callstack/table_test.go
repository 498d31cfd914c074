package callstack_test

import (
	"testing"

	"github.com/heapguard/heapguard/callstack"
	"github.com/heapguard/heapguard/memutils"
	"github.com/stretchr/testify/require"
)

func TestAcquireDeduplicates(t *testing.T) {
	table := callstack.NewTable(false)

	frames := []uintptr{0x401000, 0x402000, 0x403000}
	first := table.Acquire(frames)
	require.NotNil(t, first)
	require.Equal(t, 1, first.RefCount())
	require.Equal(t, 1, table.UniqueCount())

	// A second capture of the same site returns the same entry and the raw
	// capture is discarded
	second := table.Acquire([]uintptr{0x401000, 0x402000, 0x403000})
	require.Same(t, first, second)
	require.Equal(t, 1, table.UniqueCount())

	other := table.Acquire([]uintptr{0x401000, 0x402000, 0x404000})
	require.NotSame(t, first, other)
	require.Equal(t, 2, table.UniqueCount())

	var stats memutils.Statistics
	stats.Clear()
	table.AddStatistics(&stats)
	require.Equal(t, 2, stats.UniqueCallstackCount)
}

func TestReferenceLifecycle(t *testing.T) {
	table := callstack.NewTable(false)

	cs := table.Acquire([]uintptr{0x401000, 0x402000})
	table.AddRef(cs) // first allocation
	table.AddRef(cs) // second allocation sharing the stack
	require.Equal(t, 3, cs.RefCount())

	require.Equal(t, 2, table.Release(cs))
	require.True(t, table.Contains(cs))

	// Last owner gone: the table removes its own slot and the entry dies
	require.Equal(t, 0, table.Release(cs))
	require.False(t, table.Contains(cs))
	require.Equal(t, 0, table.UniqueCount())
}

func TestReleaseToZeroPanics(t *testing.T) {
	table := callstack.NewTable(false)

	cs := table.Acquire([]uintptr{0x401000})
	table.AddRef(cs)
	require.Equal(t, 0, table.Release(cs))

	// The entry is dead; releasing again is a double free of bookkeeping
	require.Panics(t, func() {
		table.Release(cs)
	})
}

func TestFramesAreCopied(t *testing.T) {
	table := callstack.NewTable(false)

	raw := []uintptr{0x401000, 0x402000}
	cs := table.Acquire(raw)
	raw[0] = 0xdeadbeef

	frames := cs.Frames()
	require.Equal(t, []uintptr{0x401000, 0x402000}, frames)

	// The returned slice is a copy as well
	frames[1] = 0xdeadbeef
	require.Equal(t, []uintptr{0x401000, 0x402000}, cs.Frames())
}

func TestHashCollisionsResolvedByContent(t *testing.T) {
	table := callstack.NewTable(false)

	// Different stacks land in different entries even when short; dedup is
	// by content equality, not hash alone
	a := table.Acquire([]uintptr{0x1})
	b := table.Acquire([]uintptr{0x2})
	require.NotSame(t, a, b)
	require.NotEqual(t, a.Hash(), b.Hash())
}

func TestClearDropsReferencedEntries(t *testing.T) {
	table := callstack.NewTable(false)

	cs := table.Acquire([]uintptr{0x401000})
	table.AddRef(cs)

	table.Clear()
	require.Equal(t, 0, table.UniqueCount())
	require.False(t, table.Contains(cs))
}

func TestCapture(t *testing.T) {
	frames := callstack.Capture(0)
	require.NotEmpty(t, frames)
	require.LessOrEqual(t, len(frames), callstack.MaxFrames)

	// Two captures from the same call site deduplicate to one entry
	table := callstack.NewTable(false)
	var first, second *callstack.Callstack
	capture := func() *callstack.Callstack {
		return table.Acquire(callstack.Capture(1))
	}
	for i := 0; i < 2; i++ {
		cs := capture()
		if i == 0 {
			first = cs
		} else {
			second = cs
		}
	}
	require.Same(t, first, second)
	require.Equal(t, 1, table.UniqueCount())
}
