package alloctrack_test

import (
	"io"
	"testing"

	"github.com/heapguard/heapguard/alloctrack"
	"github.com/heapguard/heapguard/memutils"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, nil))
}

func trackedRegions(m *alloctrack.MappingTracker) [][2]uintptr {
	var regions [][2]uintptr
	m.VisitRegions(func(base uintptr, size uintptr) bool {
		regions = append(regions, [2]uintptr{base, size})
		return true
	})
	return regions
}

func TestMappingAddMergesAdjacentAndOverlapping(t *testing.T) {
	m := alloctrack.NewMappingTracker(testLogger(), false)

	m.Add(1000, 100)
	require.Equal(t, [][2]uintptr{{1000, 100}}, trackedRegions(m))

	// Adjacent region merges
	m.Add(1100, 50)
	require.Equal(t, [][2]uintptr{{1000, 150}}, trackedRegions(m))

	// Overlapping region merges
	m.Add(1100, 200)
	require.Equal(t, [][2]uintptr{{1000, 300}}, trackedRegions(m))

	// Disjoint region stays separate
	m.Add(2000, 100)
	require.Equal(t, [][2]uintptr{{1000, 300}, {2000, 100}}, trackedRegions(m))

	// Filling the gap collapses everything into one region
	m.Add(1300, 700)
	require.Equal(t, [][2]uintptr{{1000, 1100}}, trackedRegions(m))
}

func TestMappingRemoveSplits(t *testing.T) {
	m := alloctrack.NewMappingTracker(testLogger(), false)

	m.Add(1000, 100)
	m.Add(1100, 50)

	// Interior removal yields two remnants
	require.True(t, m.Remove(1020, 10))
	require.Equal(t, [][2]uintptr{{1000, 20}, {1030, 120}}, trackedRegions(m))

	base, size, ok := m.Lookup(1005)
	require.True(t, ok)
	require.Equal(t, uintptr(1000), base)
	require.Equal(t, uintptr(20), size)

	_, _, ok = m.Lookup(1025)
	require.False(t, ok)
}

func TestMappingRemovePrefixAndSuffix(t *testing.T) {
	m := alloctrack.NewMappingTracker(testLogger(), false)

	m.Add(1000, 100)

	// Prefix-aligned removal leaves one suffix remnant
	require.True(t, m.Remove(1000, 30))
	require.Equal(t, [][2]uintptr{{1030, 70}}, trackedRegions(m))

	// Suffix-aligned removal leaves one prefix remnant
	require.True(t, m.Remove(1080, 20))
	require.Equal(t, [][2]uintptr{{1030, 50}}, trackedRegions(m))

	// Exact removal leaves nothing
	require.True(t, m.Remove(1030, 50))
	require.Empty(t, trackedRegions(m))
}

func TestMappingRemoveSpanningMultipleRegions(t *testing.T) {
	m := alloctrack.NewMappingTracker(testLogger(), false)

	m.Add(1000, 100)
	m.Add(2000, 100)
	m.Add(3000, 100)

	// One removal can clip several disjoint regions
	require.True(t, m.Remove(1050, 2000))
	require.Equal(t, [][2]uintptr{{1000, 50}, {3050, 50}}, trackedRegions(m))
}

func TestMappingRemoveUnknownRangeIsNotFound(t *testing.T) {
	m := alloctrack.NewMappingTracker(testLogger(), false)

	// Some memory is mapped outside this tracker's knowledge; removal is
	// legal and reports not-found
	require.False(t, m.Remove(5000, 100))

	m.Add(1000, 100)
	require.False(t, m.Remove(5000, 100))
	require.Equal(t, [][2]uintptr{{1000, 100}}, trackedRegions(m))
}

func TestMappingLookup(t *testing.T) {
	m := alloctrack.NewMappingTracker(testLogger(), false)

	m.Add(0x7f0000000000, 0x200000)

	base, size, ok := m.Lookup(0x7f00001fffff)
	require.True(t, ok)
	require.Equal(t, uintptr(0x7f0000000000), base)
	require.Equal(t, uintptr(0x200000), size)

	_, _, ok = m.Lookup(0x7f0000200000)
	require.False(t, ok)
}

func TestMappingStatistics(t *testing.T) {
	m := alloctrack.NewMappingTracker(testLogger(), false)

	m.Add(1000, 100)
	m.Add(3000, 300)

	var stats memutils.Statistics
	stats.Clear()
	m.AddStatistics(&stats)
	require.Equal(t, 2, stats.MappingCount)
	require.Equal(t, 400, stats.MappingBytes)

	m.Clear()
	stats.Clear()
	m.AddStatistics(&stats)
	require.Equal(t, 0, stats.MappingCount)
}
