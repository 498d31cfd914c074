package alloctrack

import (
	"context"

	"github.com/heapguard/heapguard/memutils"
	"github.com/heapguard/heapguard/memutils/interval"
	"golang.org/x/exp/slog"
)

// MappingTracker maintains the set of currently-live anonymous memory
// mappings as a minimal collection of maximal regions: adding a region that
// overlaps or abuts tracked regions collapses them into one, and removing a
// sub-range splits the remainder into zero, one, or two surviving regions.
//
// Its primary consumer is stack-bounds discovery: given an address on an
// unknown stack, Lookup recovers the bounds of the anonymous mapping that
// backs it. File-backed mappings are tracked elsewhere and are invisible to
// this tracker, so removing a range it never saw is an ordinary not-found
// result.
type MappingTracker struct {
	logger *slog.Logger

	mutex memutils.OptionalRWMutex
	tree  *interval.Tree[struct{}]
}

// NewMappingTracker creates an empty tracker. When externallySynchronized
// is true the internal lock is disabled and the consumer must serialize all
// calls itself.
func NewMappingTracker(logger *slog.Logger, externallySynchronized bool) *MappingTracker {
	return &MappingTracker{
		logger: logger,
		mutex: memutils.OptionalRWMutex{
			UseMutex: !externallySynchronized,
		},
		tree: interval.NewTree[struct{}](),
	}
}

// Add records [base, base+size) as anonymously mapped, merging it with any
// tracked region it overlaps or abuts.
func (m *MappingTracker) Add(base uintptr, size uintptr) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	mergeBase := base
	mergeEnd := base + size

	// Query one byte beyond each side so abutting neighbors merge too. Any
	// region reachable from the merged result is already reachable from the
	// original range, because prior adds left the tracked set collapsed.
	queryBase := base
	if queryBase > 0 {
		queryBase--
	}
	queryEnd := mergeEnd
	if queryEnd+1 > queryEnd {
		queryEnd++
	}

	merged := false
	for {
		overlap := m.tree.FindOverlapping(queryBase, queryEnd-queryBase)
		if overlap == nil {
			break
		}

		if overlap.Base() < mergeBase {
			mergeBase = overlap.Base()
		}
		if overlap.End() > mergeEnd {
			mergeEnd = overlap.End()
		}
		m.tree.Delete(overlap)
		merged = true
	}

	if conflict := m.tree.Insert(mergeBase, mergeEnd-mergeBase, struct{}{}); conflict != nil {
		panic("anonymous mapping tree error: merged region still overlaps a live node")
	}
	memutils.DebugValidate(m.tree)

	if merged {
		m.logger.LogAttrs(context.Background(), slog.LevelDebug, "anon mapping add: merged with existing",
			slog.Uint64("base", uint64(base)),
			slog.Uint64("end", uint64(base+size)),
			slog.Uint64("mergedBase", uint64(mergeBase)),
			slog.Uint64("mergedEnd", uint64(mergeEnd)),
		)
	}
}

// Remove erases [base, base+size) from the tracked set and reports whether
// any tracked region intersected it. Regions partially covered by the
// removal survive as their uncovered prefix and/or suffix.
func (m *MappingTracker) Remove(base uintptr, size uintptr) bool {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	end := base + size
	found := false
	for {
		overlap := m.tree.FindOverlapping(base, size)
		if overlap == nil {
			break
		}

		overlapBase := overlap.Base()
		overlapEnd := overlap.End()
		m.tree.Delete(overlap)

		if overlapBase < base {
			if conflict := m.tree.Insert(overlapBase, base-overlapBase, struct{}{}); conflict != nil {
				panic("anonymous mapping tree error: prefix remnant overlaps a live node")
			}
		}
		if overlapEnd > end {
			if conflict := m.tree.Insert(end, overlapEnd-end, struct{}{}); conflict != nil {
				panic("anonymous mapping tree error: suffix remnant overlaps a live node")
			}
		}
		found = true
	}
	memutils.DebugValidate(m.tree)

	return found
}

// Lookup returns the bounds of the tracked anonymous mapping containing
// addr, or ok=false if no tracked mapping contains it.
func (m *MappingTracker) Lookup(addr uintptr) (base uintptr, size uintptr, ok bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	node := m.tree.FindContaining(addr)
	if node == nil {
		return 0, 0, false
	}
	return node.Base(), node.Size(), true
}

// VisitRegions calls visit once per tracked region in ascending order with
// copies of the region bounds, stopping early if visit returns false.
func (m *MappingTracker) VisitRegions(visit func(base uintptr, size uintptr) bool) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	m.tree.VisitAll(func(node *interval.Node[struct{}]) bool {
		return visit(node.Base(), node.Size())
	})
}

// AddStatistics sums this tracker's counters into the provided statistics.
func (m *MappingTracker) AddStatistics(stats *memutils.Statistics) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	stats.MappingCount += m.tree.Len()
	m.tree.VisitAll(func(node *interval.Node[struct{}]) bool {
		stats.MappingBytes += int(node.Size())
		return true
	})
}

// Clear drops every tracked region. Called once at teardown.
func (m *MappingTracker) Clear() {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.tree.Clear()
}
