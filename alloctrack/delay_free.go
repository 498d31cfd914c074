package alloctrack

import (
	"context"
	"fmt"

	"github.com/heapguard/heapguard/memutils"
	"github.com/heapguard/heapguard/memutils/interval"
	"golang.org/x/exp/slog"
)

// delayedFreeSlot is one ring-buffer position. The stored address is the
// value to eventually pass to the real free routine (it includes the
// redzone); size is retained for statistics only.
type delayedFreeSlot struct {
	addr uintptr
	size uintptr
}

// DelayedFreeQueue quarantines recently-freed heap blocks so accesses to
// them remain detectable as use-after-free instead of silently landing in
// reused memory. It is a fixed-capacity FIFO: once full, submitting a new
// block evicts the oldest, which is then truly freed. A parallel interval
// tree indexes the quarantined addresses so the per-access "is this byte a
// freed block" query costs O(log n) rather than a scan of the ring.
//
// The ring and the tree always describe the same address set; divergence
// between them is an internal error and panics.
type DelayedFreeQueue struct {
	logger *slog.Logger

	mutex memutils.OptionalMutex

	capacity    int
	redzoneSize uintptr

	slots []delayedFreeSlot
	// head is the eviction point once the ring is full
	head int
	// fill is the number of populated slots; fill == capacity means the
	// ring is full and rotating
	fill int

	// tree node payload records whether the block carries redzone padding
	tree *interval.Tree[bool]

	delayedBytes int
	evictedCount int
}

// NewDelayedFreeQueue creates an empty quarantine holding up to capacity
// blocks. redzoneSize is the per-side padding width used to shrink reported
// bounds for redzoned blocks; 0 disables redzone-aware reporting. When
// externallySynchronized is true the internal lock is disabled.
func NewDelayedFreeQueue(logger *slog.Logger, capacity int, redzoneSize uintptr, externallySynchronized bool) *DelayedFreeQueue {
	if capacity < 1 {
		panic(fmt.Sprintf("delayed-free queue requires a capacity of at least 1, got %d", capacity))
	}

	return &DelayedFreeQueue{
		logger: logger,
		mutex: memutils.OptionalMutex{
			UseMutex: !externallySynchronized,
		},
		capacity:    capacity,
		redzoneSize: redzoneSize,
		slots:       make([]delayedFreeSlot, capacity),
		tree:        interval.NewTree[bool](),
	}
}

// Capacity returns the configured maximum number of quarantined blocks.
func (q *DelayedFreeQueue) Capacity() int {
	return q.capacity
}

// Submit quarantines the freed block [realBase, realBase+realSize), which
// must include any redzone padding. hasRedzone records whether the block
// carries redzoneSize bytes of padding on each side.
//
// If the ring is not yet full the free is absorbed and Submit returns
// evicted=false: the caller must not forward anything to the real free
// routine. If the ring is full, the oldest quarantined block is evicted and
// its address returned for the caller to really free now. A zero-sized
// block (free of a malloc(0) result with no redzone) occupies no quarantine
// space at all: it passes straight through for immediate freeing.
//
// Submitting an address that is already quarantined is a contract violation
// and panics: the surrounding allocator must never double-free one block.
func (q *DelayedFreeQueue) Submit(realBase uintptr, realSize uintptr, hasRedzone bool) (passToFree uintptr, evicted bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if realSize == 0 {
		// Nothing to detect a use-after-free against; holding a slot for it
		// would only displace a real block
		return realBase, true
	}

	if conflict := q.tree.Insert(realBase, realSize, hasRedzone); conflict != nil {
		panic(fmt.Sprintf("address %#x is already quarantined as %#x-%#x: double free of a quarantined block",
			realBase, conflict.Base(), conflict.End()))
	}
	memutils.DebugValidate(q.tree)

	if q.fill < q.capacity {
		q.slots[q.fill] = delayedFreeSlot{addr: realBase, size: realSize}
		q.fill++
		q.delayedBytes += int(realSize)

		q.logger.LogAttrs(context.Background(), slog.LevelDebug, "delayed free queue not full: delaying free",
			slog.Int("fill", q.fill),
			slog.Uint64("base", uint64(realBase)),
		)
		return 0, false
	}

	oldest := q.slots[q.head]
	node := q.tree.Find(oldest.addr)
	if node == nil {
		panic(fmt.Sprintf("delayed-free tree inconsistent: ring slot holds %#x but the tree does not", oldest.addr))
	}
	q.tree.Delete(node)

	q.slots[q.head] = delayedFreeSlot{addr: realBase, size: realSize}
	q.head++
	if q.head >= q.capacity {
		q.head = 0
	}
	q.delayedBytes += int(realSize) - int(oldest.size)
	q.evictedCount++

	q.logger.LogAttrs(context.Background(), slog.LevelDebug, "delayed free queue full: freeing oldest",
		slog.Uint64("evicted", uint64(oldest.addr)),
		slog.Uint64("base", uint64(realBase)),
	)
	return oldest.addr, true
}

// Overlaps reports whether any byte of [start, end) is currently
// quarantined. For a redzoned block only the original payload counts: the
// reported bounds shrink inward by the redzone width on each side, and a
// query that touches only the padding reports not-quarantined, so that
// redzone diagnostics are distinguishable from true use-after-free.
func (q *DelayedFreeQueue) Overlaps(start uintptr, end uintptr) (quarantined bool, freeStart uintptr, freeEnd uintptr) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	if end <= start {
		return false, 0, 0
	}

	node := q.tree.FindOverlapping(start, end-start)
	if node == nil {
		return false, 0, 0
	}

	if !node.Payload {
		return true, node.Base(), node.End()
	}

	payloadStart := node.Base() + q.redzoneSize
	payloadEnd := node.End() - q.redzoneSize
	if start >= payloadEnd || end <= payloadStart {
		return false, 0, 0
	}
	return true, payloadStart, payloadEnd
}

// VisitQuarantine calls visit once per quarantined block in ascending
// address order, stopping early if visit returns false.
func (q *DelayedFreeQueue) VisitQuarantine(visit func(realBase uintptr, realSize uintptr, hasRedzone bool) bool) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.tree.VisitAll(func(node *interval.Node[bool]) bool {
		return visit(node.Base(), node.Size(), node.Payload)
	})
}

// Fill returns the number of currently quarantined blocks.
func (q *DelayedFreeQueue) Fill() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	return q.fill
}

// AddStatistics sums this queue's counters into the provided statistics.
func (q *DelayedFreeQueue) AddStatistics(stats *memutils.Statistics) {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	stats.QuarantineCount += q.fill
	stats.QuarantineBytes += q.delayedBytes
	stats.EvictedCount += q.evictedCount
}

// Clear drops all quarantined blocks without freeing them. Called once at
// teardown: the quarantined memory is intentionally never handed back, and
// the leak report excludes it instead.
func (q *DelayedFreeQueue) Clear() {
	q.mutex.Lock()
	defer q.mutex.Unlock()

	q.tree.Clear()
	q.head = 0
	q.fill = 0
	q.delayedBytes = 0
}
