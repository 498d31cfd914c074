// Package callstack deduplicates allocation-site callstacks across the
// lifetime of a monitored process. Every live allocation carries a handle
// to its allocation-site stack; identical stacks share one refcounted
// entry, so a hot allocation site recorded millions of times costs one
// stored stack plus a counter.
//
// The table itself holds one reference to each entry. External owners (the
// metadata of live allocations) take and drop references through AddRef and
// Release; when the last external owner releases, the table drops its own
// slot and the entry is freed.
package callstack

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"

	"github.com/dolthub/swiss"
	"github.com/heapguard/heapguard/memutils"
	"golang.org/x/exp/slices"
)

const initialTableCapacity = 256

// Callstack is a deduplicated, reference-counted allocation-site stack.
// It is an opaque handle: consumers store it with allocation metadata and
// hand it back to the Table, but never mutate it.
type Callstack struct {
	frames   []uintptr
	hash     uint64
	refCount int
}

// Frames returns a copy of the captured return addresses, outermost last.
func (c *Callstack) Frames() []uintptr {
	return slices.Clone(c.frames)
}

// Hash returns the content hash the table indexed this stack under.
func (c *Callstack) Hash() uint64 {
	return c.hash
}

// RefCount returns the current reference count, including the table's own
// reference. It is a point-in-time snapshot for diagnostics and tests.
func (c *Callstack) RefCount() int {
	return c.refCount
}

// Table is the process-wide deduplication table for allocation-site
// callstacks. All operations execute under a single table-wide lock; the
// surrounding allocator lock is already coarse, and sharing one lock here
// avoids lock-ordering hazards with it.
type Table struct {
	mutex memutils.OptionalMutex

	// hash -> entries with that hash; the slice resolves hash collisions
	// by frame comparison
	entries *swiss.Map[uint64, []*Callstack]
	count   int
}

// NewTable creates an empty callstack table. When externallySynchronized is
// true the internal mutex is disabled and the consumer must serialize all
// calls itself.
func NewTable(externallySynchronized bool) *Table {
	return &Table{
		mutex: memutils.OptionalMutex{
			UseMutex: !externallySynchronized,
		},
		entries: swiss.NewMap[uint64, []*Callstack](initialTableCapacity),
	}
}

func hashFrames(frames []uintptr) uint64 {
	hasher := fnv.New64a()
	var word [8]byte
	for _, pc := range frames {
		binary.LittleEndian.PutUint64(word[:], uint64(pc))
		_, _ = hasher.Write(word[:])
	}
	return hasher.Sum64()
}

// Acquire looks up the raw captured stack against the table. If an equal
// entry already exists it is returned and the raw capture is discarded;
// otherwise a new entry enters the table with a reference count of 1,
// counting only the table's own slot. In both cases the caller does not yet
// own a reference: it must take one with AddRef before storing the handle.
func (t *Table) Acquire(frames []uintptr) *Callstack {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	hash := hashFrames(frames)
	bucket, _ := t.entries.Get(hash)
	for _, existing := range bucket {
		if slices.Equal(existing.frames, frames) {
			return existing
		}
	}

	entry := &Callstack{
		frames:   slices.Clone(frames),
		hash:     hash,
		refCount: 1,
	}
	t.entries.Put(hash, append(bucket, entry))
	t.count++
	return entry
}

// AddRef records one additional external owner of the entry.
func (t *Table) AddRef(cs *Callstack) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if cs.refCount < 1 {
		panic(fmt.Sprintf("adding a reference to a dead callstack entry (count %d)", cs.refCount))
	}
	cs.refCount++
}

// Release drops one external owner's reference and returns the remaining
// count. When the count drops to 1 only the table's own slot is left, so
// the table removes the slot, performs the final decrement, and the entry
// is dead (Release returns 0). Releasing an entry whose count would reach 0
// while the table still holds it indicates a double free of bookkeeping
// state and panics.
func (t *Table) Release(cs *Callstack) int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	cs.refCount--
	if cs.refCount == 0 {
		panic(fmt.Sprintf("callstack refcount hit 0 while the table still holds the entry (hash %#x)", cs.hash))
	}
	if cs.refCount > 1 {
		return cs.refCount
	}

	t.removeEntry(cs)
	cs.refCount--
	return cs.refCount
}

func (t *Table) removeEntry(cs *Callstack) {
	bucket, ok := t.entries.Get(cs.hash)
	if !ok {
		panic(fmt.Sprintf("releasing a callstack entry (hash %#x) that is not in the table", cs.hash))
	}

	index := slices.Index(bucket, cs)
	if index < 0 {
		panic(fmt.Sprintf("releasing a callstack entry (hash %#x) that is not in the table", cs.hash))
	}

	bucket = slices.Delete(bucket, index, index+1)
	if len(bucket) == 0 {
		t.entries.Delete(cs.hash)
	} else {
		t.entries.Put(cs.hash, bucket)
	}
	t.count--
}

// UniqueCount returns the number of distinct callstacks currently held.
func (t *Table) UniqueCount() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	return t.count
}

// Contains reports whether the entry is still present in the table.
func (t *Table) Contains(cs *Callstack) bool {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	bucket, _ := t.entries.Get(cs.hash)
	return slices.Index(bucket, cs) >= 0
}

// AddStatistics sums this table's counters into the provided statistics.
func (t *Table) AddStatistics(stats *memutils.Statistics) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	stats.UniqueCallstackCount += t.count
}

// Clear unconditionally drops every remaining entry, regardless of
// outstanding references. It is called once at process-wide teardown, where
// still-referenced entries must not be reported as leaks of the table
// itself.
func (t *Table) Clear() {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.entries = swiss.NewMap[uint64, []*Callstack](initialTableCapacity)
	t.count = 0
}
