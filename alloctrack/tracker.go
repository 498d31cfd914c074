package alloctrack

import (
	"context"
	"fmt"

	"github.com/heapguard/heapguard/callstack"
	"github.com/heapguard/heapguard/memutils"
	"golang.org/x/exp/slog"
)

func (t *Tracker) shadowing() bool {
	return !t.leaksOnly
}

// PreAlloc runs before a malloc or realloc commits. When the allocation is
// a retry, prior is the callstack handle captured for the earlier attempt
// and is reused; otherwise frames (a raw capture of the allocation site,
// typically from callstack.Capture) is deduplicated through the table. The
// returned handle carries one reference owned by the new allocation's
// metadata; the owner must hand it back through ReleaseCallstack when the
// metadata is destroyed.
func (t *Tracker) PreAlloc(prior *callstack.Callstack, frames []uintptr) *callstack.Callstack {
	cs := prior
	if cs == nil {
		if frames == nil {
			frames = callstack.Capture(1)
		}
		cs = t.callstacks.Acquire(frames)
	}
	t.callstacks.AddRef(cs)
	return cs
}

// ReleaseCallstack drops the reference owned by an allocation's metadata
// once that metadata is destroyed.
func (t *Tracker) ReleaseCallstack(cs *callstack.Callstack) {
	t.callstacks.Release(cs)
}

// HandleMalloc runs after a malloc (or the allocating half of a realloc)
// succeeds. zeroed indicates the region is known to be zero-filled, in
// which case it is immediately defined; otherwise it is addressable but
// undefined. cs is the handle returned from PreAlloc for this allocation.
func (t *Tracker) HandleMalloc(base uintptr, size uintptr, zeroed bool, isRealloc bool, cs *callstack.Callstack) {
	if t.shadowing() {
		state := ShadowUndefined
		if zeroed {
			// When the allocator zero-fills before we can observe the
			// writes, the memset happened while the region was still
			// unaddressable, so mark defined here instead
			state = ShadowDefined
		}
		t.shadow.SetRange(base, base+size, state)
	}

	routine := "malloc"
	if isRealloc {
		routine = "realloc"
	}
	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "alloc",
		slog.String("routine", routine),
		slog.Uint64("base", uint64(base)),
		slog.Uint64("end", uint64(base+size)),
	)

	t.leaks.RegisterAlloc(base, base+size, cs)
}

// HandleFree runs when the application frees a heap block. base and size
// describe the application-visible allocation; realBase is the address the
// real free routine expects (it differs from base exactly when the block
// carries a redzone).
//
// The return value is the address to pass to the real free routine now.
// When delayed=true the free was absorbed into the quarantine and nothing
// must be freed yet; otherwise passToFree is either realBase unchanged (no
// quarantine configured) or the oldest quarantined address evicted to make
// room.
func (t *Tracker) HandleFree(base uintptr, size uintptr, realBase uintptr) (passToFree uintptr, delayed bool) {
	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "free",
		slog.Uint64("base", uint64(base)),
		slog.Uint64("end", uint64(base+size)),
	)

	if t.shadowing() {
		t.shadow.SetRange(base, base+size, ShadowUnaddressable)
	}

	if !t.shadowing() || t.delayedFrees == nil {
		return realBase, false
	}

	// Quarantine the real range, redzones included, so adjacent-overflow
	// accesses into the padding can still be attributed
	var realSize uintptr
	hasRedzone := base != realBase
	if hasRedzone {
		if base-realBase != t.redzoneSize {
			panic(fmt.Sprintf("redzone mismatch: block base %#x sits %d bytes past real base %#x, expected %d",
				base, base-realBase, realBase, t.redzoneSize))
		}
		realSize = size + 2*t.redzoneSize
	} else {
		// A pre-instrumentation allocation with no redzone
		realSize = size
	}

	evictedAddr, evicted := t.delayedFrees.Submit(realBase, realSize, hasRedzone)
	if !evicted {
		return 0, true
	}
	return evictedAddr, false
}

// HandleRealloc runs after a realloc that moved or resized a block. The old
// region's shadow state is copied onto the new region, growth is marked
// undefined, and whatever part of the old region the new one does not cover
// becomes unaddressable.
//
// Two limitations are inherited from the surrounding allocator's design:
// the old region could have been handed out again by the time this runs
// (the allocator's own lock, not this core, serializes same-address reuse),
// and the old region bypasses the delayed-free quarantine entirely.
func (t *Tracker) HandleRealloc(oldBase uintptr, oldSize uintptr, newBase uintptr, newSize uintptr, cs *callstack.Callstack) {
	if t.shadowing() {
		if newSize > oldSize {
			t.shadow.CopyRange(oldBase, newBase, oldSize)
			t.shadow.SetRange(newBase+oldSize, newBase+newSize, ShadowUndefined)
		} else {
			t.shadow.CopyRange(oldBase, newBase, newSize)
		}

		// Whatever the front of the old region no longer covered by the new
		// one, up to the whole old region
		if newBase > oldBase {
			unaddrEnd := oldBase + oldSize
			if newBase < unaddrEnd {
				unaddrEnd = newBase
			}
			t.shadow.SetRange(oldBase, unaddrEnd, ShadowUnaddressable)
		}

		// Same for the tail. Not an else of the above: the new region can be
		// fully inside the old one
		if newBase+newSize < oldBase+oldSize {
			start := oldBase
			if newBase+newSize >= oldBase {
				start = newBase + newSize
			}
			t.shadow.SetRange(start, oldBase+oldSize, ShadowUnaddressable)
		}
	}

	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "realloc",
		slog.Uint64("oldBase", uint64(oldBase)),
		slog.Uint64("oldEnd", uint64(oldBase+oldSize)),
		slog.Uint64("newBase", uint64(newBase)),
		slog.Uint64("newEnd", uint64(newBase+newSize)),
	)

	t.leaks.RegisterAlloc(newBase, newBase+newSize, cs)
}

// HandleAllocFailure records an allocation the real allocator refused. The
// condition belongs to the allocator, not this core; it is logged with the
// current quarantine load since delayed frees can be the reason the heap
// looks exhausted.
func (t *Tracker) HandleAllocFailure(size uintptr) {
	var stats memutils.Statistics
	stats.Clear()
	if t.delayedFrees != nil {
		t.delayedFrees.AddStatistics(&stats)
	}

	t.logger.LogAttrs(context.Background(), slog.LevelWarn, "heap allocation failed",
		slog.Uint64("size", uint64(size)),
		slog.Int("delayedBytes", stats.QuarantineBytes),
	)
}

// HandleReallocNull records a realloc(NULL, ...) call. The call is
// guaranteed to be handled properly by the allocator, but a warning is
// reported in case it was unintentional by the application.
func (t *Tracker) HandleReallocNull() {
	if t.warnNullRealloc {
		t.logger.LogAttrs(context.Background(), slog.LevelWarn, "realloc() called with NULL pointer")
	}
}

// HandleMmap runs when the monitored process maps memory. Anonymous
// mappings enter the mapping tracker so their bounds can be recovered
// later. heapArena indicates the mapping was made inside an allocator
// routine as arena backing: such regions stay unaddressable until the
// post-malloc event parcels them out, which also covers oversized arena
// headers without racing. File-backed mappings are tracked by a separate
// path and only logged here.
func (t *Tracker) HandleMmap(base uintptr, size uintptr, anon bool, heapArena bool) {
	if anon {
		// The kernel zeroes fresh anonymous memory, so outside of heap
		// routines the region is immediately defined
		if !heapArena && t.shadowing() {
			t.shadow.SetRange(base, base+size, ShadowDefined)
		}
		t.mappings.Add(base, size)
	}

	kind := "file"
	if anon {
		kind = "anon"
	}
	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "mmap",
		slog.String("kind", kind),
		slog.Uint64("base", uint64(base)),
		slog.Uint64("end", uint64(base+size)),
	)
}

// HandleMunmap runs when the monitored process unmaps memory. Whether the
// range was an anonymous mapping is not known at the event boundary, so the
// mapping tracker decides: a tracked range becomes unaddressable here and
// wasAnon is true; an untracked range belongs to the file-backed path and
// its shadow reinterpretation is left to the external mapping walker.
func (t *Tracker) HandleMunmap(base uintptr, size uintptr) (wasAnon bool) {
	wasAnon = t.mappings.Remove(base, size)
	if wasAnon && t.shadowing() {
		t.shadow.SetRange(base, base+size, ShadowUnaddressable)
	}

	t.logger.LogAttrs(context.Background(), slog.LevelDebug, "munmap",
		slog.Bool("anon", wasAnon),
		slog.Uint64("base", uint64(base)),
		slog.Uint64("end", uint64(base+size)),
	)
	return wasAnon
}

// HandleMunmapFail restores the bookkeeping HandleMunmap already tore down
// when the unmap itself failed. The pre-unmap shadow values are not
// preserved, so the region is re-marked defined wholesale.
func (t *Tracker) HandleMunmapFail(base uintptr, size uintptr, anon bool) {
	if anon {
		if t.shadowing() {
			t.shadow.SetRange(base, base+size, ShadowDefined)
		}
		t.mappings.Add(base, size)
	}
}

// HandleMremap runs when an anonymous region is moved or resized in place.
// The old range must already be tracked; remap of a region this core has
// never seen means the model has diverged from the address space and
// panics. image indicates the grown portion is backed by an image mapping
// and therefore defined rather than undefined.
func (t *Tracker) HandleMremap(oldBase uintptr, oldSize uintptr, newBase uintptr, newSize uintptr, image bool) {
	if t.shadowing() {
		copySize := oldSize
		if newSize < oldSize {
			copySize = newSize
		}
		t.shadow.CopyRange(oldBase, newBase, copySize)

		if newSize < oldSize {
			t.shadow.SetRange(oldBase+newSize, oldBase+oldSize, ShadowUnaddressable)
		} else if newSize > oldSize {
			state := ShadowUndefined
			if image {
				state = ShadowDefined
			}
			t.shadow.SetRange(newBase+oldSize, newBase+newSize, state)
		}
	}

	if !t.mappings.Remove(oldBase, oldSize) {
		panic(fmt.Sprintf("mremap of unknown region %#x-%#x: only tracked anonymous regions may be remapped",
			oldBase, oldBase+oldSize))
	}
	t.mappings.Add(newBase, newSize)
}

// OverlapsDelayedFree reports whether any byte of [start, end) belongs to a
// still-quarantined freed block, along with the original payload bounds for
// the report. Always false when delayed frees are disabled.
func (t *Tracker) OverlapsDelayedFree(start uintptr, end uintptr) (quarantined bool, freeStart uintptr, freeEnd uintptr) {
	if t.delayedFrees == nil {
		return false, 0, 0
	}
	return t.delayedFrees.Overlaps(start, end)
}

// AnonMappingAt recovers the bounds of the tracked anonymous mapping
// containing addr, for consumers such as stack-bounds discovery.
func (t *Tracker) AnonMappingAt(addr uintptr) (base uintptr, size uintptr, ok bool) {
	return t.mappings.Lookup(addr)
}

// Statistics returns a snapshot of all component counters.
func (t *Tracker) Statistics() memutils.Statistics {
	var stats memutils.Statistics
	stats.Clear()

	t.callstacks.AddStatistics(&stats)
	t.mappings.AddStatistics(&stats)
	if t.delayedFrees != nil {
		t.delayedFrees.AddStatistics(&stats)
	}
	return stats
}

// Destroy tears the tracker down at the end of the monitored process. All
// remaining callstack entries are dropped unconditionally, whatever their
// reference counts, and quarantined blocks are abandoned rather than
// freed: the leak report excludes them instead.
func (t *Tracker) Destroy() {
	stats := t.Statistics()
	t.logger.LogAttrs(context.Background(), slog.LevelInfo, "allocation tracker teardown",
		slog.Int("uniqueCallstacks", stats.UniqueCallstackCount),
		slog.Int("trackedMappings", stats.MappingCount),
		slog.Int("quarantinedBlocks", stats.QuarantineCount),
		slog.Int("evictedBlocks", stats.EvictedCount),
	)

	t.callstacks.Clear()
	t.mappings.Clear()
	if t.delayedFrees != nil {
		t.delayedFrees.Clear()
	}
}
