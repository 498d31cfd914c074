// Package alloctrack is the bookkeeping core of a dynamic memory-error
// detector. It receives allocator lifecycle events (malloc, free, realloc,
// mmap, munmap, mremap) from an external instrumentation layer and keeps
// three indices exactly consistent with the monitored address space: a
// reference-counted table of deduplicated allocation-site callstacks, a
// bounded delayed-free quarantine for use-after-free detection, and an
// interval tree of live anonymous mappings used to recover region bounds.
//
// The package never stores shadow bytes itself. It decides which ranges
// transition to which shadow state and forwards those decisions to an
// injected StateWriter.
package alloctrack

import (
	"github.com/heapguard/heapguard/callstack"
)

// ShadowState is the per-byte classification mirrored for every address in
// the monitored process.
type ShadowState uint32

const (
	// ShadowUnaddressable marks bytes the application must not touch at all
	ShadowUnaddressable ShadowState = iota
	// ShadowUndefined marks bytes that may be written but hold no
	// initialized value yet
	ShadowUndefined
	// ShadowDefined marks bytes that are both addressable and initialized
	ShadowDefined
)

var shadowStateMapping = map[ShadowState]string{
	ShadowUnaddressable: "ShadowUnaddressable",
	ShadowUndefined:     "ShadowUndefined",
	ShadowDefined:       "ShadowDefined",
}

func (s ShadowState) String() string {
	return shadowStateMapping[s]
}

// StateWriter is the downstream consumer of shadow-state decisions. The
// tracker decides what ranges enter which state; the writer owns how the
// shadow bits are stored.
//
// Ranges are half-open [start, end).
type StateWriter interface {
	// SetRange transitions every byte in [start, end) to the given state
	SetRange(start, end uintptr, state ShadowState)
	// CopyRange replicates the shadow state of [oldStart, oldStart+size)
	// onto [newStart, newStart+size)
	CopyRange(oldStart, newStart, size uintptr)
}

// LeakRegistry receives the allocation records the leak-scanning subsystem
// walks later. The tracker guarantees the callstack handle it hands over is
// still referenced at registration time.
type LeakRegistry interface {
	RegisterAlloc(start, end uintptr, cs *callstack.Callstack)
}
