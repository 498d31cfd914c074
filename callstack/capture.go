package callstack

import "runtime"

// MaxFrames is the deepest stack Capture will record. Allocation sites are
// nearly always distinguishable within this depth, and a fixed bound keeps
// the per-unique-stack cost flat.
const MaxFrames = 16

// Capture records the current call site as a raw frame sequence suitable
// for Table.Acquire. skip counts additional stack frames to omit beyond
// Capture itself; 0 starts the stack at Capture's caller.
func Capture(skip int) []uintptr {
	pcs := make([]uintptr, MaxFrames)
	n := runtime.Callers(skip+2, pcs)
	return pcs[:n]
}
