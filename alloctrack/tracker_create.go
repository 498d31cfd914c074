package alloctrack

import (
	"github.com/cockroachdb/errors"
	"github.com/heapguard/heapguard/callstack"
	"github.com/heapguard/heapguard/memutils"
	"golang.org/x/exp/slog"
)

// CreateFlags indicate specific tracker behaviors to activate or deactivate
type CreateFlags int32

const (
	// TrackerCreateExternallySynchronized ensures that this tracker and the
	// components created from it will not be synchronized internally. The
	// consumer must guarantee all events arrive from one thread at a time
	// or are synchronized by some other mechanism.
	TrackerCreateExternallySynchronized CreateFlags = 1 << iota
)

var trackerCreateFlagsMapping = map[CreateFlags]string{
	TrackerCreateExternallySynchronized: "TrackerCreateExternallySynchronized",
}

func (f CreateFlags) String() string {
	return trackerCreateFlagsMapping[f]
}

// CreateOptions contains settings consumed once when creating a Tracker.
type CreateOptions struct {
	// Flags indicates specific tracker behaviors to activate or deactivate
	Flags CreateFlags

	// DelayedFreeCapacity is the maximum number of freed blocks held in the
	// use-after-free quarantine. 0 disables delayed frees entirely: frees
	// pass straight through to the real free routine.
	DelayedFreeCapacity int

	// RedzoneSize is the width in bytes of the padding the allocator
	// instrumentation places on each side of a tracked allocation. 0
	// disables redzone-aware quarantine reporting.
	RedzoneSize uintptr

	// LeaksOnly disables all shadow-state work: the tracker still records
	// allocations for leak scanning but never drives shadow transitions and
	// never quarantines frees.
	LeaksOnly bool

	// WarnNullRealloc reports a warning when the application calls
	// realloc with a NULL pointer, in case it was unintentional.
	WarnNullRealloc bool
}

// Tracker is the allocation-event façade: the single entry point the
// allocator instrumentation drives with lifecycle events. It owns the
// callstack table, the anonymous-mapping tracker, and the delayed-free
// quarantine, and forwards shadow-state decisions to the injected
// StateWriter.
//
// Each owned component carries its own independent lock, and the tracker
// never holds more than one of them across a call, so no lock-ordering
// cycles can form with the surrounding allocator lock.
type Tracker struct {
	logger *slog.Logger
	shadow StateWriter
	leaks  LeakRegistry

	callstacks *callstack.Table
	mappings   *MappingTracker
	// nil when delayed frees are disabled
	delayedFrees *DelayedFreeQueue

	redzoneSize     uintptr
	leaksOnly       bool
	warnNullRealloc bool
}

// New creates a Tracker for one monitored process.
//
// logger - Destination for the tracker's diagnostic events. May be nil, in
// which case slog.Default() is used.
//
// shadow - The shadow-state writer driven by allocation events. Required
// unless options.LeaksOnly is set.
//
// leaks - The leak-scanning subsystem that receives allocation records.
//
// options - Settings read once here; the tracker never re-reads them.
func New(logger *slog.Logger, shadow StateWriter, leaks LeakRegistry, options CreateOptions) (*Tracker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if shadow == nil && !options.LeaksOnly {
		return nil, errors.New("a StateWriter is required unless LeaksOnly is set")
	}
	if leaks == nil {
		return nil, errors.New("a LeakRegistry is required")
	}
	if options.DelayedFreeCapacity < 0 {
		return nil, errors.Newf("DelayedFreeCapacity must not be negative, got %d", options.DelayedFreeCapacity)
	}
	if err := memutils.CheckPow2(options.RedzoneSize, "RedzoneSize"); err != nil {
		return nil, err
	}

	externallySynchronized := options.Flags&TrackerCreateExternallySynchronized != 0

	t := &Tracker{
		logger:          logger,
		shadow:          shadow,
		leaks:           leaks,
		callstacks:      callstack.NewTable(externallySynchronized),
		mappings:        NewMappingTracker(logger, externallySynchronized),
		redzoneSize:     options.RedzoneSize,
		leaksOnly:       options.LeaksOnly,
		warnNullRealloc: options.WarnNullRealloc,
	}

	if options.DelayedFreeCapacity > 0 && !options.LeaksOnly {
		t.delayedFrees = NewDelayedFreeQueue(
			logger,
			options.DelayedFreeCapacity,
			options.RedzoneSize,
			externallySynchronized,
		)
	}

	return t, nil
}
