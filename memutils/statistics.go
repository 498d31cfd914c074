package memutils

// Statistics collects counters describing the bookkeeping state of the
// allocation-tracking engine. Individual components sum their own counters
// into a shared Statistics object via their AddStatistics methods.
type Statistics struct {
	// UniqueCallstackCount is the number of deduplicated allocation-site
	// callstacks currently held by the callstack table
	UniqueCallstackCount int
	// MappingCount is the number of live anonymous mapping regions tracked
	MappingCount int
	// MappingBytes is the total size in bytes of tracked anonymous mappings
	MappingBytes int
	// QuarantineCount is the number of freed blocks currently quarantined
	QuarantineCount int
	// QuarantineBytes is the total application-requested size in bytes of
	// quarantined blocks
	QuarantineBytes int
	// EvictedCount is the number of quarantined blocks handed back to the
	// real free routine because the quarantine filled up
	EvictedCount int
}

func (s *Statistics) Clear() {
	s.UniqueCallstackCount = 0
	s.MappingCount = 0
	s.MappingBytes = 0
	s.QuarantineCount = 0
	s.QuarantineBytes = 0
	s.EvictedCount = 0
}

func (s *Statistics) AddStatistics(other *Statistics) {
	s.UniqueCallstackCount += other.UniqueCallstackCount
	s.MappingCount += other.MappingCount
	s.MappingBytes += other.MappingBytes
	s.QuarantineCount += other.QuarantineCount
	s.QuarantineBytes += other.QuarantineBytes
	s.EvictedCount += other.EvictedCount
}
