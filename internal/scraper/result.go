package scraper

import "time"

// Stats counts what a scraper job did. Jobs are single threaded, so the
// counters need no synchronization.
type Stats struct {
	// DupStructs is the number of record definitions suppressed because
	// another compilation unit or job already owned them.
	DupStructs uint64
	// DupMembers counts member rows that conflicted the same way.
	DupMembers uint64
	// StructTypes, StructMembers and BoundsRows count inserted rows.
	StructTypes   uint64
	StructMembers uint64
	BoundsRows    uint64
	// Timings accumulates wall time per storage operation.
	Timings map[string]time.Duration
}

// Timing starts a scoped timer; the returned stop function folds the
// elapsed time into the named bucket.
func (s *Stats) Timing(op string) func() {
	start := time.Now()
	return func() {
		if s.Timings == nil {
			s.Timings = make(map[string]time.Duration)
		}
		s.Timings[op] += time.Since(start)
	}
}

// Result is what a scraper job reports back through its future.
type Result struct {
	// Errors collects fatal job errors. Recovered warnings do not
	// appear here; an empty slice means the job succeeded.
	Errors []string
	Stats  Stats
}
