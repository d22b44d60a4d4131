// ABOUTME: Atomic counters tracking allocation, marking, sweeping, and compaction volume
// ABOUTME: Snapshot produces a consistent-enough Statistics value for reporting

package heap

import (
	"sync/atomic"
	"time"
)

// Statistics is a point-in-time summary of heap activity. Counters are
// cumulative across collection cycles except where noted.
type Statistics struct {
	// CommittedSize is the total size of pages currently registered with
	// the heap, including free space on them.
	CommittedSize uint64
	// UsedSize is the live payload volume as of the last completed sweep.
	UsedSize uint64
	// AllocatedObjectSize is the volume allocated since the last cycle
	// began.
	AllocatedObjectSize uint64
	// MarkedBytes is the volume marked during the current or most recent
	// marking phase.
	MarkedBytes uint64
	// SweptBytes is the cumulative volume returned to free lists.
	SweptBytes uint64
	// CompactedBytes is the cumulative volume relocated by compaction.
	CompactedBytes uint64
	// GCCount is the number of completed collection cycles.
	GCCount uint64

	// MarkingDuration and SweepingDuration accumulate wall time spent in
	// the respective phases across all cycles.
	MarkingDuration  time.Duration
	SweepingDuration time.Duration
}

// StatsCollector accumulates heap activity counters. All methods are safe
// for concurrent use; concurrent markers and the sweeper report through
// the same collector as the mutator.
type StatsCollector struct {
	committedSize       atomic.Uint64
	usedSize            atomic.Uint64
	allocatedObjectSize atomic.Uint64
	markedBytes         atomic.Uint64
	sweptBytes          atomic.Uint64
	compactedBytes      atomic.Uint64
	gcCount             atomic.Uint64

	markingNanos  atomic.Int64
	sweepingNanos atomic.Int64
}

// NewStatsCollector returns an empty collector.
func NewStatsCollector() *StatsCollector {
	return &StatsCollector{}
}

// IncreaseAllocatedObjectSize records size bytes of new allocation.
func (s *StatsCollector) IncreaseAllocatedObjectSize(size uint64) {
	s.allocatedObjectSize.Add(size)
}

// IncreaseMarkedBytes records size bytes marked live.
func (s *StatsCollector) IncreaseMarkedBytes(size uint64) {
	s.markedBytes.Add(size)
}

// IncreaseMarkedLiveSize folds size bytes of surviving objects into the
// used-size estimate during sweeping.
func (s *StatsCollector) IncreaseMarkedLiveSize(size uint64) {
	s.usedSize.Add(size)
}

// IncreaseSweptBytes records size bytes reclaimed by sweeping.
func (s *StatsCollector) IncreaseSweptBytes(size uint64) {
	s.sweptBytes.Add(size)
}

// IncreaseCompactedBytes records size bytes relocated by compaction.
func (s *StatsCollector) IncreaseCompactedBytes(size uint64) {
	s.compactedBytes.Add(size)
}

// IncreaseCommittedSize records size bytes of newly registered pages.
func (s *StatsCollector) IncreaseCommittedSize(size uint64) {
	s.committedSize.Add(size)
}

// DecreaseCommittedSize records size bytes of released pages.
func (s *StatsCollector) DecreaseCommittedSize(size uint64) {
	s.committedSize.Add(^(size - 1))
}

// AddMarkingDuration accumulates wall time spent marking.
func (s *StatsCollector) AddMarkingDuration(d time.Duration) {
	s.markingNanos.Add(int64(d))
}

// AddSweepingDuration accumulates wall time spent sweeping.
func (s *StatsCollector) AddSweepingDuration(d time.Duration) {
	s.sweepingNanos.Add(int64(d))
}

// CycleStarted resets the per-cycle counters at the beginning of a new
// collection.
func (s *StatsCollector) CycleStarted() {
	s.allocatedObjectSize.Store(0)
	s.markedBytes.Store(0)
	s.usedSize.Store(0)
}

// CycleFinished bumps the completed-collection count.
func (s *StatsCollector) CycleFinished() {
	s.gcCount.Add(1)
}

// Snapshot returns the current counter values. Individual counters are
// read atomically but not as a group, so a snapshot taken during a phase
// transition may mix values from either side of it.
func (s *StatsCollector) Snapshot() Statistics {
	return Statistics{
		CommittedSize:       s.committedSize.Load(),
		UsedSize:            s.usedSize.Load(),
		AllocatedObjectSize: s.allocatedObjectSize.Load(),
		MarkedBytes:         s.markedBytes.Load(),
		SweptBytes:          s.sweptBytes.Load(),
		CompactedBytes:      s.compactedBytes.Load(),
		GCCount:             s.gcCount.Load(),
		MarkingDuration:     time.Duration(s.markingNanos.Load()),
		SweepingDuration:    time.Duration(s.sweepingNanos.Load()),
	}
}
