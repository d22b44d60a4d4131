// ABOUTME: Per-mutator GC orchestration: phase machine, safepoints, atomic pause
// ABOUTME: Owns the heap, the persistent roots, and the background marker/sweeper goroutines

package heap

import (
	"sync"
	"sync/atomic"
	"time"
)

// StackState describes whether the mutator stack may hold heap pointers
// when a collection is triggered. With StackStateNoHeapPointers the
// collector relies purely on persistent roots and object tracing; with
// StackStateMayContainHeapPointers the installed stack scanner feeds
// conservative addresses into the pause.
type StackState uint8

const (
	// StackStateNoHeapPointers means no conservative stack scan is needed.
	StackStateNoHeapPointers StackState = iota
	// StackStateMayContainHeapPointers requests a conservative stack scan
	// during the atomic pause.
	StackStateMayContainHeapPointers
)

// Phase is the collector's coarse state. Transitions are driven by the
// mutator thread; background goroutines only do work within a phase.
type Phase uint32

const (
	// PhaseIdle means no collection is in progress.
	PhaseIdle Phase = iota
	// PhaseMarking covers incremental and concurrent marking up to the
	// end of the atomic pause.
	PhaseMarking
	// PhaseSweeping covers lazy, incremental, and concurrent sweeping.
	PhaseSweeping
)

// StackScanner reports potential heap pointers found on the mutator
// stack, typically by calling CheckAndMarkPointer for each candidate.
type StackScanner func(v *MarkingVisitor)

// HeapOptions configures a ThreadState. The zero value is a fully
// synchronous collector: no background goroutines, no compaction.
type HeapOptions struct {
	// ConcurrentMarkers is the number of background marking goroutines.
	// Zero keeps all marking on the mutator thread.
	ConcurrentMarkers int
	// ConcurrentSweeping starts a background sweeper after the atomic
	// pause. Mutator-side lazy sweeping stays active either way.
	ConcurrentSweeping bool
	// Compaction selects whether vector backing stores are compacted at
	// the end of a cycle.
	Compaction CompactionMode
	// VerifyMarking re-traces the marked heap after the atomic pause and
	// panics on a reachable-but-unmarked object. For tests and debugging.
	VerifyMarking bool
}

// Durations of one background work slice. Background goroutines return
// to their idle loop this often so a stop request is observed promptly.
const (
	concurrentMarkingSlice  = 2 * time.Millisecond
	concurrentMarkingIdle   = 500 * time.Microsecond
	concurrentSweepingSlice = 5 * time.Millisecond
)

// ThreadState owns one mutator's heap and drives its collection cycles.
// All phase transitions and allocation must happen on the owning
// goroutine; only the background marker and sweeper goroutines started by
// the state itself touch the heap concurrently.
type ThreadState struct {
	opts        HeapOptions
	heap        *ThreadHeap
	persistents *PersistentRegion

	// marker is the mutator's marking visitor, non-nil exactly while a
	// cycle's worklists exist (marking through end of weak processing).
	marker *MarkingVisitor

	phase   atomic.Uint32
	marking atomic.Bool

	// noAllocationCount is only touched by the owning goroutine.
	noAllocationCount int

	stackScanner StackScanner

	markerStop chan struct{}
	markerWG   sync.WaitGroup

	sweeperStop chan struct{}
	sweeperWG   sync.WaitGroup
}

// NewThreadState creates a thread state with an empty heap.
func NewThreadState(opts HeapOptions) *ThreadState {
	s := &ThreadState{
		opts:        opts,
		persistents: newPersistentRegion(),
	}
	s.heap = newThreadHeap(s)
	return s
}

// Heap returns the heap owned by this state.
func (s *ThreadState) Heap() *ThreadHeap { return s.heap }

// Persistents returns the explicit root set.
func (s *ThreadState) Persistents() *PersistentRegion { return s.persistents }

// Phase returns the collector's current phase.
func (s *ThreadState) Phase() Phase { return Phase(s.phase.Load()) }

// IsMarking reports whether a marking phase is active. Allocation and
// write paths consult this to keep new objects and references live.
func (s *ThreadState) IsMarking() bool { return s.marking.Load() }

// IsSweepingInProgress reports whether pages remain to be swept.
func (s *ThreadState) IsSweepingInProgress() bool { return s.Phase() == PhaseSweeping }

// IsAllocationAllowed reports whether allocation is currently permitted
// on this thread. Finalizers run with allocation forbidden.
func (s *ThreadState) IsAllocationAllowed() bool { return s.noAllocationCount == 0 }

// EnterNoAllocationScope forbids allocation until the matching leave.
// Scopes nest.
func (s *ThreadState) EnterNoAllocationScope() { s.noAllocationCount++ }

// LeaveNoAllocationScope re-permits allocation once all scopes are left.
func (s *ThreadState) LeaveNoAllocationScope() {
	if s.noAllocationCount == 0 {
		panic("heap: unbalanced LeaveNoAllocationScope")
	}
	s.noAllocationCount--
}

// SetStackScanner installs the conservative stack scanner consulted when
// a collection runs with StackStateMayContainHeapPointers.
func (s *ThreadState) SetStackScanner(scanner StackScanner) { s.stackScanner = scanner }

// VisitRoots feeds every persistent root to v. Snapshot and analysis
// tooling uses this with a recording visitor.
func (s *ThreadState) VisitRoots(v Visitor) { s.persistents.traceAll(v) }

// CollectGarbage runs one full synchronous collection cycle: finish any
// outstanding sweeping, mark, process weak references, sweep, and compact.
func (s *ThreadState) CollectGarbage(stackState StackState) {
	s.CompleteSweep()
	s.StartIncrementalMarking()
	s.FinishGC(stackState)
	s.CompleteSweep()
}

// StartIncrementalMarking begins a new marking phase. Outstanding
// sweeping from the previous cycle is completed first, since sweeping and
// marking must never overlap.
func (s *ThreadState) StartIncrementalMarking() {
	if s.IsMarking() {
		panic("heap: marking already in progress")
	}
	s.CompleteSweep()

	s.heap.stats.CycleStarted()
	s.heap.MakeConsistentForGC()
	s.heap.compaction.initialize(s.opts.Compaction)
	s.heap.SetupWorklists()

	mode := AccessModeNonAtomic
	if s.opts.ConcurrentMarkers > 0 {
		mode = AccessModeAtomic
	}
	s.marker = newMarkingVisitor(s.heap, mode)
	s.marking.Store(true)
	s.phase.Store(uint32(PhaseMarking))

	s.persistents.traceAll(s.marker)
	s.marker.flushToGlobal()
	s.startConcurrentMarkers()
}

// IncrementalMarkingStep advances marking on the mutator thread until the
// deadline, reporting whether the mutator's view of the work is drained.
// A true result does not end the phase; FinishGC does.
func (s *ThreadState) IncrementalMarkingStep(deadline time.Time) bool {
	if !s.IsMarking() {
		panic("heap: marking step outside marking phase")
	}
	start := time.Now()
	// A step is a safepoint: constructors that were running at the last
	// step have finished, so in-construction objects can graduate.
	s.heap.FlushNotFullyConstructedObjects()
	complete := s.heap.AdvanceMarking(s.marker, deadline)
	s.marker.flushToGlobal()
	s.heap.stats.AddMarkingDuration(time.Since(start))
	return complete && s.heap.markingWorklist.IsGlobalEmpty()
}

// SafePoint tells the collector the mutator is at a point with no
// constructor running, letting in-construction objects graduate and local
// marking work become visible to concurrent markers.
func (s *ThreadState) SafePoint() {
	if !s.IsMarking() {
		return
	}
	s.heap.FlushNotFullyConstructedObjects()
	s.marker.flushToGlobal()
}

// FinishGC runs the atomic pause: stop concurrent markers, scan the stack
// if requested, drain marking to completion including the ephemeron fixed
// point, process weak references, compact the vector arenas if scheduled,
// and hand the heap to the sweeping phase. On return all unmarked objects
// are garbage.
func (s *ThreadState) FinishGC(stackState StackState) {
	if !s.IsMarking() {
		panic("heap: FinishGC outside marking phase")
	}
	start := time.Now()
	s.stopConcurrentMarkers()

	s.heap.FlushNotFullyConstructedObjects()
	if stackState == StackStateMayContainHeapPointers && s.stackScanner != nil {
		s.stackScanner(s.marker)
	}
	// Conservative pointers into in-construction objects land on the
	// not-fully-constructed worklist; mark them here.
	s.heap.MarkNotFullyConstructedObjects(s.marker)
	// Roots registered after the cycle started are picked up here.
	s.persistents.traceAll(s.marker)

	deadline := time.Now().Add(time.Hour)
	for {
		if s.heap.AdvanceMarking(s.marker, deadline) && s.heap.markingWorklist.IsGlobalEmpty() {
			break
		}
	}

	s.heap.WeakProcessing(s.marker)
	if s.opts.VerifyMarking {
		if err := s.heap.VerifyMarking(); err != nil {
			panic(err)
		}
	}

	s.heap.compaction.adoptWorklists(s.marker)
	s.heap.DestroyMarkingWorklists(stackState)
	s.marker = nil
	s.marking.Store(false)
	s.heap.stats.AddMarkingDuration(time.Since(start))

	s.heap.PrepareForSweep()
	// Compaction happens here, still inside the pause: once the mutator
	// resumes it may allocate vector backings that were never traced, and
	// those must not be swept up into a relocation.
	sweepStart := time.Now()
	s.heap.Compact()
	s.heap.DestroyCompactionWorklists()
	s.heap.stats.AddSweepingDuration(time.Since(sweepStart))
	s.phase.Store(uint32(PhaseSweeping))
	if s.opts.ConcurrentSweeping {
		s.startConcurrentSweeper()
	}
}

// SweepStep advances sweeping on the mutator thread until the deadline.
// When sweeping finishes the cycle is closed out. Reports whether the
// collector returned to idle.
func (s *ThreadState) SweepStep(deadline time.Time) bool {
	if s.Phase() != PhaseSweeping {
		return true
	}
	start := time.Now()
	done := s.heap.AdvanceSweep(SweepingTypeMutator, deadline)
	s.heap.stats.AddSweepingDuration(time.Since(start))
	if !done {
		return false
	}
	s.CompleteSweep()
	return true
}

// CompleteSweep synchronously finishes any outstanding sweeping, runs the
// remaining finalizers, and returns the collector to idle. Safe to call
// in any phase except marking.
func (s *ThreadState) CompleteSweep() {
	if s.Phase() != PhaseSweeping {
		return
	}
	if s.IsMarking() {
		panic("heap: CompleteSweep during marking")
	}
	s.stopConcurrentSweeper()
	start := time.Now()
	s.heap.CompleteSweep()
	s.heap.stats.AddSweepingDuration(time.Since(start))
	s.heap.stats.CycleFinished()
	s.phase.Store(uint32(PhaseIdle))
}

func (s *ThreadState) startConcurrentMarkers() {
	if s.opts.ConcurrentMarkers <= 0 {
		return
	}
	s.markerStop = make(chan struct{})
	for i := 0; i < s.opts.ConcurrentMarkers; i++ {
		s.markerWG.Add(1)
		go func() {
			defer s.markerWG.Done()
			v := newConcurrentMarkingVisitor(s.heap)
			for {
				start := time.Now()
				s.heap.AdvanceConcurrentMarking(v, start.Add(concurrentMarkingSlice))
				v.flushToGlobal()
				s.heap.stats.AddMarkingDuration(time.Since(start))
				select {
				case <-s.markerStop:
					return
				case <-time.After(concurrentMarkingIdle):
				}
			}
		}()
	}
}

func (s *ThreadState) stopConcurrentMarkers() {
	if s.markerStop == nil {
		return
	}
	close(s.markerStop)
	s.markerWG.Wait()
	s.markerStop = nil
}

func (s *ThreadState) startConcurrentSweeper() {
	s.sweeperStop = make(chan struct{})
	s.sweeperWG.Add(1)
	go func() {
		defer s.sweeperWG.Done()
		for {
			start := time.Now()
			done := s.heap.AdvanceSweep(SweepingTypeConcurrent, start.Add(concurrentSweepingSlice))
			s.heap.stats.AddSweepingDuration(time.Since(start))
			if done {
				return
			}
			select {
			case <-s.sweeperStop:
				return
			default:
			}
		}
	}()
}

func (s *ThreadState) stopConcurrentSweeper() {
	if s.sweeperStop == nil {
		return
	}
	close(s.sweeperStop)
	s.sweeperWG.Wait()
	s.sweeperStop = nil
}
