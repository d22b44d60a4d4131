// ABOUTME: Tests for object header encoding, mark bits, and size conversion
// ABOUTME: Covers the concurrent try-mark race and the free-bit lifecycle

package heap

import (
	"sync"
	"testing"
)

func TestAllocationSizeFromSize(t *testing.T) {
	tests := []struct {
		name string
		size uint64
		want uint64
	}{
		{"Zero payload still carries a header", 0, 8},
		{"One byte rounds to a granule", 1, 16},
		{"Exact granule plus header", 8, 16},
		{"Unaligned payload rounds up", 17, 32},
		{"Aligned payload", 24, 32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := AllocationSizeFromSize(tt.size); got != tt.want {
				t.Errorf("AllocationSizeFromSize(%d) = %d, want %d", tt.size, got, tt.want)
			}
		})
	}
}

func TestAllocationSizeOverflowPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic on overflowing allocation size")
		}
	}()
	AllocationSizeFromSize(^uint64(0))
}

func TestHeaderMarkBit(t *testing.T) {
	h := &HeapObjectHeader{address: 0x1000, size: 32}
	if h.IsMarked(AccessModeNonAtomic) {
		t.Fatal("fresh header should be unmarked")
	}
	if !h.TryMark(AccessModeNonAtomic) {
		t.Fatal("first TryMark should win")
	}
	if h.TryMark(AccessModeNonAtomic) {
		t.Fatal("second TryMark should lose")
	}
	if !h.IsMarked(AccessModeNonAtomic) {
		t.Fatal("header should be marked")
	}
	h.Unmark(AccessModeNonAtomic)
	if h.IsMarked(AccessModeNonAtomic) {
		t.Fatal("header should be unmarked after Unmark")
	}
}

// Exactly one of many concurrent markers may win the try-mark race; the
// winner is the only goroutine allowed to push the object for tracing.
func TestTryMarkConcurrentExactlyOneWinner(t *testing.T) {
	const goroutines = 32
	for round := 0; round < 100; round++ {
		h := &HeapObjectHeader{address: 0x1000, size: 32}
		var wg sync.WaitGroup
		wins := make(chan struct{}, goroutines)
		for i := 0; i < goroutines; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if h.TryMark(AccessModeAtomic) {
					wins <- struct{}{}
				}
			}()
		}
		wg.Wait()
		close(wins)
		won := 0
		for range wins {
			won++
		}
		if won != 1 {
			t.Fatalf("round %d: %d goroutines won TryMark, want exactly 1", round, won)
		}
	}
}

func TestHeaderConstructionBit(t *testing.T) {
	h := &HeapObjectHeader{address: 0x1000, size: 32}
	if h.IsFullyConstructed(AccessModeNonAtomic) {
		t.Fatal("fresh header should report in-construction")
	}
	h.MarkFullyConstructed(AccessModeAtomic)
	if !h.IsFullyConstructed(AccessModeAtomic) {
		t.Fatal("header should report fully constructed")
	}
}

func TestHeaderFreeDropsPayload(t *testing.T) {
	h := &HeapObjectHeader{address: 0x1000, size: 32, payload: "payload"}
	h.markFree()
	if !h.IsFree() {
		t.Fatal("header should be free")
	}
	if h.Payload() != nil {
		t.Fatal("freed header should not retain its payload")
	}
}

func TestPayloadGeometry(t *testing.T) {
	h := &HeapObjectHeader{address: 0x2000, size: 48}
	if got := h.PayloadAddress(); got != 0x2000+headerSize {
		t.Errorf("PayloadAddress() = %#x, want %#x", got, 0x2000+headerSize)
	}
	if got := h.PayloadSize(); got != 48-headerSize {
		t.Errorf("PayloadSize() = %d, want %d", got, 48-headerSize)
	}
}
