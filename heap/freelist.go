// ABOUTME: Bucketed free list of reclaimed address ranges within an arena
// ABOUTME: Buckets are indexed by the floor of log2 of the range size

package heap

import "math/bits"

const freeListBucketCount = 32

// freeListEntry is one reclaimed address range.
type freeListEntry struct {
	address Address
	size    uint64
	next    *freeListEntry
}

// freeList indexes reclaimed ranges by size bucket so allocation can skip
// buckets that are certainly too small.
type freeList struct {
	buckets      [freeListBucketCount]*freeListEntry
	biggestIndex int
	freeSize     uint64
}

func bucketIndexForSize(size uint64) int {
	if size == 0 {
		panic("heap: zero-sized free list entry")
	}
	index := bits.Len64(size) - 1
	if index >= freeListBucketCount {
		index = freeListBucketCount - 1
	}
	return index
}

// add records a reclaimed range.
func (f *freeList) add(address Address, size uint64) {
	index := bucketIndexForSize(size)
	f.buckets[index] = &freeListEntry{address: address, size: size, next: f.buckets[index]}
	if index > f.biggestIndex {
		f.biggestIndex = index
	}
	f.freeSize += size
}

// allocate removes and returns a range of at least allocationSize. The
// caller re-adds any unused remainder. Reports false when no fitting range
// exists.
func (f *freeList) allocate(allocationSize uint64) (Address, uint64, bool) {
	// Entries in bucket i have size >= 1<<i, so any entry in a bucket
	// strictly above the request's bucket is guaranteed to fit. Within the
	// request's own bucket, fit must be checked per entry.
	for index := f.biggestIndex; index >= 0; index-- {
		prev := (*freeListEntry)(nil)
		for entry := f.buckets[index]; entry != nil; entry = entry.next {
			if entry.size >= allocationSize {
				if prev == nil {
					f.buckets[index] = entry.next
				} else {
					prev.next = entry.next
				}
				f.freeSize -= entry.size
				f.shrinkBiggestIndex()
				return entry.address, entry.size, true
			}
			prev = entry
		}
		if uint64(1)<<uint(index) > allocationSize {
			// Nothing in this or any lower bucket can fit either.
			break
		}
	}
	return NilAddress, 0, false
}

func (f *freeList) shrinkBiggestIndex() {
	for f.biggestIndex > 0 && f.buckets[f.biggestIndex] == nil {
		f.biggestIndex--
	}
}

// moveFrom appends all entries of other into f, leaving other empty.
func (f *freeList) moveFrom(other *freeList) {
	for index := 0; index < freeListBucketCount; index++ {
		for entry := other.buckets[index]; entry != nil; {
			next := entry.next
			entry.next = f.buckets[index]
			f.buckets[index] = entry
			if index > f.biggestIndex {
				f.biggestIndex = index
			}
			entry = next
		}
		other.buckets[index] = nil
	}
	f.freeSize += other.freeSize
	other.freeSize = 0
	other.biggestIndex = 0
}

// clear discards all entries.
func (f *freeList) clear() {
	for index := range f.buckets {
		f.buckets[index] = nil
	}
	f.biggestIndex = 0
	f.freeSize = 0
}

// isEmpty reports whether the free list holds no ranges.
func (f *freeList) isEmpty() bool {
	return f.freeSize == 0
}
