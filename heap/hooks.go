// ABOUTME: Global allocation and free hooks for external profiling instrumentation
// ABOUTME: At most one hook of each kind may be installed at a time

package heap

import "sync"

// AllocationHook observes every heap allocation.
type AllocationHook func(address Address, size uint64, typeName string)

// FreeHook observes every reclaimed allocation.
type FreeHook func(address Address)

var allocHooks struct {
	mu         sync.RWMutex
	allocation AllocationHook
	free       FreeHook
}

// SetAllocationHook installs hook, or removes the current one when hook is
// nil. Installing a second hook panics.
func SetAllocationHook(hook AllocationHook) {
	allocHooks.mu.Lock()
	defer allocHooks.mu.Unlock()
	if allocHooks.allocation != nil && hook != nil {
		panic("heap: allocation hook already installed")
	}
	allocHooks.allocation = hook
}

// SetFreeHook installs hook, or removes the current one when hook is nil.
// Installing a second hook panics.
func SetFreeHook(hook FreeHook) {
	allocHooks.mu.Lock()
	defer allocHooks.mu.Unlock()
	if allocHooks.free != nil && hook != nil {
		panic("heap: free hook already installed")
	}
	allocHooks.free = hook
}

func allocationHookIfEnabled(address Address, size uint64, typeName string) {
	allocHooks.mu.RLock()
	hook := allocHooks.allocation
	allocHooks.mu.RUnlock()
	if hook != nil {
		hook(address, size, typeName)
	}
}

func freeHookIfEnabled(address Address) {
	allocHooks.mu.RLock()
	hook := allocHooks.free
	allocHooks.mu.RUnlock()
	if hook != nil {
		hook(address)
	}
}
