package types

import "time"

// DispatchEvent is emitted for every kernel dispatch packet seen on an
// intercepted queue.
type DispatchEvent struct {
	Kernel        string
	KernelObject  uint64
	Queue         uint64
	WorkItems     uint64
	WorkgroupSize uint64
	Traced        bool
}

// AllocationEvent is emitted for every successful intercepted allocation.
type AllocationEvent struct {
	Pointer uintptr
	Size    uint64
	Kind    uint8
}

// KernelWindow summarizes the dispatches of one kernel over a window.
type KernelWindow struct {
	Kernel      string
	WindowStart time.Time
	WindowEnd   time.Time

	DispatchCount    uint64
	TracedCount      uint64
	TotalWorkItems   uint64
	AvgWorkItems     float64
	MaxWorkItems     uint64
	MaxWorkgroupSize uint64
	DispatchRate     float64
}

// AllocationWindow summarizes allocations over a window.
type AllocationWindow struct {
	WindowStart time.Time
	WindowEnd   time.Time

	RegionAllocCount uint64
	RegionAllocBytes uint64
	PoolAllocCount   uint64
	PoolAllocBytes   uint64
	MaxAllocBytes    uint64
}

// EventToken is one timestamped sample of a time series.
type EventToken struct {
	Timestamp int64
	EventType int
	Kernel    string
	Value     float64
}

type Batch struct {
	Kernels     []KernelWindow
	Allocations *AllocationWindow
	Tokens      []EventToken
}

// CallCounts maps an entry point name to the number of native calls seen.
type CallCounts map[string]uint64
