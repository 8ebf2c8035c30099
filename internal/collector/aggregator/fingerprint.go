package aggregator

import "time"

type KernelFingerprint struct {
	Kernel      string
	WindowStart time.Time
	WindowEnd   time.Time

	// Counts
	DispatchCount uint64
	TracedCount   uint64

	// Launch geometry
	TotalWorkItems   uint64
	AvgWorkItems     float64
	MaxWorkItems     uint64
	MaxWorkgroupSize uint64

	// Derived ratios
	DispatchRate float64
}

type AllocationFingerprint struct {
	WindowStart time.Time
	WindowEnd   time.Time

	RegionAllocCount uint64
	RegionAllocBytes uint64
	PoolAllocCount   uint64
	PoolAllocBytes   uint64
	MaxAllocBytes    uint64
}
