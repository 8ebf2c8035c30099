package aggregator

import (
	"sort"
	"sync"
	"time"

	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
)

// DispatchAggregator folds dispatch and allocation events into per-kernel
// windows of a fixed duration.
type DispatchAggregator struct {
	windows        map[string]*KernelFingerprint
	allocs         *AllocationFingerprint
	mu             sync.Mutex
	windowDuration time.Duration
	lastFlush      time.Time
	now            func() time.Time
}

var _ types.Nexus_collectors = (*DispatchAggregator)(nil)

func NewDispatchAggregator(window time.Duration) *DispatchAggregator {
	return &DispatchAggregator{
		windows:        make(map[string]*KernelFingerprint),
		windowDuration: window,
		lastFlush:      time.Now(),
		now:            time.Now,
	}
}

func (da *DispatchAggregator) ensureWindow(kernel string) *KernelFingerprint {
	win, ok := da.windows[kernel]
	if !ok {
		now := da.now()
		win = &KernelFingerprint{
			Kernel:      kernel,
			WindowStart: now,
			WindowEnd:   now.Add(da.windowDuration),
		}
		da.windows[kernel] = win
	}
	return win
}

func (da *DispatchAggregator) ensureAllocWindow() *AllocationFingerprint {
	if da.allocs == nil {
		now := da.now()
		da.allocs = &AllocationFingerprint{WindowStart: now, WindowEnd: now.Add(da.windowDuration)}
	}
	return da.allocs
}

func (da *DispatchAggregator) Update(ev any) {
	da.mu.Lock()
	defer da.mu.Unlock()

	switch e := ev.(type) {
	case types.DispatchEvent:
		w := da.ensureWindow(e.Kernel)
		w.DispatchCount++
		if e.Traced {
			w.TracedCount++
		}
		w.TotalWorkItems += e.WorkItems
		w.AvgWorkItems = ((w.AvgWorkItems * float64(w.DispatchCount-1)) + float64(e.WorkItems)) / float64(w.DispatchCount)
		w.MaxWorkItems = max(w.MaxWorkItems, e.WorkItems)
		w.MaxWorkgroupSize = max(w.MaxWorkgroupSize, e.WorkgroupSize)

	case types.AllocationEvent:
		w := da.ensureAllocWindow()
		if e.Kind == types.ALLOC_POOL {
			w.PoolAllocCount++
			w.PoolAllocBytes += e.Size
		} else {
			w.RegionAllocCount++
			w.RegionAllocBytes += e.Size
		}
		w.MaxAllocBytes = max(w.MaxAllocBytes, e.Size)
	}
}

// Flush returns the windows that have ended and forgets them. It returns nil
// when nothing ended.
func (da *DispatchAggregator) Flush() *types.Batch {
	da.mu.Lock()
	defer da.mu.Unlock()

	now := da.now()
	batch := &types.Batch{}

	for kernel, w := range da.windows {
		if !now.After(w.WindowEnd) {
			continue
		}
		duration := w.WindowEnd.Sub(w.WindowStart).Seconds()
		if duration > 0 {
			w.DispatchRate = float64(w.DispatchCount) / duration
		}

		batch.Kernels = append(batch.Kernels, types.KernelWindow{
			Kernel:           w.Kernel,
			WindowStart:      w.WindowStart,
			WindowEnd:        w.WindowEnd,
			DispatchCount:    w.DispatchCount,
			TracedCount:      w.TracedCount,
			TotalWorkItems:   w.TotalWorkItems,
			AvgWorkItems:     w.AvgWorkItems,
			MaxWorkItems:     w.MaxWorkItems,
			MaxWorkgroupSize: w.MaxWorkgroupSize,
			DispatchRate:     w.DispatchRate,
		})
		delete(da.windows, kernel)
	}

	if a := da.allocs; a != nil && now.After(a.WindowEnd) {
		batch.Allocations = &types.AllocationWindow{
			WindowStart:      a.WindowStart,
			WindowEnd:        a.WindowEnd,
			RegionAllocCount: a.RegionAllocCount,
			RegionAllocBytes: a.RegionAllocBytes,
			PoolAllocCount:   a.PoolAllocCount,
			PoolAllocBytes:   a.PoolAllocBytes,
			MaxAllocBytes:    a.MaxAllocBytes,
		}
		da.allocs = nil
	}

	da.lastFlush = now
	if len(batch.Kernels) == 0 && batch.Allocations == nil {
		return nil
	}
	sort.Slice(batch.Kernels, func(i, j int) bool { return batch.Kernels[i].Kernel < batch.Kernels[j].Kernel })
	return batch
}
