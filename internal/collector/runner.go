package collector

import (
	"context"
	"sync"

	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
	"go.uber.org/zap"
)

// RunWithAggregation runs every collector and logs each batch they flush. It
// returns once ctx is done and all collectors have stopped.
func RunWithAggregation(ctx context.Context, collectors ...types.Nexus_collectors) {
	logger := logutil.GetLogger()
	batches := make(chan *types.Batch)

	var wg sync.WaitGroup
	for _, c := range collectors {
		wg.Add(1)
		go func(c types.Nexus_collectors) {
			defer wg.Done()
			for batch := range c.Run(ctx) {
				batches <- batch
			}
		}(c)
	}
	go func() {
		wg.Wait()
		close(batches)
	}()

	for batch := range batches {
		LogBatch(logger, batch)
	}
	logger.Info("Context cancelled, collectors stopped")
}

func LogBatch(logger *zap.Logger, batch *types.Batch) {
	for _, w := range batch.Kernels {
		logger.Info("Kernel dispatch window",
			zap.String("kernel", w.Kernel),
			zap.Uint64("dispatches", w.DispatchCount),
			zap.Uint64("traced", w.TracedCount),
			zap.Float64("dispatch_rate", w.DispatchRate),
			zap.Float64("avg_work_items", w.AvgWorkItems),
			zap.Uint64("total_work_items", w.TotalWorkItems),
			zap.Uint64("max_work_items", w.MaxWorkItems),
			zap.Uint64("max_workgroup_size", w.MaxWorkgroupSize))
	}
	if a := batch.Allocations; a != nil {
		logger.Info("Allocation window",
			zap.Uint64("region_allocs", a.RegionAllocCount),
			zap.Uint64("region_bytes", a.RegionAllocBytes),
			zap.Uint64("pool_allocs", a.PoolAllocCount),
			zap.Uint64("pool_bytes", a.PoolAllocBytes),
			zap.Uint64("max_alloc_bytes", a.MaxAllocBytes))
	}
	if len(batch.Tokens) > 0 && logger.Core().Enabled(zap.DebugLevel) {
		for _, tk := range batch.Tokens {
			logger.Debug("Time series sample",
				zap.Int64("timestamp", tk.Timestamp),
				zap.Int("event_type", tk.EventType),
				zap.String("kernel", tk.Kernel),
				zap.Float64("value", tk.Value))
		}
	}
}
