package aggregator

import (
	"context"
	"time"

	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
)

// Run flushes the aggregator every window until ctx is done. The channel is
// closed on return.
func (da *DispatchAggregator) Run(ctx context.Context) <-chan *types.Batch {
	out := make(chan *types.Batch)

	go func() {
		defer close(out)
		ticker := time.NewTicker(da.windowDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				batch := da.Flush()
				if batch == nil {
					continue
				}
				select {
				case out <- batch:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out
}
