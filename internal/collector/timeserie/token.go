package timeserie

import (
	"time"

	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
)

func EventToToken(ev any, now time.Time) *types.EventToken {
	switch e := ev.(type) {
	case types.DispatchEvent:
		return &types.EventToken{
			Timestamp: now.UnixNano(),
			EventType: types.EVENT_KERNEL_DISPATCH,
			Kernel:    e.Kernel,
			Value:     float64(e.WorkItems),
		}

	case types.AllocationEvent:
		return &types.EventToken{
			Timestamp: now.UnixNano(),
			EventType: types.EVENT_MEMORY_ALLOCATE,
			Value:     float64(e.Size),
		}
	default:
		return nil
	}
}
