package timeserie

import (
	"sync"
	"time"

	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
)

// TimeSeriesCollector buffers one token per event until the next flush.
type TimeSeriesCollector struct {
	mu            sync.Mutex
	tokens        []types.EventToken
	flushInterval time.Duration
	now           func() time.Time
}

var _ types.Nexus_collectors = (*TimeSeriesCollector)(nil)

func NewTimeSeriesCollector(flushInterval time.Duration) *TimeSeriesCollector {
	return &TimeSeriesCollector{
		flushInterval: flushInterval,
		now:           time.Now,
	}
}

func (tc *TimeSeriesCollector) Update(ev any) {
	token := EventToToken(ev, tc.now())
	if token == nil {
		return
	}
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.tokens = append(tc.tokens, *token)
}

// Flush hands over the buffered tokens, or nil when there are none.
func (tc *TimeSeriesCollector) Flush() *types.Batch {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if len(tc.tokens) == 0 {
		return nil
	}
	batch := &types.Batch{Tokens: tc.tokens}
	tc.tokens = nil
	return batch
}
