package timeserie

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
)

func TestEventToToken(t *testing.T) {
	now := time.Unix(10, 5)

	tk := EventToToken(types.DispatchEvent{Kernel: "k", WorkItems: 512}, now)
	require.NotNil(t, tk)
	assert.Equal(t, types.EventToken{Timestamp: now.UnixNano(), EventType: types.EVENT_KERNEL_DISPATCH, Kernel: "k", Value: 512}, *tk)

	tk = EventToToken(types.AllocationEvent{Size: 4096}, now)
	require.NotNil(t, tk)
	assert.Equal(t, types.EVENT_MEMORY_ALLOCATE, tk.EventType)
	assert.Equal(t, 4096.0, tk.Value)

	assert.Nil(t, EventToToken(42, now))
}

func TestFlushDrainsTokens(t *testing.T) {
	tc := NewTimeSeriesCollector(time.Second)
	assert.Nil(t, tc.Flush())

	tc.Update(types.DispatchEvent{Kernel: "a", WorkItems: 1})
	tc.Update(types.AllocationEvent{Size: 2})
	tc.Update("ignored")

	batch := tc.Flush()
	require.NotNil(t, batch)
	require.Len(t, batch.Tokens, 2)
	assert.Equal(t, "a", batch.Tokens[0].Kernel)
	assert.Nil(t, tc.Flush())
}

func TestRunEmitsBatches(t *testing.T) {
	tc := NewTimeSeriesCollector(10 * time.Millisecond)
	tc.Update(types.DispatchEvent{Kernel: "a"})

	ctx, cancel := context.WithCancel(context.Background())
	out := tc.Run(ctx)
	select {
	case batch := <-out:
		assert.Len(t, batch.Tokens, 1)
	case <-time.After(5 * time.Second):
		t.Fatal("no batch emitted")
	}
	cancel()
	for range out {
	}
}
