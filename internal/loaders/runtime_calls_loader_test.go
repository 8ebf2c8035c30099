package loaders

import (
	"testing"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALEYI17/InfraSight_nexus/internal/config"
	"github.com/ALEYI17/InfraSight_nexus/internal/shadow"
)

func TestCounterProgramSpec(t *testing.T) {
	spec := CounterProgramSpec(42, 3)

	assert.Equal(t, ebpf.Kprobe, spec.Type)
	assert.Equal(t, "GPL", spec.License)
	require.Len(t, spec.Instructions, 10)

	first := spec.Instructions[0]
	assert.Equal(t, int64(3), first.Constant)
	assert.Equal(t, asm.RFP, first.Dst)

	assert.Equal(t, "exit", spec.Instructions[5].Reference())
	assert.Equal(t, "exit", spec.Instructions[8].Symbol())
	assert.Equal(t, asm.Return().OpCode, spec.Instructions[9].OpCode)
}

func TestCountersMapSpec(t *testing.T) {
	spec := CountersMapSpec(len(RuntimeSymbols))
	assert.Equal(t, ebpf.Array, spec.Type)
	assert.Equal(t, uint32(8), spec.ValueSize)
	assert.Equal(t, uint32(len(RuntimeSymbols)), spec.MaxEntries)
}

func TestRuntimeSymbolsCoverHookedEntries(t *testing.T) {
	assert.Len(t, RuntimeSymbols, len(shadow.Hooked))
}

func TestFactoryRejectsUnknownProgram(t *testing.T) {
	_, err := NewProbeLoaders("unknown", &config.Config{})
	assert.Error(t, err)
}
