package dispatch

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ALEYI17/InfraSight_nexus/internal/identity"
	"github.com/ALEYI17/InfraSight_nexus/internal/source"
	"github.com/ALEYI17/InfraSight_nexus/internal/symdb"
	"github.com/ALEYI17/InfraSight_nexus/internal/tracedoc"
	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
)

type fixture struct {
	resolver *identity.Resolver
	db       *symdb.Memory
	locator  *source.Locator
	fs       afero.Fs
	output   string
	written  [][]hsa.Packet
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fsys := afero.NewMemMapFs()
	loc, err := source.NewLocator(fsys, source.ParseRoots("/src"))
	require.NoError(t, err)
	return &fixture{
		resolver: identity.NewResolver(),
		db:       symdb.NewMemory(),
		locator:  loc,
		fs:       fsys,
		output:   filepath.Join(t.TempDir(), "trace.json"),
	}
}

func (f *fixture) tracer(filter Filter, collectors ...types.Nexus_collectors) *Tracer {
	return New(Options{
		Resolver:   f.resolver,
		DB:         f.db,
		Locator:    f.locator,
		OutputFile: f.output,
		Filter:     filter,
		Collectors: collectors,
	})
}

func (f *fixture) kernel(name string, obj uint64) {
	sym := hsa.ExecutableSymbol{Handle: obj + 1}
	f.resolver.RecordSymbol(sym, name, hsa.Executable{Handle: 1})
	f.resolver.RecordKernelObject(sym, obj)
}

func (f *fixture) writer(p []hsa.Packet) {
	f.written = append(f.written, p)
}

func (f *fixture) source(t *testing.T, path string, lines int) {
	t.Helper()
	var b strings.Builder
	for i := 1; i <= lines; i++ {
		fmt.Fprintf(&b, "line %d\n", i)
	}
	require.NoError(t, afero.WriteFile(f.fs, path, []byte(b.String()), 0o644))
}

func dispatchPacket(obj uint64) hsa.Packet {
	return hsa.KernelDispatchPacket{
		Header:         hsa.MakeHeader(hsa.PacketTypeKernelDispatch, true, hsa.FenceScopeSystem, hsa.FenceScopeSystem),
		WorkgroupSizeX: 64,
		GridSizeX:      1024,
		KernelObject:   obj,
	}.Encode()
}

func barrierPacket() hsa.Packet {
	return hsa.KernelDispatchPacket{Header: hsa.MakeHeader(hsa.PacketTypeBarrierAnd, true, hsa.FenceScopeAgent, hsa.FenceScopeAgent)}.Encode()
}

func TestVectorAddScenario(t *testing.T) {
	f := newFixture(t)
	f.kernel("vectorAdd", 0x100)
	f.db.AddKernel("vectorAdd", symdb.Instruction{Disassembly: "v_add_f32", FileName: "add.hip", Line: 42})
	f.source(t, "/src/add.hip", 50)

	f.tracer(nil).Write([]hsa.Packet{dispatchPacket(0x100)}, f.writer)

	require.Len(t, f.written, 1)
	doc, err := tracedoc.Load(f.output)
	require.NoError(t, err)
	k, ok := doc.Kernel("vectorAdd")
	require.True(t, ok)
	assert.Equal(t, []uint32{42}, k.Lines)
	assert.Equal(t, []string{"add.hip"}, k.Files)
	assert.Equal(t, []string{"line 42"}, k.Hip)
	assert.Equal(t, []string{"v_add_f32"}, k.Assembly)
	assert.Equal(t, "vectorAdd", k.Signature)
}

func TestCorrelateDeduplicatesLines(t *testing.T) {
	f := newFixture(t)
	f.db.AddKernel("k",
		symdb.Instruction{Disassembly: "\tv_mov_b32 v0, 0", FileName: "k.hip", Line: 10},
		symdb.Instruction{Disassembly: "\tv_mov_b32 v1, 1", FileName: "k.hip", Line: 10},
		symdb.Instruction{Disassembly: "s_endpgm", FileName: "k.hip", Line: 11},
	)
	lines, err := f.db.KernelLines("k")
	require.NoError(t, err)
	require.Equal(t, []uint32{10, 10, 11}, lines)

	rec, err := f.tracer(nil).Correlate("k")
	require.NoError(t, err)

	assert.Equal(t, []uint32{10, 11}, rec.Lines)
	assert.Equal(t, []string{"k.hip", "k.hip"}, rec.Files)
	assert.Len(t, rec.Hip, 2)
	assert.Equal(t, []string{"v_mov_b32 v0, 0", "v_mov_b32 v1, 1", "s_endpgm"}, rec.Assembly)
}

func TestCorrelateKeepsDistinctFilesForOneLine(t *testing.T) {
	f := newFixture(t)
	f.db.AddKernel("k",
		symdb.Instruction{Disassembly: "a", FileName: "k.hip", Line: 5},
		symdb.Instruction{Disassembly: "b", FileName: "inline.h", Line: 5},
	)

	rec, err := f.tracer(nil).Correlate("k")
	require.NoError(t, err)
	assert.Equal(t, []uint32{5, 5}, rec.Lines)
	assert.Equal(t, []string{"k.hip", "inline.h"}, rec.Files)
	assert.Equal(t, []string{"", ""}, rec.Hip)
}

func TestCorrelateFallsBackToBasicBlocks(t *testing.T) {
	f := newFixture(t)
	f.db.SetBasicBlocks("bare",
		symdb.BasicBlock{Instructions: []symdb.Instruction{{Disassembly: "\ts_load_dword s0"}, {Disassembly: "s_waitcnt\t0"}}},
		symdb.BasicBlock{Instructions: []symdb.Instruction{{Disassembly: "s_endpgm"}}},
	)

	rec, err := f.tracer(nil).Correlate("bare")
	require.NoError(t, err)
	assert.Empty(t, rec.Lines)
	assert.Empty(t, rec.Files)
	assert.Equal(t, []string{"s_load_dword s0", "s_waitcnt0", "s_endpgm"}, rec.Assembly)
}

func TestCorrelateUnknownKernel(t *testing.T) {
	f := newFixture(t)
	_, err := f.tracer(nil).Correlate("missing")
	assert.ErrorIs(t, err, symdb.ErrUnknownKernel)
}

func TestFilter(t *testing.T) {
	tests := []struct {
		name   string
		filter Filter
		kernel string
		want   bool
	}{
		{"no filter", nil, "anything", true},
		{"first token", Filter{"A", "B"}, "prefixA_kernel", true},
		{"second token", Filter{"A", "B"}, "prefixB_kernel", true},
		{"no token", Filter{"A", "B"}, "prefixC_kernel", false},
		{"empty token ignored", Filter{""}, "kernel", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Match(tt.kernel))
		})
	}
}

func TestIsTraceable(t *testing.T) {
	f := newFixture(t)
	f.kernel("prefixA_kernel", 0x10)
	f.kernel("prefixC_kernel", 0x20)
	tr := f.tracer(Filter{"A", "B"})

	name, ok := tr.IsTraceable(hsa.KernelDispatchPacket{KernelObject: 0x10})
	assert.True(t, ok)
	assert.Equal(t, "prefixA_kernel", name)

	_, ok = tr.IsTraceable(hsa.KernelDispatchPacket{KernelObject: 0x20})
	assert.False(t, ok)

	// Unresolved objects are never traced, even without a filter.
	name, ok = f.tracer(nil).IsTraceable(hsa.KernelDispatchPacket{KernelObject: 0x99})
	assert.False(t, ok)
	assert.Equal(t, identity.ObjectNotFound, name)
}

func TestWritePassesThroughOtherPackets(t *testing.T) {
	f := newFixture(t)
	tr := f.tracer(nil)

	packets := []hsa.Packet{barrierPacket(), dispatchPacket(0x77)}
	tr.Write(packets, f.writer)

	require.Len(t, f.written, 1)
	assert.Equal(t, packets, f.written[0])
	assert.Zero(t, tr.Document().Len())
	assert.NoFileExists(t, f.output)
}

type panickingDB struct{ symdb.Database }

func (panickingDB) KernelLines(string) ([]uint32, error) { panic("boom") }

func TestWriteRecoversFromPanics(t *testing.T) {
	f := newFixture(t)
	f.kernel("k", 0x1)
	tr := New(Options{Resolver: f.resolver, DB: panickingDB{Database: f.db}})

	assert.NotPanics(t, func() {
		tr.Write([]hsa.Packet{dispatchPacket(0x1)}, f.writer)
	})
	assert.Len(t, f.written, 1)
}

func TestWriteWithoutOutputKeepsDocumentInMemory(t *testing.T) {
	f := newFixture(t)
	f.kernel("k", 0x1)
	f.db.AddKernel("k", symdb.Instruction{Disassembly: "s_endpgm", FileName: "k.hip", Line: 1})
	tr := New(Options{Resolver: f.resolver, DB: f.db, Locator: f.locator})

	tr.Write([]hsa.Packet{dispatchPacket(0x1)}, f.writer)

	k, ok := tr.Document().Kernel("k")
	require.True(t, ok)
	assert.Equal(t, []string{"s_endpgm"}, k.Assembly)
}

func TestWriteTracesEveryPacketOfABatch(t *testing.T) {
	f := newFixture(t)
	f.kernel("a", 0x1)
	f.kernel("b", 0x2)
	f.db.AddKernel("a", symdb.Instruction{Disassembly: "x", FileName: "a.hip", Line: 1})
	f.db.AddKernel("b", symdb.Instruction{Disassembly: "y", FileName: "b.hip", Line: 2})
	tr := f.tracer(nil)

	tr.Write([]hsa.Packet{dispatchPacket(0x1), dispatchPacket(0x2)}, f.writer)

	assert.Equal(t, []string{"a", "b"}, tr.Document().Names())
}

type recordingCollector struct{ events []any }

func (c *recordingCollector) Update(ev any) { c.events = append(c.events, ev) }
func (c *recordingCollector) Flush() *types.Batch { return nil }
func (c *recordingCollector) Run(context.Context) <-chan *types.Batch { return nil }

func TestWriteFeedsCollectors(t *testing.T) {
	f := newFixture(t)
	f.kernel("k", 0x1)
	c := &recordingCollector{}
	tr := f.tracer(Filter{"nomatch"}, c)

	tr.Interceptor(&hsa.Queue{ID: 3})([]hsa.Packet{dispatchPacket(0x1)}, 0, f.writer)

	require.Len(t, c.events, 1)
	assert.Equal(t, types.DispatchEvent{
		Kernel:        "k",
		KernelObject:  0x1,
		Queue:         3,
		WorkItems:     1024,
		WorkgroupSize: 64,
		Traced:        false,
	}, c.events[0])
}
