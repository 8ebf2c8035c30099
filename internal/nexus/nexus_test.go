package nexus

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ALEYI17/InfraSight_nexus/internal/config"
	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ALEYI17/InfraSight_nexus/internal/hsa/hsatest"
	"github.com/ALEYI17/InfraSight_nexus/internal/symdb"
	"github.com/ALEYI17/InfraSight_nexus/internal/tracedoc"
	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
)

const vectorAdd = "vectorAdd(float*, float*, float*, int)"

var gpuAgent = hsa.Agent{Handle: 0x20}

func observe(t *testing.T) *observer.ObservedLogs {
	t.Helper()
	core, logs := observer.New(zapcore.DebugLevel)
	prev := logutil.GetLogger()
	logutil.SetLogger(zap.New(core, zap.WithFatalHook(zapcore.WriteThenPanic)))
	t.Cleanup(func() { logutil.SetLogger(prev) })
	return logs
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		ExtraSearchPrefix: "/src",
		OutputFile:        filepath.Join(dir, "trace.json"),
		TempDir:           dir,
		HashWindow:        config.DefaultHashWindow,
	}
}

func attach(t *testing.T, rt *hsatest.Runtime, cfg *config.Config, db symdb.Database) (*Nexus, *hsa.ApiTable) {
	t.Helper()
	table := rt.Table()
	srcFs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(srcFs, "/src/add.hip", []byte("#include <hip/hip_runtime.h>\n  c[i] = a[i] + b[i];\n"), 0o644))

	n, err := Attach(table, cfg, WithDatabase(db), WithSourceFs(srcFs))
	require.NoError(t, err)
	t.Cleanup(func() { _ = n.Close() })
	return n, table
}

func dispatchPacket(obj uint64) hsa.Packet {
	return hsa.KernelDispatchPacket{
		Header:         hsa.MakeHeader(hsa.PacketTypeKernelDispatch, true, hsa.FenceScopeSystem, hsa.FenceScopeSystem),
		WorkgroupSizeX: 64,
		GridSizeX:      256,
		KernelObject:   obj,
	}.Encode()
}

func TestAttachTracesDispatch(t *testing.T) {
	observe(t)
	rt := hsatest.New().WithGPU()
	db := symdb.NewMemory()
	db.AddKernel(vectorAdd, symdb.Instruction{Disassembly: "v_add_f32_e32 v0, v1, v2", FileName: "add.hip", Line: 2})
	cfg := testConfig(t)
	n, table := attach(t, rt, cfg, db)

	assert.Equal(t, "gfx90a", n.GPU().Name)
	assert.Len(t, n.Agents(), 2)

	exe := hsa.Executable{Handle: 7}
	rt.AddKernel("_Z9vectorAddPfS_S_i", 0x100)
	sym, st := table.Core.ExecutableGetSymbolByName(exe, "_Z9vectorAddPfS_S_i", &gpuAgent)
	require.Equal(t, hsa.StatusSuccess, st)
	var obj uint64
	require.Equal(t, hsa.StatusSuccess, table.Core.ExecutableSymbolGetInfo(sym, hsa.SymbolInfoKernelObject, &obj))
	assert.Equal(t, uint64(0x100), obj)

	name, err := n.Resolver().Resolve(0x100)
	require.NoError(t, err)
	assert.Equal(t, vectorAdd, name)

	q, st := table.Core.QueueCreate(gpuAgent, 64, hsa.QueueTypeMulti, nil, 0, 0)
	require.Equal(t, hsa.StatusSuccess, st)
	assert.Equal(t, 1, rt.CallCount("QueueInterceptCreate"))
	assert.Zero(t, rt.CallCount("QueueCreate"))
	assert.True(t, rt.Profiling[q.ID])

	rt.Submit(q, dispatchPacket(0x100))
	assert.Equal(t, 1, rt.WrittenCount())

	doc, err := tracedoc.Load(cfg.OutputFile)
	require.NoError(t, err)
	k, ok := doc.Kernel(vectorAdd)
	require.True(t, ok)
	assert.Equal(t, []uint32{2}, k.Lines)
	assert.Equal(t, []string{"  c[i] = a[i] + b[i];"}, k.Hip)
	assert.Equal(t, []string{"v_add_f32_e32 v0, v1, v2"}, k.Assembly)

	calls := n.HookCalls()
	assert.Equal(t, uint64(1), calls["QueueCreate"])
	assert.Equal(t, uint64(1), calls["ExecutableGetSymbolByName"])
	assert.Equal(t, uint64(1), calls["ExecutableSymbolGetInfo"])
	assert.Zero(t, calls["MemoryAllocate"])
}

func TestHooksReturnRuntimeStatus(t *testing.T) {
	observe(t)
	rt := hsatest.New().WithGPU()
	n, table := attach(t, rt, testConfig(t), symdb.NewMemory())

	ptr, st := table.Core.MemoryAllocate(hsa.Region{Handle: 0x200}, 4096)
	require.Equal(t, hsa.StatusSuccess, st)
	size, ok := n.PointerSize(ptr)
	assert.True(t, ok)
	assert.Equal(t, uint64(4096), size)

	ptr, st = table.AmdExt.MemoryPoolAllocate(hsa.MemoryPool{Handle: 1}, 1<<20, 0)
	require.Equal(t, hsa.StatusSuccess, st)
	size, _ = n.PointerSize(ptr)
	assert.Equal(t, uint64(1<<20), size)

	_, st = table.Core.MemoryAllocate(hsa.Region{Handle: 0x200}, 0)
	assert.Equal(t, hsa.StatusErrorInvalidAllocation, st)

	rt.Fail["MemoryAllocate"] = hsa.StatusErrorOutOfResources
	ptr, st = table.Core.MemoryAllocate(hsa.Region{Handle: 0x200}, 64)
	assert.Equal(t, hsa.StatusErrorOutOfResources, st)
	_, ok = n.PointerSize(ptr)
	assert.False(t, ok)

	rt.Fail["QueueInterceptCreate"] = hsa.StatusErrorOutOfResources
	q, st := table.Core.QueueCreate(gpuAgent, 64, hsa.QueueTypeMulti, nil, 0, 0)
	assert.Nil(t, q)
	assert.Equal(t, hsa.StatusErrorOutOfResources, st)
	assert.Zero(t, rt.CallCount("QueueInterceptRegister"))

	assert.Equal(t, hsa.StatusErrorInvalidQueue, table.Core.QueueDestroy(nil))

	_, st = table.Core.ExecutableGetSymbolByName(hsa.Executable{}, "missing", nil)
	assert.Equal(t, hsa.StatusErrorInvalidSymbolName, st)
	symbols, _ := n.Resolver().Len()
	assert.Zero(t, symbols)

	_, st = table.Core.CodeObjectReaderCreateFromFile(hsa.File(-1))
	assert.Equal(t, hsa.StatusErrorInvalidFile, st)
}

func TestQueueCreateKeepsQueueWhenRegistrationFails(t *testing.T) {
	logs := observe(t)
	rt := hsatest.New().WithGPU()
	_, table := attach(t, rt, testConfig(t), symdb.NewMemory())

	rt.Fail["QueueInterceptRegister"] = hsa.StatusErrorInvalidQueue
	q, st := table.Core.QueueCreate(gpuAgent, 64, hsa.QueueTypeMulti, nil, 0, 0)
	require.Equal(t, hsa.StatusSuccess, st)
	require.NotNil(t, q)
	assert.Equal(t, 1, logs.FilterMessage("Unable to register interceptor").Len())

	rt.Submit(q, dispatchPacket(0x1))
	assert.Equal(t, 1, rt.WrittenCount())
}

func TestCodeObjectRegistration(t *testing.T) {
	observe(t)
	rt := hsatest.New().WithGPU()
	db := symdb.NewMemory()
	cfg := testConfig(t)
	_, table := attach(t, rt, cfg, db)

	code := []byte("not really a code object, but long enough to hash")
	_, st := table.Core.CodeObjectReaderCreateFromMemory(code)
	require.Equal(t, hsa.StatusSuccess, st)

	path := filepath.Join(cfg.TempDir, "nexus-code-object-")
	require.Len(t, db.Files(), 1)
	assert.Contains(t, db.Files()[0], path)
	data, err := os.ReadFile(db.Files()[0])
	require.NoError(t, err)
	assert.Equal(t, code, data)

	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)
	file := filepath.Join(dir, "kernels.hsaco")
	require.NoError(t, os.WriteFile(file, []byte("co"), 0o644))
	f, err := os.Open(file)
	require.NoError(t, err)
	defer f.Close()

	_, st = table.Core.CodeObjectReaderCreateFromFile(hsa.File(f.Fd()))
	require.Equal(t, hsa.StatusSuccess, st)
	require.Len(t, db.Files(), 2)
	assert.Equal(t, file, db.Files()[1])
}

type panickingDB struct{ *symdb.Memory }

func (panickingDB) AddFile(string, hsa.Agent, string) error { panic("corrupt code object") }

func TestHookPanicsDoNotReachTheHost(t *testing.T) {
	logs := observe(t)
	rt := hsatest.New().WithGPU()
	_, table := attach(t, rt, testConfig(t), panickingDB{Memory: symdb.NewMemory()})

	var (
		reader hsa.CodeObjectReader
		st     hsa.Status
	)
	assert.NotPanics(t, func() {
		reader, st = table.Core.CodeObjectReaderCreateFromMemory([]byte("payload"))
	})
	assert.Equal(t, hsa.StatusSuccess, st)
	assert.NotZero(t, reader.Handle)
	assert.Equal(t, 1, logs.FilterMessage("Recovered panic in hook").Len())
}

func TestAttachWithoutGPU(t *testing.T) {
	observe(t)
	rt := hsatest.New()
	rt.Agents = []hsatest.FakeAgent{{Handle: 0x10, Name: "cpu", Type: hsa.DeviceTypeCPU}}

	_, err := Attach(rt.Table(), testConfig(t), WithDatabase(symdb.NewMemory()))
	assert.ErrorIs(t, err, ErrNoGPU)

	_, err = Attach(&hsa.ApiTable{}, testConfig(t))
	assert.Error(t, err)
}

func TestCloseRestoresTables(t *testing.T) {
	observe(t)
	rt := hsatest.New().WithGPU()
	table := rt.Table()
	n, err := Attach(table, testConfig(t), WithDatabase(symdb.NewMemory()), WithSourceFs(afero.NewMemMapFs()))
	require.NoError(t, err)
	require.NoError(t, n.Close())

	_, st := table.Core.QueueCreate(gpuAgent, 64, hsa.QueueTypeMulti, nil, 0, 0)
	require.Equal(t, hsa.StatusSuccess, st)
	assert.Equal(t, 1, rt.CallCount("QueueCreate"))
	assert.Zero(t, rt.CallCount("QueueInterceptCreate"))
	assert.Zero(t, n.HookCalls()["QueueCreate"])
}

func TestAttachCreatesPipe(t *testing.T) {
	observe(t)
	cfg := testConfig(t)
	cfg.PipeName = filepath.Join(t.TempDir(), "nexus.pipe")
	attach(t, hsatest.New().WithGPU(), cfg, symdb.NewMemory())

	fi, err := os.Stat(cfg.PipeName)
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode()&os.ModeNamedPipe)

	assert.NoError(t, createPipe(cfg.PipeName), "existing pipe is reused")
}

func TestStartupKernelDump(t *testing.T) {
	logs := observe(t)
	db := symdb.NewMemory()
	db.AddKernel("reduce", symdb.Instruction{Disassembly: "s_endpgm", FileName: "reduce.hip", Line: 9})
	attach(t, hsatest.New().WithGPU(), testConfig(t), db)

	kernels := logs.FilterMessage("Kernel").All()
	require.Len(t, kernels, 1)
	assert.Equal(t, "reduce", kernels[0].ContextMap()["name"])
	assert.Equal(t, 1, logs.FilterMessage("reduce.hip:9 -> s_endpgm").Len())
}

func TestStatsWindowsAreLogged(t *testing.T) {
	logs := observe(t)
	rt := hsatest.New().WithGPU()
	cfg := testConfig(t)
	cfg.StatsInterval = 10 * time.Millisecond
	_, table := attach(t, rt, cfg, symdb.NewMemory())

	_, st := table.Core.MemoryAllocate(hsa.Region{Handle: 0x200}, 128)
	require.Equal(t, hsa.StatusSuccess, st)
	q, st := table.Core.QueueCreate(gpuAgent, 64, hsa.QueueTypeMulti, nil, 0, 0)
	require.Equal(t, hsa.StatusSuccess, st)
	rt.Submit(q, dispatchPacket(0x55))

	assert.Eventually(t, func() bool {
		return logs.FilterMessage("Kernel dispatch window").Len() > 0 &&
			logs.FilterMessage("Allocation window").Len() > 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestHookNamesAreSorted(t *testing.T) {
	names := HookNames()
	assert.IsNonDecreasing(t, names)
	assert.Len(t, names, 8)
}
