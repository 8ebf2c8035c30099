package nexus

import (
	"fmt"

	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"github.com/ALEYI17/InfraSight_nexus/pkg/types"
	"go.uber.org/zap"
)

// Every hook calls through first and returns whatever the runtime returned.
// Bookkeeping only runs on success, and a panic in it is logged instead of
// reaching the host.

func (n *Nexus) enter(name string) {
	if c, ok := n.calls[name]; ok {
		c.Inc()
	}
}

func (n *Nexus) recoverHook(name string) {
	if r := recover(); r != nil {
		logutil.GetLogger().Error("Recovered panic in hook",
			zap.String("hook", name),
			zap.String("panic", fmt.Sprint(r)))
	}
}

// QueueCreate creates an intercept queue in place of a plain one and hooks
// the dispatch tracer onto it.
func (n *Nexus) QueueCreate(agent hsa.Agent, size uint32, typ hsa.QueueType, callback hsa.QueueCallback, privateSegmentSize, groupSegmentSize uint32) (queue *hsa.Queue, st hsa.Status) {
	n.enter("QueueCreate")
	logger := logutil.GetLogger()

	ext := n.direct.AmdExt()
	if ext.QueueInterceptCreate == nil {
		return n.direct.QueueCreate(agent, size, typ, callback, privateSegmentSize, groupSegmentSize)
	}
	queue, st = ext.QueueInterceptCreate(agent, size, typ, callback, privateSegmentSize, groupSegmentSize)
	if !st.OK() || queue == nil {
		logger.Warn("Intercept queue creation failed", zap.Stringer("status", st))
		return queue, st
	}
	defer n.recoverHook("QueueCreate")

	if ext.ProfilingSetProfilerEnabled != nil {
		if pst := ext.ProfilingSetProfilerEnabled(queue, true); !pst.OK() {
			logger.Warn("Unable to enable profiling", zap.Uint64("queue", queue.ID), zap.Stringer("status", pst))
		}
	}
	if ext.QueueInterceptRegister == nil {
		logger.Warn("No interceptor registration entry", zap.Uint64("queue", queue.ID))
		return queue, st
	}
	if rst := ext.QueueInterceptRegister(queue, n.tracer.Interceptor(queue)); !rst.OK() {
		logger.Warn("Unable to register interceptor", zap.Uint64("queue", queue.ID), zap.Stringer("status", rst))
		return queue, st
	}
	logger.Debug("Queue intercepted", zap.Uint64("queue", queue.ID), zap.Uint32("size", size))
	return queue, st
}

func (n *Nexus) QueueDestroy(queue *hsa.Queue) hsa.Status {
	n.enter("QueueDestroy")
	st := n.direct.QueueDestroy(queue)
	if queue != nil {
		logutil.GetLogger().Debug("Queue destroyed", zap.Uint64("queue", queue.ID), zap.Stringer("status", st))
	}
	return st
}

func (n *Nexus) MemoryPoolAllocate(pool hsa.MemoryPool, size uint64, flags uint32) (ptr uintptr, st hsa.Status) {
	n.enter("MemoryPoolAllocate")
	ptr, st = n.direct.MemoryPoolAllocate(pool, size, flags)
	if st.OK() {
		defer n.recoverHook("MemoryPoolAllocate")
		n.recordAllocation(ptr, size, types.ALLOC_POOL)
	}
	return ptr, st
}

func (n *Nexus) MemoryAllocate(region hsa.Region, size uint64) (ptr uintptr, st hsa.Status) {
	n.enter("MemoryAllocate")
	ptr, st = n.direct.MemoryAllocate(region, size)
	if st.OK() {
		defer n.recoverHook("MemoryAllocate")
		n.recordAllocation(ptr, size, types.ALLOC_REGION)
	}
	return ptr, st
}

func (n *Nexus) recordAllocation(ptr uintptr, size uint64, kind uint8) {
	n.allocMu.Lock()
	n.pointerSizes[ptr] = size
	n.allocMu.Unlock()

	if n.stats != nil {
		ev := types.AllocationEvent{Pointer: ptr, Size: size, Kind: kind}
		n.stats.Update(ev)
		n.series.Update(ev)
	}
	logutil.GetLogger().Debug("Allocated",
		zap.Uintptr("ptr", ptr),
		zap.Uint64("size", size),
		zap.Uint8("kind", kind))
}

func (n *Nexus) ExecutableGetSymbolByName(executable hsa.Executable, symbolName string, agent *hsa.Agent) (sym hsa.ExecutableSymbol, st hsa.Status) {
	n.enter("ExecutableGetSymbolByName")
	sym, st = n.direct.ExecutableGetSymbolByName(executable, symbolName, agent)
	if st.OK() {
		defer n.recoverHook("ExecutableGetSymbolByName")
		n.resolver.RecordSymbol(sym, symbolName, executable)
	}
	return sym, st
}

func (n *Nexus) CodeObjectReaderCreateFromFile(file hsa.File) (reader hsa.CodeObjectReader, st hsa.Status) {
	n.enter("CodeObjectReaderCreateFromFile")
	reader, st = n.direct.CodeObjectReaderCreateFromFile(file)
	if !st.OK() {
		return reader, st
	}
	defer n.recoverHook("CodeObjectReaderCreateFromFile")

	path, err := n.registrar.RegisterFromFile(file)
	if err != nil {
		logutil.GetLogger().Warn("Unable to register code object file", zap.Int("fd", int(file)), zap.Error(err))
		return reader, st
	}
	logutil.GetLogger().Debug("Registered code object file", zap.String("path", path))
	return reader, st
}

func (n *Nexus) CodeObjectReaderCreateFromMemory(codeObject []byte) (reader hsa.CodeObjectReader, st hsa.Status) {
	n.enter("CodeObjectReaderCreateFromMemory")
	reader, st = n.direct.CodeObjectReaderCreateFromMemory(codeObject)
	if !st.OK() {
		return reader, st
	}
	defer n.recoverHook("CodeObjectReaderCreateFromMemory")

	path, err := n.registrar.RegisterFromMemory(codeObject)
	if err != nil {
		logutil.GetLogger().Warn("Unable to register code object buffer", zap.Int("size", len(codeObject)), zap.Error(err))
		return reader, st
	}
	logutil.GetLogger().Debug("Registered code object buffer", zap.String("path", path))
	return reader, st
}

// ExecutableSymbolGetInfo records the kernel object of a symbol when the
// caller asks for it. value must then be a *uint64.
func (n *Nexus) ExecutableSymbolGetInfo(symbol hsa.ExecutableSymbol, attribute hsa.SymbolInfo, value any) (st hsa.Status) {
	n.enter("ExecutableSymbolGetInfo")
	st = n.direct.ExecutableSymbolGetInfo(symbol, attribute, value)
	if !st.OK() || attribute != hsa.SymbolInfoKernelObject {
		return st
	}
	defer n.recoverHook("ExecutableSymbolGetInfo")

	obj, ok := value.(*uint64)
	if !ok || obj == nil {
		return st
	}
	n.resolver.RecordKernelObject(symbol, *obj)
	return st
}
