package hsa

// CoreTable holds the core runtime entry points used by the tracer. A nil
// entry means the runtime did not provide it.
type CoreTable struct {
	IterateAgents       func(callback func(Agent) Status) Status
	AgentGetInfo        func(agent Agent, attribute AgentInfo, value any) Status
	AgentIterateRegions func(agent Agent, callback func(Region) Status) Status
	RegionGetInfo       func(region Region, attribute RegionInfo, value any) Status

	QueueCreate    func(agent Agent, size uint32, typ QueueType, callback QueueCallback, privateSegmentSize, groupSegmentSize uint32) (*Queue, Status)
	QueueDestroy   func(queue *Queue) Status
	MemoryAllocate func(region Region, size uint64) (uintptr, Status)
	SignalCreate   func(initialValue int64, consumers []Agent) (Signal, Status)

	ExecutableGetSymbolByName func(executable Executable, symbolName string, agent *Agent) (ExecutableSymbol, Status)
	ExecutableSymbolGetInfo   func(symbol ExecutableSymbol, attribute SymbolInfo, value any) Status

	CodeObjectReaderCreateFromFile   func(file File) (CodeObjectReader, Status)
	CodeObjectReaderCreateFromMemory func(codeObject []byte) (CodeObjectReader, Status)
}

// AmdExtTable holds the AMD extension entry points used by the tracer.
type AmdExtTable struct {
	MemoryPoolAllocate          func(pool MemoryPool, size uint64, flags uint32) (uintptr, Status)
	QueueInterceptCreate        func(agent Agent, size uint32, typ QueueType, callback QueueCallback, privateSegmentSize, groupSegmentSize uint32) (*Queue, Status)
	QueueInterceptRegister      func(queue *Queue, interceptor PacketInterceptor) Status
	ProfilingSetProfilerEnabled func(queue *Queue, enable bool) Status
}

// ApiTable is the set of dispatch tables the runtime hands to a tool at load.
type ApiTable struct {
	Core   *CoreTable
	AmdExt *AmdExtTable
}

// Runtime is the subset of the runtime that the tracer intercepts.
type Runtime interface {
	QueueCreate(agent Agent, size uint32, typ QueueType, callback QueueCallback, privateSegmentSize, groupSegmentSize uint32) (*Queue, Status)
	QueueDestroy(queue *Queue) Status
	MemoryPoolAllocate(pool MemoryPool, size uint64, flags uint32) (uintptr, Status)
	MemoryAllocate(region Region, size uint64) (uintptr, Status)
	ExecutableGetSymbolByName(executable Executable, symbolName string, agent *Agent) (ExecutableSymbol, Status)
	CodeObjectReaderCreateFromFile(file File) (CodeObjectReader, Status)
	CodeObjectReaderCreateFromMemory(codeObject []byte) (CodeObjectReader, Status)
	ExecutableSymbolGetInfo(symbol ExecutableSymbol, attribute SymbolInfo, value any) Status
}

// Direct calls straight into a table. It is the call-through path: whatever
// the table entry returns is returned as is.
type Direct struct {
	table ApiTable
}

var _ Runtime = (*Direct)(nil)

// NewDirect snapshots table. Later changes to table, or to the tables it
// points at, do not reach the returned Direct.
func NewDirect(table ApiTable) *Direct {
	core, ext := CoreTable{}, AmdExtTable{}
	if table.Core != nil {
		core = *table.Core
	}
	if table.AmdExt != nil {
		ext = *table.AmdExt
	}
	return &Direct{table: ApiTable{Core: &core, AmdExt: &ext}}
}

// Core returns a copy of the core entries.
func (d *Direct) Core() CoreTable     { return *d.table.Core }
func (d *Direct) AmdExt() AmdExtTable { return *d.table.AmdExt }

func (d *Direct) QueueCreate(agent Agent, size uint32, typ QueueType, callback QueueCallback, privateSegmentSize, groupSegmentSize uint32) (*Queue, Status) {
	if d.table.Core.QueueCreate == nil {
		return nil, StatusErrorNotInitialized
	}
	return d.table.Core.QueueCreate(agent, size, typ, callback, privateSegmentSize, groupSegmentSize)
}

func (d *Direct) QueueDestroy(queue *Queue) Status {
	if d.table.Core.QueueDestroy == nil {
		return StatusErrorNotInitialized
	}
	return d.table.Core.QueueDestroy(queue)
}

func (d *Direct) MemoryPoolAllocate(pool MemoryPool, size uint64, flags uint32) (uintptr, Status) {
	if d.table.AmdExt.MemoryPoolAllocate == nil {
		return 0, StatusErrorNotInitialized
	}
	return d.table.AmdExt.MemoryPoolAllocate(pool, size, flags)
}

func (d *Direct) MemoryAllocate(region Region, size uint64) (uintptr, Status) {
	if d.table.Core.MemoryAllocate == nil {
		return 0, StatusErrorNotInitialized
	}
	return d.table.Core.MemoryAllocate(region, size)
}

func (d *Direct) ExecutableGetSymbolByName(executable Executable, symbolName string, agent *Agent) (ExecutableSymbol, Status) {
	if d.table.Core.ExecutableGetSymbolByName == nil {
		return ExecutableSymbol{}, StatusErrorNotInitialized
	}
	return d.table.Core.ExecutableGetSymbolByName(executable, symbolName, agent)
}

func (d *Direct) CodeObjectReaderCreateFromFile(file File) (CodeObjectReader, Status) {
	if d.table.Core.CodeObjectReaderCreateFromFile == nil {
		return CodeObjectReader{}, StatusErrorNotInitialized
	}
	return d.table.Core.CodeObjectReaderCreateFromFile(file)
}

func (d *Direct) CodeObjectReaderCreateFromMemory(codeObject []byte) (CodeObjectReader, Status) {
	if d.table.Core.CodeObjectReaderCreateFromMemory == nil {
		return CodeObjectReader{}, StatusErrorNotInitialized
	}
	return d.table.Core.CodeObjectReaderCreateFromMemory(codeObject)
}

func (d *Direct) ExecutableSymbolGetInfo(symbol ExecutableSymbol, attribute SymbolInfo, value any) Status {
	if d.table.Core.ExecutableSymbolGetInfo == nil {
		return StatusErrorNotInitialized
	}
	return d.table.Core.ExecutableSymbolGetInfo(symbol, attribute, value)
}

// Agents enumerates every agent known to the runtime through the table.
func (d *Direct) Agents() ([]Agent, Status) {
	if d.table.Core.IterateAgents == nil {
		return nil, StatusErrorNotInitialized
	}
	var agents []Agent
	status := d.table.Core.IterateAgents(func(a Agent) Status {
		agents = append(agents, a)
		return StatusSuccess
	})
	return agents, status
}

// Regions enumerates the memory regions attached to agent.
func (d *Direct) Regions(agent Agent) ([]Region, Status) {
	if d.table.Core.AgentIterateRegions == nil {
		return nil, StatusErrorNotInitialized
	}
	var regions []Region
	status := d.table.Core.AgentIterateRegions(agent, func(r Region) Status {
		regions = append(regions, r)
		return StatusSuccess
	})
	return regions, status
}
