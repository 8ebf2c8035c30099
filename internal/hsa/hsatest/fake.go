// Package hsatest provides an in-memory runtime whose dispatch tables can be
// captured and hooked like the real ones.
package hsatest

import (
	"sync"

	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
)

type FakeRegion struct {
	Handle  uint64
	Segment hsa.RegionSegment
	Flags   uint32
}

type FakeAgent struct {
	Handle  uint64
	Name    string
	Type    hsa.DeviceType
	Regions []FakeRegion
}

// Runtime is a fake runtime. Fields may be set before Table is called; the
// Fail map forces an entry point (keyed by its table field name) to return
// the given status.
type Runtime struct {
	mu sync.Mutex

	Agents        []FakeAgent
	Symbols       map[string]hsa.ExecutableSymbol
	KernelObjects map[hsa.ExecutableSymbol]uint64
	Fail          map[string]hsa.Status

	Calls        map[string]int
	Interceptors map[uint64]hsa.PacketInterceptor
	Profiling    map[uint64]bool
	Written      [][]hsa.Packet
	Readers      []hsa.CodeObjectReader
	MemoryBlobs  [][]byte

	nextHandle uint64
}

func New() *Runtime {
	return &Runtime{
		Symbols:       make(map[string]hsa.ExecutableSymbol),
		KernelObjects: make(map[hsa.ExecutableSymbol]uint64),
		Fail:          make(map[string]hsa.Status),
		Calls:         make(map[string]int),
		Interceptors:  make(map[uint64]hsa.PacketInterceptor),
		Profiling:     make(map[uint64]bool),
		nextHandle:    0x1000,
	}
}

// WithGPU adds a CPU agent with a fine-grained region and a GPU agent.
func (r *Runtime) WithGPU() *Runtime {
	r.Agents = append(r.Agents,
		FakeAgent{Handle: 0x10, Name: "AMD EPYC", Type: hsa.DeviceTypeCPU, Regions: []FakeRegion{
			{Handle: 0x100, Segment: hsa.RegionSegmentGlobal, Flags: hsa.RegionGlobalFlagFineGrained | hsa.RegionGlobalFlagKernarg},
			{Handle: 0x101, Segment: hsa.RegionSegmentGlobal, Flags: hsa.RegionGlobalFlagCoarseGrained},
		}},
		FakeAgent{Handle: 0x20, Name: "gfx90a", Type: hsa.DeviceTypeGPU, Regions: []FakeRegion{
			{Handle: 0x200, Segment: hsa.RegionSegmentGlobal, Flags: hsa.RegionGlobalFlagCoarseGrained},
		}},
	)
	return r
}

// AddKernel registers a symbol name together with the kernel object the
// runtime reports for it.
func (r *Runtime) AddKernel(name string, kernelObject uint64) hsa.ExecutableSymbol {
	r.mu.Lock()
	defer r.mu.Unlock()
	sym := hsa.ExecutableSymbol{Handle: r.handle()}
	r.Symbols[name] = sym
	r.KernelObjects[sym] = kernelObject
	return sym
}

func (r *Runtime) CallCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Calls[name]
}

// Submit pushes packets through the interceptor registered on queue, as the
// runtime does when the application writes a doorbell. Without an interceptor
// the packets are written directly.
func (r *Runtime) Submit(queue *hsa.Queue, packets ...hsa.Packet) {
	r.mu.Lock()
	interceptor := r.Interceptors[queue.ID]
	r.mu.Unlock()

	writer := func(p []hsa.Packet) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.Written = append(r.Written, append([]hsa.Packet(nil), p...))
	}
	if interceptor == nil {
		writer(packets)
		return
	}
	interceptor(packets, 0, writer)
}

func (r *Runtime) WrittenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, batch := range r.Written {
		n += len(batch)
	}
	return n
}

func (r *Runtime) handle() uint64 {
	r.nextHandle++
	return r.nextHandle
}

func (r *Runtime) enter(name string) (hsa.Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Calls[name]++
	st, failed := r.Fail[name]
	return st, failed
}

// Table builds a fresh dispatch table bound to r.
func (r *Runtime) Table() *hsa.ApiTable {
	core := &hsa.CoreTable{
		IterateAgents: func(cb func(hsa.Agent) hsa.Status) hsa.Status {
			if st, failed := r.enter("IterateAgents"); failed {
				return st
			}
			for _, a := range r.Agents {
				if st := cb(hsa.Agent{Handle: a.Handle}); st != hsa.StatusSuccess {
					if st == hsa.StatusInfoBreak {
						return hsa.StatusSuccess
					}
					return st
				}
			}
			return hsa.StatusSuccess
		},
		AgentGetInfo: func(agent hsa.Agent, attr hsa.AgentInfo, value any) hsa.Status {
			if st, failed := r.enter("AgentGetInfo"); failed {
				return st
			}
			a, ok := r.agent(agent)
			if !ok {
				return hsa.StatusErrorInvalidAgent
			}
			switch attr {
			case hsa.AgentInfoName:
				buf, ok := value.(*[hsa.AgentNameSize]byte)
				if !ok {
					return hsa.StatusErrorInvalidArgument
				}
				copy(buf[:hsa.AgentNameSize-1], a.Name)
			case hsa.AgentInfoDevice:
				dt, ok := value.(*hsa.DeviceType)
				if !ok {
					return hsa.StatusErrorInvalidArgument
				}
				*dt = a.Type
			default:
				return hsa.StatusErrorInvalidArgument
			}
			return hsa.StatusSuccess
		},
		AgentIterateRegions: func(agent hsa.Agent, cb func(hsa.Region) hsa.Status) hsa.Status {
			if st, failed := r.enter("AgentIterateRegions"); failed {
				return st
			}
			a, ok := r.agent(agent)
			if !ok {
				return hsa.StatusErrorInvalidAgent
			}
			for _, reg := range a.Regions {
				if st := cb(hsa.Region{Handle: reg.Handle}); st != hsa.StatusSuccess {
					return st
				}
			}
			return hsa.StatusSuccess
		},
		RegionGetInfo: func(region hsa.Region, attr hsa.RegionInfo, value any) hsa.Status {
			if st, failed := r.enter("RegionGetInfo"); failed {
				return st
			}
			reg, ok := r.region(region)
			if !ok {
				return hsa.StatusErrorInvalidRegion
			}
			switch attr {
			case hsa.RegionInfoSegment:
				seg, ok := value.(*hsa.RegionSegment)
				if !ok {
					return hsa.StatusErrorInvalidArgument
				}
				*seg = reg.Segment
			case hsa.RegionInfoGlobalFlags:
				flags, ok := value.(*uint32)
				if !ok {
					return hsa.StatusErrorInvalidArgument
				}
				*flags = reg.Flags
			default:
				return hsa.StatusErrorInvalidArgument
			}
			return hsa.StatusSuccess
		},
		QueueCreate: func(agent hsa.Agent, size uint32, typ hsa.QueueType, _ hsa.QueueCallback, _, _ uint32) (*hsa.Queue, hsa.Status) {
			if st, failed := r.enter("QueueCreate"); failed {
				return nil, st
			}
			return r.newQueue(agent, size, typ), hsa.StatusSuccess
		},
		QueueDestroy: func(queue *hsa.Queue) hsa.Status {
			if st, failed := r.enter("QueueDestroy"); failed {
				return st
			}
			if queue == nil {
				return hsa.StatusErrorInvalidQueue
			}
			r.mu.Lock()
			delete(r.Interceptors, queue.ID)
			r.mu.Unlock()
			return hsa.StatusSuccess
		},
		MemoryAllocate: func(_ hsa.Region, size uint64) (uintptr, hsa.Status) {
			if st, failed := r.enter("MemoryAllocate"); failed {
				return 0, st
			}
			if size == 0 {
				return 0, hsa.StatusErrorInvalidAllocation
			}
			return r.pointer(), hsa.StatusSuccess
		},
		SignalCreate: func(int64, []hsa.Agent) (hsa.Signal, hsa.Status) {
			if st, failed := r.enter("SignalCreate"); failed {
				return hsa.Signal{}, st
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			return hsa.Signal{Handle: r.handle()}, hsa.StatusSuccess
		},
		ExecutableGetSymbolByName: func(_ hsa.Executable, name string, _ *hsa.Agent) (hsa.ExecutableSymbol, hsa.Status) {
			if st, failed := r.enter("ExecutableGetSymbolByName"); failed {
				return hsa.ExecutableSymbol{}, st
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			sym, ok := r.Symbols[name]
			if !ok {
				return hsa.ExecutableSymbol{}, hsa.StatusErrorInvalidSymbolName
			}
			return sym, hsa.StatusSuccess
		},
		ExecutableSymbolGetInfo: func(sym hsa.ExecutableSymbol, attr hsa.SymbolInfo, value any) hsa.Status {
			if st, failed := r.enter("ExecutableSymbolGetInfo"); failed {
				return st
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			obj, ok := r.KernelObjects[sym]
			if !ok {
				return hsa.StatusErrorInvalidExecutableSymbol
			}
			if attr != hsa.SymbolInfoKernelObject {
				return hsa.StatusErrorInvalidArgument
			}
			out, ok := value.(*uint64)
			if !ok {
				return hsa.StatusErrorInvalidArgument
			}
			*out = obj
			return hsa.StatusSuccess
		},
		CodeObjectReaderCreateFromFile: func(file hsa.File) (hsa.CodeObjectReader, hsa.Status) {
			if st, failed := r.enter("CodeObjectReaderCreateFromFile"); failed {
				return hsa.CodeObjectReader{}, st
			}
			if file < 0 {
				return hsa.CodeObjectReader{}, hsa.StatusErrorInvalidFile
			}
			return r.reader(), hsa.StatusSuccess
		},
		CodeObjectReaderCreateFromMemory: func(code []byte) (hsa.CodeObjectReader, hsa.Status) {
			if st, failed := r.enter("CodeObjectReaderCreateFromMemory"); failed {
				return hsa.CodeObjectReader{}, st
			}
			if len(code) == 0 {
				return hsa.CodeObjectReader{}, hsa.StatusErrorInvalidCodeObject
			}
			r.mu.Lock()
			r.MemoryBlobs = append(r.MemoryBlobs, code)
			r.mu.Unlock()
			return r.reader(), hsa.StatusSuccess
		},
	}

	ext := &hsa.AmdExtTable{
		MemoryPoolAllocate: func(_ hsa.MemoryPool, size uint64, _ uint32) (uintptr, hsa.Status) {
			if st, failed := r.enter("MemoryPoolAllocate"); failed {
				return 0, st
			}
			if size == 0 {
				return 0, hsa.StatusErrorInvalidAllocation
			}
			return r.pointer(), hsa.StatusSuccess
		},
		QueueInterceptCreate: func(agent hsa.Agent, size uint32, typ hsa.QueueType, _ hsa.QueueCallback, _, _ uint32) (*hsa.Queue, hsa.Status) {
			if st, failed := r.enter("QueueInterceptCreate"); failed {
				return nil, st
			}
			return r.newQueue(agent, size, typ), hsa.StatusSuccess
		},
		QueueInterceptRegister: func(queue *hsa.Queue, interceptor hsa.PacketInterceptor) hsa.Status {
			if st, failed := r.enter("QueueInterceptRegister"); failed {
				return st
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			r.Interceptors[queue.ID] = interceptor
			return hsa.StatusSuccess
		},
		ProfilingSetProfilerEnabled: func(queue *hsa.Queue, enable bool) hsa.Status {
			if st, failed := r.enter("ProfilingSetProfilerEnabled"); failed {
				return st
			}
			r.mu.Lock()
			defer r.mu.Unlock()
			r.Profiling[queue.ID] = enable
			return hsa.StatusSuccess
		},
	}

	return &hsa.ApiTable{Core: core, AmdExt: ext}
}

func (r *Runtime) agent(a hsa.Agent) (FakeAgent, bool) {
	for _, fa := range r.Agents {
		if fa.Handle == a.Handle {
			return fa, true
		}
	}
	return FakeAgent{}, false
}

func (r *Runtime) region(reg hsa.Region) (FakeRegion, bool) {
	for _, fa := range r.Agents {
		for _, fr := range fa.Regions {
			if fr.Handle == reg.Handle {
				return fr, true
			}
		}
	}
	return FakeRegion{}, false
}

func (r *Runtime) newQueue(agent hsa.Agent, size uint32, typ hsa.QueueType) *hsa.Queue {
	r.mu.Lock()
	defer r.mu.Unlock()
	return &hsa.Queue{ID: r.handle(), Agent: agent, Size: size, Type: typ}
}

func (r *Runtime) pointer() uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	return uintptr(r.handle() << 12)
}

func (r *Runtime) reader() hsa.CodeObjectReader {
	r.mu.Lock()
	defer r.mu.Unlock()
	cor := hsa.CodeObjectReader{Handle: r.handle()}
	r.Readers = append(r.Readers, cor)
	return cor
}
