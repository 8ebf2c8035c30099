package hsa

// Opaque runtime handles. The runtime owns what they point to.
type (
	Agent            struct{ Handle uint64 }
	Region           struct{ Handle uint64 }
	MemoryPool       struct{ Handle uint64 }
	Executable       struct{ Handle uint64 }
	ExecutableSymbol struct{ Handle uint64 }
	CodeObjectReader struct{ Handle uint64 }
	Signal           struct{ Handle uint64 }
)

// File is an OS file descriptor handed to the runtime (hsa_file_t).
type File int

type DeviceType uint32

const (
	DeviceTypeCPU DeviceType = 0
	DeviceTypeGPU DeviceType = 1
	DeviceTypeDSP DeviceType = 2
)

func (d DeviceType) String() string {
	switch d {
	case DeviceTypeCPU:
		return "CPU"
	case DeviceTypeGPU:
		return "GPU"
	case DeviceTypeDSP:
		return "DSP"
	default:
		return "UNKNOWN"
	}
}

// AgentInfo selects the attribute queried by AgentGetInfo.
type AgentInfo uint32

const (
	AgentInfoName   AgentInfo = 0
	AgentInfoDevice AgentInfo = 17
)

// RegionInfo selects the attribute queried by RegionGetInfo.
type RegionInfo uint32

const (
	RegionInfoSegment     RegionInfo = 0
	RegionInfoGlobalFlags RegionInfo = 1
	RegionInfoSize        RegionInfo = 2
)

type RegionSegment uint32

const (
	RegionSegmentGlobal   RegionSegment = 0
	RegionSegmentReadOnly RegionSegment = 1
	RegionSegmentPrivate  RegionSegment = 2
	RegionSegmentGroup    RegionSegment = 3
	RegionSegmentKernarg  RegionSegment = 4
)

const (
	RegionGlobalFlagKernarg       uint32 = 1
	RegionGlobalFlagFineGrained   uint32 = 2
	RegionGlobalFlagCoarseGrained uint32 = 4
)

// SymbolInfo selects the attribute queried by ExecutableSymbolGetInfo.
type SymbolInfo uint32

const (
	SymbolInfoType         SymbolInfo = 0
	SymbolInfoNameLength   SymbolInfo = 1
	SymbolInfoName         SymbolInfo = 2
	SymbolInfoKernelObject SymbolInfo = 22
)

type QueueType uint32

const (
	QueueTypeMulti  QueueType = 0
	QueueTypeSingle QueueType = 1
)

// Queue is a user-mode queue created through the runtime.
type Queue struct {
	ID    uint64
	Agent Agent
	Size  uint32
	Type  QueueType
}

// QueueCallback is invoked by the runtime when an asynchronous queue error occurs.
type QueueCallback func(status Status, source *Queue)

// PacketWriter forwards packets to the hardware queue. It is handed to packet
// interceptors by the runtime.
type PacketWriter func(packets []Packet)

// PacketInterceptor observes packets submitted to an intercept queue. It owns
// the decision of when (and whether) to call writer.
type PacketInterceptor func(packets []Packet, userQueueIndex uint64, writer PacketWriter)
