package hsa

import (
	"bytes"
	"encoding/binary"
	"errors"
)

// PacketSize is the size of every AQL packet slot.
const PacketSize = 64

// Packet is a raw AQL packet as written to a queue.
type Packet [PacketSize]byte

type PacketType uint8

const (
	PacketTypeVendorSpecific PacketType = 0
	PacketTypeInvalid        PacketType = 1
	PacketTypeKernelDispatch PacketType = 2
	PacketTypeBarrierAnd     PacketType = 3
	PacketTypeAgentDispatch  PacketType = 4
	PacketTypeBarrierOr      PacketType = 5
)

func (t PacketType) String() string {
	switch t {
	case PacketTypeVendorSpecific:
		return "HSA_PACKET_TYPE_VENDOR_SPECIFIC"
	case PacketTypeInvalid:
		return "HSA_PACKET_TYPE_INVALID"
	case PacketTypeKernelDispatch:
		return "HSA_PACKET_TYPE_KERNEL_DISPATCH"
	case PacketTypeBarrierAnd:
		return "HSA_PACKET_TYPE_BARRIER_AND"
	case PacketTypeAgentDispatch:
		return "HSA_PACKET_TYPE_AGENT_DISPATCH"
	case PacketTypeBarrierOr:
		return "HSA_PACKET_TYPE_BARRIER_OR"
	default:
		return "Unsupported packet type"
	}
}

type FenceScope uint8

const (
	FenceScopeNone   FenceScope = 0
	FenceScopeAgent  FenceScope = 1
	FenceScopeSystem FenceScope = 2
)

func (s FenceScope) String() string {
	switch {
	case s == FenceScopeNone:
		return "HSA_FENCE_SCOPE_NONE"
	case s&FenceScopeAgent != 0:
		return "HSA_FENCE_SCOPE_AGENT"
	case s&FenceScopeSystem != 0:
		return "HSA_FENCE_SCOPE_SYSTEM"
	default:
		return "Unknown Scope"
	}
}

// header bit layout
const (
	headerTypeShift         = 0
	headerTypeWidth         = 8
	headerBarrierShift      = 8
	headerAcquireScopeShift = 9
	headerReleaseScopeShift = 11
	headerScopeWidth        = 2
)

var ErrNotDispatch = errors.New("packet is not a kernel dispatch")

// Header returns the 16-bit packet header.
func (p *Packet) Header() uint16 {
	return binary.LittleEndian.Uint16(p[0:2])
}

func (p *Packet) Type() PacketType {
	return PacketType((p.Header() >> headerTypeShift) & (1<<headerTypeWidth - 1))
}

func (p *Packet) Barrier() bool {
	return (p.Header()>>headerBarrierShift)&1 == 1
}

func (p *Packet) AcquireScope() FenceScope {
	return FenceScope((p.Header() >> headerAcquireScopeShift) & (1<<headerScopeWidth - 1))
}

func (p *Packet) ReleaseScope() FenceScope {
	return FenceScope((p.Header() >> headerReleaseScopeShift) & (1<<headerScopeWidth - 1))
}

// KernelDispatchPacket is the decoded hsa_kernel_dispatch_packet_t layout.
type KernelDispatchPacket struct {
	Header             uint16
	Setup              uint16
	WorkgroupSizeX     uint16
	WorkgroupSizeY     uint16
	WorkgroupSizeZ     uint16
	Reserved0          uint16
	GridSizeX          uint32
	GridSizeY          uint32
	GridSizeZ          uint32
	PrivateSegmentSize uint32
	GroupSegmentSize   uint32
	KernelObject       uint64
	KernargAddress     uint64
	Reserved2          uint64
	CompletionSignal   uint64
}

// DecodeDispatch decodes p as a kernel dispatch packet.
func DecodeDispatch(p *Packet) (KernelDispatchPacket, error) {
	var d KernelDispatchPacket
	if p.Type() != PacketTypeKernelDispatch {
		return d, ErrNotDispatch
	}
	if err := binary.Read(bytes.NewReader(p[:]), binary.LittleEndian, &d); err != nil {
		return d, err
	}
	return d, nil
}

// Encode writes d into a packet slot. Mostly useful to build packets in tests
// and replay tools.
func (d KernelDispatchPacket) Encode() Packet {
	var buf bytes.Buffer
	buf.Grow(PacketSize)
	// bytes.Buffer writes cannot fail
	_ = binary.Write(&buf, binary.LittleEndian, d)
	var p Packet
	copy(p[:], buf.Bytes())
	return p
}

// WorkItems is the total number of work-items launched by the dispatch.
func (d KernelDispatchPacket) WorkItems() uint64 {
	return uint64(d.GridSizeX) * uint64(max(d.GridSizeY, 1)) * uint64(max(d.GridSizeZ, 1))
}

// WorkgroupSize is the number of work-items per workgroup.
func (d KernelDispatchPacket) WorkgroupSize() uint64 {
	return uint64(d.WorkgroupSizeX) * uint64(max(d.WorkgroupSizeY, 1)) * uint64(max(d.WorkgroupSizeZ, 1))
}

// MakeHeader builds a packet header with the given type and fence scopes.
func MakeHeader(t PacketType, barrier bool, acquire, release FenceScope) uint16 {
	h := uint16(t) << headerTypeShift
	if barrier {
		h |= 1 << headerBarrierShift
	}
	h |= uint16(acquire) << headerAcquireScopeShift
	h |= uint16(release) << headerReleaseScopeShift
	return h
}
