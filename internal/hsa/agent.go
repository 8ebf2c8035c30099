package hsa

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// AgentNameSize is the size of the buffer filled by AgentInfoName.
const AgentNameSize = 64

// MemoryRegion describes one region reachable from an agent.
type MemoryRegion struct {
	Region        Region
	Segment       RegionSegment
	FineGrained   bool
	CoarseGrained bool
	Kernarg       bool
}

// AgentDescriptor is the immutable view of an agent taken at attach.
type AgentDescriptor struct {
	Agent   Agent
	Name    string
	Type    DeviceType
	Regions []MemoryRegion
}

func (a AgentDescriptor) IsGPU() bool {
	return a.Type == DeviceTypeGPU
}

// DiscoverAgents queries every agent, its name, device type and memory regions.
// The value passed for AgentInfoName is a *[AgentNameSize]byte, for
// AgentInfoDevice a *DeviceType, for RegionInfoSegment a *RegionSegment and for
// RegionInfoGlobalFlags a *uint32.
func DiscoverAgents(d *Direct) ([]AgentDescriptor, error) {
	agents, status := d.Agents()
	if !status.OK() {
		return nil, fmt.Errorf("iterate agents: %w", status.Err())
	}

	core := d.Core()
	out := make([]AgentDescriptor, 0, len(agents))
	for _, agent := range agents {
		desc := AgentDescriptor{Agent: agent}

		if core.AgentGetInfo != nil {
			var name [AgentNameSize]byte
			if st := core.AgentGetInfo(agent, AgentInfoName, &name); !st.OK() {
				return nil, fmt.Errorf("agent 0x%x name: %w", agent.Handle, st.Err())
			}
			desc.Name = unix.ByteSliceToString(name[:])

			if st := core.AgentGetInfo(agent, AgentInfoDevice, &desc.Type); !st.OK() {
				return nil, fmt.Errorf("agent 0x%x device type: %w", agent.Handle, st.Err())
			}
		}

		regions, st := d.Regions(agent)
		if st.OK() {
			for _, r := range regions {
				desc.Regions = append(desc.Regions, describeRegion(core, r))
			}
		}
		out = append(out, desc)
	}
	return out, nil
}

func describeRegion(core CoreTable, r Region) MemoryRegion {
	mr := MemoryRegion{Region: r}
	if core.RegionGetInfo == nil {
		return mr
	}
	if st := core.RegionGetInfo(r, RegionInfoSegment, &mr.Segment); !st.OK() {
		return mr
	}
	if mr.Segment != RegionSegmentGlobal {
		return mr
	}
	var flags uint32
	if st := core.RegionGetInfo(r, RegionInfoGlobalFlags, &flags); st.OK() {
		mr.FineGrained = flags&RegionGlobalFlagFineGrained != 0
		mr.CoarseGrained = flags&RegionGlobalFlagCoarseGrained != 0
		mr.Kernarg = flags&RegionGlobalFlagKernarg != 0
	}
	return mr
}

// FirstGPU returns the first accelerator agent in agents.
func FirstGPU(agents []AgentDescriptor) (AgentDescriptor, bool) {
	for _, a := range agents {
		if a.IsGPU() {
			return a, true
		}
	}
	return AgentDescriptor{}, false
}
