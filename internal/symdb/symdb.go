// Package symdb defines the symbol database the tracer reads kernel lines and
// instructions from.
package symdb

import (
	"errors"
	"sort"
	"sync"

	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
)

var ErrUnknownKernel = errors.New("unknown kernel")

type Instruction struct {
	Address     uint64
	Disassembly string
	// FileName is the source file the instruction was generated from.
	FileName string
	Line     uint32
}

type BasicBlock struct {
	Instructions []Instruction
}

// Database maps kernels of registered code objects to source lines and
// instructions. Implementations must be safe for concurrent use.
type Database interface {
	Kernels() []string
	KernelLines(kernel string) ([]uint32, error)
	InstructionsForLine(kernel string, line uint32) ([]Instruction, error)
	BasicBlocks(kernel string) ([]BasicBlock, error)
	AddFile(path string, agent hsa.Agent, opts string) error
}

// Memory is a Database filled directly by its owner.
type Memory struct {
	mu      sync.RWMutex
	kernels map[string]*memoryKernel
	files   []string
}

type memoryKernel struct {
	lines  []uint32
	byLine map[uint32][]Instruction
	blocks []BasicBlock
}

var _ Database = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{kernels: make(map[string]*memoryKernel)}
}

// AddKernel adds a kernel whose line list is the line of every instruction,
// in order, repeats included.
func (m *Memory) AddKernel(name string, instructions ...Instruction) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := &memoryKernel{byLine: make(map[uint32][]Instruction)}
	for _, inst := range instructions {
		k.lines = append(k.lines, inst.Line)
		k.byLine[inst.Line] = append(k.byLine[inst.Line], inst)
	}
	m.kernels[name] = k
}

// SetLines overrides the line list reported for a kernel.
func (m *Memory) SetLines(name string, lines []uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kernel(name).lines = append([]uint32(nil), lines...)
}

func (m *Memory) SetBasicBlocks(name string, blocks ...BasicBlock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.kernel(name).blocks = blocks
}

func (m *Memory) kernel(name string) *memoryKernel {
	k, ok := m.kernels[name]
	if !ok {
		k = &memoryKernel{byLine: make(map[uint32][]Instruction)}
		m.kernels[name] = k
	}
	return k
}

func (m *Memory) Kernels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.kernels))
	for name := range m.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (m *Memory) KernelLines(kernel string) ([]uint32, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kernels[kernel]
	if !ok {
		return nil, ErrUnknownKernel
	}
	return append([]uint32(nil), k.lines...), nil
}

func (m *Memory) InstructionsForLine(kernel string, line uint32) ([]Instruction, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kernels[kernel]
	if !ok {
		return nil, ErrUnknownKernel
	}
	return append([]Instruction(nil), k.byLine[line]...), nil
}

func (m *Memory) BasicBlocks(kernel string) ([]BasicBlock, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	k, ok := m.kernels[kernel]
	if !ok {
		return nil, ErrUnknownKernel
	}
	return k.blocks, nil
}

// AddFile records path. Memory holds no file parser.
func (m *Memory) AddFile(path string, _ hsa.Agent, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.files = append(m.files, path)
	return nil
}

func (m *Memory) Files() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.files...)
}
