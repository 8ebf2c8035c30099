// Package elfdb is a symbol database built from AMDGPU code objects and their
// DWARF line tables.
package elfdb

import (
	"bytes"
	"debug/dwarf"
	"debug/elf"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ALEYI17/InfraSight_nexus/internal/identity"
	"github.com/ALEYI17/InfraSight_nexus/internal/symdb"
	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"go.uber.org/zap"
)

const descriptorSuffix = ".kd"

type kernel struct {
	name   string
	path   string
	lines  []uint32
	byLine map[uint32][]symdb.Instruction
	blocks []symdb.BasicBlock
}

// DB holds the kernels of every code object added to it. A kernel name seen
// again replaces the earlier definition.
type DB struct {
	target string

	mu      sync.RWMutex
	kernels map[string]*kernel
	files   map[string]int
}

var _ symdb.Database = (*DB)(nil)

// New returns an empty database. target, when set, selects which offload
// bundle entries are loaded (for example "gfx90a").
func New(target string) *DB {
	return &DB{
		target:  target,
		kernels: make(map[string]*kernel),
		files:   make(map[string]int),
	}
}

// AddFile loads every kernel of the code objects found at path. A non-empty
// opts overrides the database target for this file.
func (db *DB) AddFile(path string, agent hsa.Agent, opts string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	target := db.target
	if opts != "" {
		target = opts
	}
	objs, err := Extract(data, target)
	if err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}

	var loaded []*kernel
	for i, obj := range objs {
		ks, err := loadCodeObject(path, obj)
		if err != nil {
			logutil.GetLogger().Warn("Skipping code object",
				zap.String("path", path),
				zap.Int("index", i),
				zap.Error(err))
			continue
		}
		loaded = append(loaded, ks...)
	}

	db.mu.Lock()
	defer db.mu.Unlock()
	for _, k := range loaded {
		db.kernels[k.name] = k
	}
	db.files[path] += len(loaded)

	logutil.GetLogger().Debug("Loaded code object file",
		zap.String("path", path),
		zap.Uint64("agent", agent.Handle),
		zap.Int("code_objects", len(objs)),
		zap.Int("kernels", len(loaded)))
	return nil
}

func (db *DB) Kernels() []string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	names := make([]string, 0, len(db.kernels))
	for name := range db.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (db *DB) kernel(name string) (*kernel, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	k, ok := db.kernels[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, symdb.ErrUnknownKernel)
	}
	return k, nil
}

func (db *DB) KernelLines(name string) ([]uint32, error) {
	k, err := db.kernel(name)
	if err != nil {
		return nil, err
	}
	return append([]uint32(nil), k.lines...), nil
}

func (db *DB) InstructionsForLine(name string, line uint32) ([]symdb.Instruction, error) {
	k, err := db.kernel(name)
	if err != nil {
		return nil, err
	}
	return append([]symdb.Instruction(nil), k.byLine[line]...), nil
}

func (db *DB) BasicBlocks(name string) ([]symdb.BasicBlock, error) {
	k, err := db.kernel(name)
	if err != nil {
		return nil, err
	}
	return k.blocks, nil
}

// Path returns the file a kernel was loaded from.
func (db *DB) Path(name string) (string, bool) {
	k, err := db.kernel(name)
	if err != nil {
		return "", false
	}
	return k.path, true
}

type kernelRange struct {
	name  string
	start uint64
	end   uint64
}

func loadCodeObject(path string, obj []byte) ([]*kernel, error) {
	f, err := elf.NewFile(bytes.NewReader(obj))
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if f.Machine != elf.EM_AMDGPU {
		return nil, fmt.Errorf("machine %s: %w", f.Machine, ErrUnsupported)
	}

	ranges, err := kernelRanges(f)
	if err != nil {
		return nil, err
	}

	var rows []lineRow
	if d, err := f.DWARF(); err == nil {
		rows, err = lineRows(d)
		if err != nil {
			logutil.GetLogger().Warn("Unable to read line table", zap.String("path", path), zap.Error(err))
		}
	}

	out := make([]*kernel, 0, len(ranges))
	for _, kr := range ranges {
		text, base, ok := textFor(f, kr.start)
		if !ok {
			continue
		}
		k := buildKernel(kr, text, base, rows)
		k.path = path
		out = append(out, k)
	}
	return out, nil
}

// kernelRanges lists the function symbols that have a kernel descriptor.
func kernelRanges(f *elf.File) ([]kernelRange, error) {
	syms, err := f.Symbols()
	if err != nil {
		if errors.Is(err, elf.ErrNoSymbols) {
			return nil, nil
		}
		return nil, err
	}

	descriptors := make(map[string]bool)
	for _, s := range syms {
		if strings.HasSuffix(s.Name, descriptorSuffix) {
			descriptors[strings.TrimSuffix(s.Name, descriptorSuffix)] = true
		}
	}

	var out []kernelRange
	for _, s := range syms {
		if elf.ST_TYPE(s.Info) != elf.STT_FUNC || !descriptors[s.Name] {
			continue
		}
		// Keyed by the descriptor name, which is what the runtime looks up.
		// Mangled names demangle the same with or without the suffix.
		out = append(out, kernelRange{
			name:  identity.Demangle(s.Name + descriptorSuffix),
			start: s.Value,
			end:   s.Value + s.Size,
		})
	}
	return out, nil
}

func textFor(f *elf.File, addr uint64) ([]byte, uint64, bool) {
	for _, sec := range f.Sections {
		if sec.Flags&elf.SHF_EXECINSTR == 0 || addr < sec.Addr || addr >= sec.Addr+sec.Size {
			continue
		}
		data, err := sec.Data()
		if err != nil {
			return nil, 0, false
		}
		return data, sec.Addr, true
	}
	return nil, 0, false
}

type lineRow struct {
	address  uint64
	file     string
	line     uint32
	sequence int
	end      bool
}

func lineRows(d *dwarf.Data) ([]lineRow, error) {
	var rows []lineRow
	sequence := 0
	r := d.Reader()
	for {
		entry, err := r.Next()
		if err != nil {
			return rows, err
		}
		if entry == nil {
			break
		}
		if entry.Tag != dwarf.TagCompileUnit {
			r.SkipChildren()
			continue
		}
		lr, err := d.LineReader(entry)
		if err != nil {
			return rows, err
		}
		r.SkipChildren()
		if lr == nil {
			continue
		}

		var le dwarf.LineEntry
		for {
			if err := lr.Next(&le); err != nil {
				if err == io.EOF {
					break
				}
				return rows, err
			}
			row := lineRow{address: le.Address, line: uint32(le.Line), sequence: sequence, end: le.EndSequence}
			if le.File != nil {
				row.file = le.File.Name
			}
			rows = append(rows, row)
			if le.EndSequence {
				sequence++
			}
		}
	}
	return rows, nil
}
