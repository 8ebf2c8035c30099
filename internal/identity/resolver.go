// Package identity maps the kernel object carried by a dispatch packet back to
// a readable kernel name.
package identity

import (
	"errors"
	"strings"
	"sync"

	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ianlancetaylor/demangle"
)

// Sentinel names returned by Resolve when a lookup misses. They are never
// valid kernel names.
const (
	ObjectNotFound = "Object not found."
	SymbolNotFound = "Symbol not found."
)

var (
	ErrObjectNotFound = errors.New("kernel object not found")
	ErrSymbolNotFound = errors.New("executable symbol not found")
)

const cloneSuffix = " [clone"

type Resolver struct {
	mu          sync.RWMutex
	names       map[hsa.ExecutableSymbol]string
	symbols     map[uint64]hsa.ExecutableSymbol
	executables map[string]hsa.Executable
}

func NewResolver() *Resolver {
	return &Resolver{
		names:       make(map[hsa.ExecutableSymbol]string),
		symbols:     make(map[uint64]hsa.ExecutableSymbol),
		executables: make(map[string]hsa.Executable),
	}
}

// RecordSymbol stores the raw name the runtime resolved sym from, and the
// executable it came from.
func (r *Resolver) RecordSymbol(sym hsa.ExecutableSymbol, raw string, exe hsa.Executable) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.names[sym] = raw
	r.executables[raw] = exe
}

// RecordKernelObject links a kernel object value to the symbol it was
// queried from.
func (r *Resolver) RecordKernelObject(sym hsa.ExecutableSymbol, kernelObject uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.symbols[kernelObject] = sym
}

// Resolve returns the demangled kernel name for kernelObject. On a miss the
// matching sentinel name is returned together with the error.
func (r *Resolver) Resolve(kernelObject uint64) (string, error) {
	r.mu.RLock()
	sym, ok := r.symbols[kernelObject]
	if !ok {
		r.mu.RUnlock()
		return ObjectNotFound, ErrObjectNotFound
	}
	raw, ok := r.names[sym]
	r.mu.RUnlock()
	if !ok {
		return SymbolNotFound, ErrSymbolNotFound
	}
	return Demangle(raw), nil
}

// Executable reports which executable a raw symbol name was last resolved in.
func (r *Resolver) Executable(raw string) (hsa.Executable, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	exe, ok := r.executables[raw]
	return exe, ok
}

func (r *Resolver) Len() (symbols, kernelObjects int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.names), len(r.symbols)
}

// Demangle demangles raw and drops any compiler clone suffix. Names that do
// not demangle are returned as they are.
func Demangle(raw string) string {
	name, err := demangle.ToString(raw)
	if err != nil {
		name = raw
	}
	if i := strings.Index(name, cloneSuffix); i >= 0 {
		name = name[:i]
	}
	return name
}

// IsSentinel reports whether name is one of the lookup-miss sentinels.
func IsSentinel(name string) bool {
	return name == ObjectNotFound || name == SymbolNotFound
}
