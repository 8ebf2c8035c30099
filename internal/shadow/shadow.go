// Package shadow keeps a private copy of the runtime dispatch tables and
// swaps the intercepted entries of the live tables for hooks.
package shadow

import (
	"errors"

	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"go.uber.org/zap"
)

var (
	ErrNilTable       = errors.New("runtime api table is nil")
	ErrMissingSection = errors.New("runtime api table is missing a section")
)

// Hooked lists the live table entries replaced by Install.
var Hooked = []string{
	"QueueCreate",
	"QueueDestroy",
	"MemoryPoolAllocate",
	"MemoryAllocate",
	"ExecutableGetSymbolByName",
	"CodeObjectReaderCreateFromFile",
	"CodeObjectReaderCreateFromMemory",
	"ExecutableSymbolGetInfo",
}

// Shadow owns the snapshot of the tables captured at attach. The snapshot is
// never written after Capture returns, so the call-through path needs no lock.
type Shadow struct {
	snapshot hsa.ApiTable
	original *hsa.Direct
}

// Capture copies every entry of live into a snapshot owned by the Shadow. It
// must run before Install.
func Capture(live *hsa.ApiTable) (*Shadow, error) {
	if live == nil {
		return nil, ErrNilTable
	}
	if live.Core == nil || live.AmdExt == nil {
		return nil, ErrMissingSection
	}

	core := *live.Core
	ext := *live.AmdExt
	snap := hsa.ApiTable{Core: &core, AmdExt: &ext}

	logutil.GetLogger().Debug("Saved runtime api tables")
	return &Shadow{snapshot: snap, original: hsa.NewDirect(snap)}, nil
}

// Install overwrites the intercepted entries of live with hooks. Every other
// entry is left alone so it keeps calling the runtime directly.
func (s *Shadow) Install(live *hsa.ApiTable, hooks hsa.Runtime) error {
	if live == nil {
		return ErrNilTable
	}
	if live.Core == nil || live.AmdExt == nil {
		return ErrMissingSection
	}

	live.Core.QueueCreate = hooks.QueueCreate
	live.Core.QueueDestroy = hooks.QueueDestroy
	live.AmdExt.MemoryPoolAllocate = hooks.MemoryPoolAllocate
	live.Core.MemoryAllocate = hooks.MemoryAllocate
	live.Core.ExecutableGetSymbolByName = hooks.ExecutableGetSymbolByName
	live.Core.CodeObjectReaderCreateFromFile = hooks.CodeObjectReaderCreateFromFile
	live.Core.CodeObjectReaderCreateFromMemory = hooks.CodeObjectReaderCreateFromMemory
	live.Core.ExecutableSymbolGetInfo = hooks.ExecutableSymbolGetInfo

	logutil.GetLogger().Debug("Hooked runtime api", zap.Strings("entries", Hooked))
	return nil
}

// Original is the call-through path: it invokes the entries saved by Capture.
func (s *Shadow) Original() *hsa.Direct {
	return s.original
}

// Restore writes the snapshot back into live.
func (s *Shadow) Restore(live *hsa.ApiTable) error {
	if live == nil {
		return ErrNilTable
	}
	if live.Core == nil || live.AmdExt == nil {
		return ErrMissingSection
	}
	*live.Core = *s.snapshot.Core
	*live.AmdExt = *s.snapshot.AmdExt
	return nil
}
