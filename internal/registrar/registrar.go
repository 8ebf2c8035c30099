// Package registrar works out which file a loaded code object came from and
// registers that file with the symbol database.
package registrar

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unsafe"

	"github.com/ALEYI17/InfraSight_nexus/internal/hsa"
	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"github.com/cespare/xxhash/v2"
	"github.com/prometheus/procfs"
	"github.com/spf13/afero"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

const DefaultHashWindow = 1 << 20

var ErrEmptyCodeObject = errors.New("empty code object")

// FileAdder is the part of the symbol database the registrar feeds.
type FileAdder interface {
	AddFile(path string, agent hsa.Agent, opts string) error
}

// MapsFunc returns the memory mappings of the current process.
type MapsFunc func() ([]*procfs.ProcMap, error)

type Options struct {
	TempDir    string
	HashWindow int
	Fs         afero.Fs
	Maps       MapsFunc
	// ProcRoot is the procfs mount used to resolve file descriptors.
	ProcRoot string
}

type Registrar struct {
	db         FileAdder
	agent      hsa.Agent
	fs         afero.Fs
	maps       MapsFunc
	tempDir    string
	hashWindow int
	procRoot   string
}

func New(db FileAdder, agent hsa.Agent, opts Options) *Registrar {
	r := &Registrar{
		db:         db,
		agent:      agent,
		fs:         opts.Fs,
		maps:       opts.Maps,
		tempDir:    opts.TempDir,
		hashWindow: opts.HashWindow,
		procRoot:   opts.ProcRoot,
	}
	if r.fs == nil {
		r.fs = afero.NewOsFs()
	}
	if r.procRoot == "" {
		r.procRoot = procfs.DefaultMountPoint
	}
	if r.maps == nil {
		r.maps = selfMaps(r.procRoot)
	}
	if r.tempDir == "" {
		r.tempDir = os.TempDir()
	}
	if r.hashWindow <= 0 {
		r.hashWindow = DefaultHashWindow
	}
	return r
}

func selfMaps(root string) MapsFunc {
	return func() ([]*procfs.ProcMap, error) {
		fs, err := procfs.NewFS(root)
		if err != nil {
			return nil, err
		}
		self, err := fs.Self()
		if err != nil {
			return nil, err
		}
		return self.ProcMaps()
	}
}

// RegisterPath registers the file at path as is.
func (r *Registrar) RegisterPath(path string) error {
	logutil.GetLogger().Info("Registering code object", zap.String("path", path))
	if err := r.db.AddFile(path, r.agent, ""); err != nil {
		return fmt.Errorf("add %s: %w", path, err)
	}
	return nil
}

// RegisterFromFile resolves the path behind an open descriptor and registers it.
func (r *Registrar) RegisterFromFile(fd hsa.File) (string, error) {
	path, err := os.Readlink(filepath.Join(r.procRoot, "self", "fd", fmt.Sprint(int(fd))))
	if err != nil {
		return "", fmt.Errorf("resolve descriptor %d: %w", fd, err)
	}
	return path, r.RegisterPath(path)
}

// RegisterFromMemory registers the file mapped at the address of code. When
// the buffer has no backing file its content is written to a temporary file
// named after a hash of its leading bytes, and that file is registered.
func (r *Registrar) RegisterFromMemory(code []byte) (string, error) {
	if len(code) == 0 {
		return "", ErrEmptyCodeObject
	}
	logger := logutil.GetLogger()

	addr := uintptr(unsafe.Pointer(&code[0]))
	maps, err := r.maps()
	if err != nil {
		logger.Warn("Unable to read memory mappings", zap.Error(err))
	}
	if path, ok := BackingFile(maps, addr); ok {
		logger.Debug("Code object is file backed",
			zap.String("path", path),
			zap.Uint64("address", uint64(addr)))
		return path, r.RegisterPath(path)
	}

	path, err := r.spill(code)
	if err != nil {
		return "", err
	}
	logger.Debug("Code object spilled to temporary file",
		zap.String("path", path),
		zap.Int("size", len(code)))
	return path, r.RegisterPath(path)
}

// TempPath is the file an anonymous code object with content code is
// written to.
func (r *Registrar) TempPath(code []byte) string {
	n := len(code)
	if n > r.hashWindow {
		n = r.hashWindow
	}
	return filepath.Join(r.tempDir, fmt.Sprintf("nexus-code-object-%016x.co", xxhash.Sum64(code[:n])))
}

func (r *Registrar) spill(code []byte) (path string, err error) {
	path = r.TempPath(code)

	f, err := afero.TempFile(r.fs, r.tempDir, "nexus-code-object-*.tmp")
	if err != nil {
		return "", fmt.Errorf("create temporary code object: %w", err)
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = r.fs.Remove(tmp)
		}
	}()

	_, err = f.Write(code)
	err = multierr.Append(err, f.Close())
	if err != nil {
		return "", fmt.Errorf("write temporary code object: %w", err)
	}
	if err = r.fs.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("rename temporary code object: %w", err)
	}
	return path, nil
}

// BackingFile returns the path of the file mapped at addr. Pseudo mappings
// such as the heap or stack and mappings of deleted files have no backing
// file.
func BackingFile(maps []*procfs.ProcMap, addr uintptr) (string, bool) {
	for _, m := range maps {
		if m == nil || addr < m.StartAddr || addr >= m.EndAddr {
			continue
		}
		p := m.Pathname
		if p == "" || strings.HasPrefix(p, "[") || strings.HasSuffix(p, " (deleted)") {
			return "", false
		}
		return p, true
	}
	return "", false
}
