// Package tracedoc holds the per-kernel trace document and writes it to disk.
package tracedoc

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/multierr"
)

const indent = "    "

// Kernel is the record kept for one kernel name. Lines, Files and Hip are
// index aligned; Assembly holds one entry per instruction.
type Kernel struct {
	Assembly  []string `json:"assembly"`
	Files     []string `json:"files"`
	Hip       []string `json:"hip"`
	Lines     []uint32 `json:"lines"`
	Signature string   `json:"signature"`
}

func (k *Kernel) normalize() {
	if k.Assembly == nil {
		k.Assembly = []string{}
	}
	if k.Files == nil {
		k.Files = []string{}
	}
	if k.Hip == nil {
		k.Hip = []string{}
	}
	if k.Lines == nil {
		k.Lines = []uint32{}
	}
}

type document struct {
	Kernels map[string]Kernel `json:"kernels"`
}

// Document is the whole trace. Every method is safe for concurrent use.
type Document struct {
	mu      sync.Mutex
	kernels map[string]Kernel
}

func New() *Document {
	return &Document{kernels: make(map[string]Kernel)}
}

// Merge stores k under name, replacing any earlier record for name.
func (d *Document) Merge(name string, k Kernel) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.merge(name, k)
}

func (d *Document) merge(name string, k Kernel) {
	k.normalize()
	d.kernels[name] = k
}

// Persist rewrites the whole document at path.
func (d *Document) Persist(path string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.persist(path)
}

// Update merges k and rewrites the document while holding the lock, so
// concurrent updates never interleave their writes.
func (d *Document) Update(path, name string, k Kernel) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.merge(name, k)
	if path == "" {
		return nil
	}
	return d.persist(path)
}

// persist replaces a regular file atomically and keeps its permissions.
// Symlinks and special files are written through in place so the link or
// device itself survives.
func (d *Document) persist(path string) error {
	data, err := d.marshal()
	if err != nil {
		return err
	}

	mode := os.FileMode(0o644)
	fi, err := os.Lstat(path)
	switch {
	case err == nil && !fi.Mode().IsRegular():
		return writeInPlace(path, data)
	case err == nil:
		mode = fi.Mode().Perm()
	case !errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("stat %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func writeInPlace(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	_, err = f.Write(data)
	return multierr.Append(err, f.Close())
}

func (d *Document) marshal() ([]byte, error) {
	data, err := json.MarshalIndent(document{Kernels: d.kernels}, "", indent)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func (d *Document) MarshalJSON() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return json.Marshal(document{Kernels: d.kernels})
}

// Kernel returns a copy of the record stored under name.
func (d *Document) Kernel(name string) (Kernel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	k, ok := d.kernels[name]
	return k, ok
}

func (d *Document) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.kernels)
}

// Load reads a document written by Persist.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	d := New()
	for name, k := range doc.Kernels {
		d.merge(name, k)
	}
	return d, nil
}

// Names lists the kernels in the document in sorted order.
func (d *Document) Names() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	names := make([]string, 0, len(d.kernels))
	for name := range d.kernels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
