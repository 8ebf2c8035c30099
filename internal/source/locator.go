// Package source finds the source files named by debug information and reads
// individual lines out of them.
package source

import (
	"bufio"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/ALEYI17/InfraSight_nexus/pkg/logutil"
	"github.com/bmatcuk/doublestar/v4"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/spf13/afero"
	"go.uber.org/zap"
)

var (
	ErrNotFound       = errors.New("source file not found")
	ErrLineOutOfRange = errors.New("line out of range")
)

// RecursiveMarker, appended to a search root, makes the root searched at any
// depth.
const RecursiveMarker = "*"

const (
	defaultCacheSize = 1024
	maxLineSize      = 1 << 20
)

type Root struct {
	Path      string
	Recursive bool
}

// ParseRoots splits a colon-delimited root list. Empty entries are skipped.
func ParseRoots(list string) []Root {
	var roots []Root
	for _, entry := range strings.Split(list, ":") {
		if entry == "" {
			continue
		}
		r := Root{Path: entry}
		if strings.HasSuffix(entry, RecursiveMarker) {
			r.Path = strings.TrimSuffix(entry, RecursiveMarker)
			r.Recursive = true
		}
		if r.Path == "" {
			r.Path = "/"
		}
		roots = append(roots, r)
	}
	return roots
}

type Locator struct {
	fs    afero.Fs
	roots []Root
	cache *lru.Cache[string, string]
}

func NewLocator(fsys afero.Fs, roots []Root) (*Locator, error) {
	cache, err := lru.New[string, string](defaultCacheSize)
	if err != nil {
		return nil, err
	}
	return &Locator{fs: fsys, roots: roots, cache: cache}, nil
}

func (l *Locator) Roots() []Root {
	return l.roots
}

// Locate resolves name to a readable path: the name as given, then every root
// in order. Non-recursive roots try direct concatenation before a stem match
// among their immediate entries; recursive roots match the file name or its
// stem at any depth.
func (l *Locator) Locate(name string) (string, error) {
	if name == "" {
		return "", ErrNotFound
	}
	if p, ok := l.cache.Get(name); ok {
		return p, nil
	}

	if l.readable(name) {
		l.cache.Add(name, name)
		return name, nil
	}

	base := filepath.Base(name)
	for _, root := range l.roots {
		var (
			p  string
			ok bool
		)
		if root.Recursive {
			p, ok = l.searchRecursive(root.Path, base)
		} else {
			p, ok = l.searchFlat(root.Path, name, base)
		}
		if ok {
			logutil.GetLogger().Debug("Located source file",
				zap.String("name", name),
				zap.String("path", p),
				zap.String("root", root.Path))
			l.cache.Add(name, p)
			return p, nil
		}
	}
	return "", fmt.Errorf("%s: %w", name, ErrNotFound)
}

func (l *Locator) searchFlat(root, name, base string) (string, bool) {
	for _, candidate := range []string{filepath.Join(root, name), filepath.Join(root, base)} {
		if l.readable(candidate) {
			return candidate, true
		}
	}

	entries, err := afero.ReadDir(l.fs, root)
	if err != nil {
		return "", false
	}
	want := stem(base)
	for _, e := range entries {
		if e.IsDir() || stem(e.Name()) != want {
			continue
		}
		candidate := filepath.Join(root, e.Name())
		if l.readable(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (l *Locator) searchRecursive(root, base string) (string, bool) {
	fsys := afero.NewIOFS(afero.NewBasePathFs(l.fs, root))

	if matches, err := doublestar.Glob(fsys, "**/"+escapeMeta(base)); err == nil {
		for _, m := range matches {
			if candidate := filepath.Join(root, filepath.FromSlash(m)); l.readable(candidate) {
				return candidate, true
			}
		}
	}

	want := stem(base)
	matches, err := doublestar.Glob(fsys, "**/"+escapeMeta(want)+"*")
	if err != nil {
		return "", false
	}
	for _, m := range matches {
		if stem(filepath.Base(m)) != want {
			continue
		}
		if candidate := filepath.Join(root, filepath.FromSlash(m)); l.readable(candidate) {
			return candidate, true
		}
	}
	return "", false
}

func (l *Locator) readable(p string) bool {
	f, err := l.fs.Open(p)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	return err == nil && !info.IsDir()
}

var metaEscaper = strings.NewReplacer(
	`\`, `\\`, "*", `\*`, "?", `\?`, "[", `\[`, "]", `\]`, "{", `\{`, "}", `\}`,
)

func escapeMeta(s string) string {
	return metaEscaper.Replace(s)
}

func stem(name string) string {
	return strings.TrimSuffix(name, filepath.Ext(name))
}

// Line returns the zero-based line idx of the file at path.
func (l *Locator) Line(path string, idx int) (string, error) {
	if idx < 0 {
		return "", fmt.Errorf("%s:%d: %w", path, idx, ErrLineOutOfRange)
	}
	f, err := l.fs.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for n := 0; sc.Scan(); n++ {
		if n == idx {
			return sc.Text(), nil
		}
	}
	if err := sc.Err(); err != nil {
		return "", err
	}
	return "", fmt.Errorf("%s:%d: %w", path, idx, ErrLineOutOfRange)
}

// ReadLine is Line with failures logged and replaced by an empty string.
func (l *Locator) ReadLine(path string, idx int) string {
	line, err := l.Line(path, idx)
	if err != nil {
		logutil.GetLogger().Warn("Unable to read source line",
			zap.String("path", path),
			zap.Int("line", idx),
			zap.Error(err))
		return ""
	}
	return line
}
