package source

import (
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, fsys afero.Fs, path, content string) {
	t.Helper()
	require.NoError(t, fsys.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, afero.WriteFile(fsys, path, []byte(content), 0o644))
}

func TestParseRoots(t *testing.T) {
	roots := ParseRoots("/src::/opt/app*:rel")
	assert.Equal(t, []Root{
		{Path: "/src"},
		{Path: "/opt/app", Recursive: true},
		{Path: "rel"},
	}, roots)
	assert.Empty(t, ParseRoots(""))
}

func TestLocate(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/abs/literal.hip", "x")
	writeFile(t, fsys, "/src/vectoradd.hip", "x")
	writeFile(t, fsys, "/flat/kernel.cu", "x")
	writeFile(t, fsys, "/proj/a/b/gemm.cpp", "x")
	writeFile(t, fsys, "/proj/c/exact.hip", "x")
	require.NoError(t, fsys.MkdirAll("/flat/reduce.hip", 0o755))

	l, err := NewLocator(fsys, ParseRoots("/src:/flat:/proj*"))
	require.NoError(t, err)

	tests := []struct {
		name string
		in   string
		want string
	}{
		{"literal", "/abs/literal.hip", "/abs/literal.hip"},
		{"direct concatenation", "vectoradd.hip", "/src/vectoradd.hip"},
		{"concatenation of base name", "/build/tmp/vectoradd.hip", "/src/vectoradd.hip"},
		{"flat stem match", "kernel.hip", "/flat/kernel.cu"},
		{"recursive exact", "exact.hip", "/proj/c/exact.hip"},
		{"recursive stem match", "/build/gemm.hip", "/proj/a/b/gemm.cpp"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := l.Locate(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLocateNotFound(t *testing.T) {
	fsys := afero.NewMemMapFs()
	require.NoError(t, fsys.MkdirAll("/flat/reduce.hip", 0o755))

	l, err := NewLocator(fsys, ParseRoots("/flat:/missing*"))
	require.NoError(t, err)

	_, err = l.Locate("reduce.hip")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = l.Locate("")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLocateHonorsRootOrder(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/first/k.hip", "1")
	writeFile(t, fsys, "/second/k.hip", "2")

	l, err := NewLocator(fsys, ParseRoots("/first:/second"))
	require.NoError(t, err)

	got, err := l.Locate("k.hip")
	require.NoError(t, err)
	assert.Equal(t, "/first/k.hip", got)

	// A cached result survives the file being removed from the first root.
	require.NoError(t, fsys.Remove("/first/k.hip"))
	got, err = l.Locate("k.hip")
	require.NoError(t, err)
	assert.Equal(t, "/first/k.hip", got)
}

func TestReadLine(t *testing.T) {
	fsys := afero.NewMemMapFs()
	writeFile(t, fsys, "/src/k.hip", "#include <hip>\n\tc[i] = a[i] + b[i];\nreturn;")

	l, err := NewLocator(fsys, nil)
	require.NoError(t, err)

	assert.Equal(t, "#include <hip>", l.ReadLine("/src/k.hip", 0))
	assert.Equal(t, "\tc[i] = a[i] + b[i];", l.ReadLine("/src/k.hip", 1))
	assert.Equal(t, "return;", l.ReadLine("/src/k.hip", 2))
	assert.Empty(t, l.ReadLine("/src/k.hip", 3))
	assert.Empty(t, l.ReadLine("/src/k.hip", -1))
	assert.Empty(t, l.ReadLine("/src/missing.hip", 0))

	_, err = l.Line("/src/k.hip", 10)
	assert.ErrorIs(t, err, ErrLineOutOfRange)
}
