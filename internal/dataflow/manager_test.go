package dataflow

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uke16/Helix-sub001/internal/phase"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(root, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern, name string
		want          bool
	}{
		{"*.md", "ADR-001.md", true},
		{"*.md", "docs/ADR-001.md", false},
		{"**/*.md", "ADR-001.md", true},
		{"**/*.md", "docs/adr/ADR-001.md", true},
		{"src/**", "src/a/b/c.go", true},
		{"src/**", "src", true},
		{"src/**/*_test.go", "src/pkg/x_test.go", true},
		{"src/**/*_test.go", "src/pkg/x.go", false},
		{"file?.txt", "file1.txt", true},
		{"file[0-9].txt", "filea.txt", false},
		{"**", "anything/at/all", true},
	}
	for _, tt := range tests {
		got, err := Match(tt.pattern, tt.name)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "Match(%q, %q)", tt.pattern, tt.name)
	}

	_, err := Match("[", "x")
	assert.Error(t, err)
}

func TestGlob(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"a.go":          "package a",
		"pkg/b.go":      "package b",
		"pkg/sub/c.go":  "package c",
		"pkg/README.md": "# readme",
	})

	got, err := Glob(root, "**/*.go")
	require.NoError(t, err)
	assert.Equal(t, []string{"a.go", "pkg/b.go", "pkg/sub/c.go"}, got)

	got, err = Glob(root, "pkg/*")
	require.NoError(t, err)
	assert.Equal(t, []string{"pkg/README.md", "pkg/b.go"}, got)
}

func TestPrepareInputsCopiesWithRelativePaths(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	writeFiles(t, ws.OutputDir("design"), map[string]string{
		"ADR-001.md":      "decision",
		"notes/extra.txt": "ignored",
	})
	writeFiles(t, ws.OutputDir("api"), map[string]string{
		"api/openapi.yaml": "openapi: 3.0.0",
		"api/v2/spec.yaml": "openapi: 3.1.0",
	})

	def := &phase.Definition{
		ID: "backend",
		Inputs: []phase.InputSource{
			{From: "design", Pattern: "*.md"},
			{From: "api", Pattern: "api/**/*.yaml"},
		},
	}
	completed := map[string]string{
		"design": ws.OutputDir("design"),
		"api":    ws.OutputDir("api"),
	}

	// Stale content from an earlier attempt is cleared.
	writeFiles(t, ws.InputDir("backend"), map[string]string{"stale.txt": "old"})

	m := NewManager(zaptest.NewLogger(t))
	copied, err := m.PrepareInputs(context.Background(), def, ws.InputDir("backend"), completed)
	require.NoError(t, err)
	assert.Equal(t, []string{"ADR-001.md", "api/openapi.yaml", "api/v2/spec.yaml"}, copied)

	data, err := os.ReadFile(filepath.Join(ws.InputDir("backend"), "api", "v2", "spec.yaml"))
	require.NoError(t, err)
	assert.Equal(t, "openapi: 3.1.0", string(data))

	_, err = os.Stat(filepath.Join(ws.InputDir("backend"), "stale.txt"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(ws.InputDir("backend"), "notes"))
	assert.True(t, os.IsNotExist(err))
}

func TestPrepareInputsCollisionCopiesNothing(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	writeFiles(t, ws.OutputDir("a"), map[string]string{"shared/config.json": "{}", "a.txt": "a"})
	writeFiles(t, ws.OutputDir("b"), map[string]string{"shared/config.json": "[]"})

	def := &phase.Definition{
		ID: "merge",
		Inputs: []phase.InputSource{
			{From: "a", Pattern: "**"},
			{From: "b", Pattern: "shared/*.json"},
		},
	}
	completed := map[string]string{"a": ws.OutputDir("a"), "b": ws.OutputDir("b")}

	m := NewManager(nil)
	_, err := m.PrepareInputs(context.Background(), def, ws.InputDir("merge"), completed)

	var coll *InputCollisionError
	require.ErrorAs(t, err, &coll)
	assert.Equal(t, "shared/config.json", coll.Path)
	assert.Equal(t, []string{"a:**", "b:shared/*.json"}, coll.Sources)

	_, statErr := os.Stat(filepath.Join(ws.InputDir("merge"), "a.txt"))
	assert.True(t, os.IsNotExist(statErr), "no file may be copied when a collision is detected")
}

func TestPrepareInputsSameSourceOverlapIsNotCollision(t *testing.T) {
	ws := Workspace{Root: t.TempDir()}
	writeFiles(t, ws.OutputDir("a"), map[string]string{"doc.md": "x"})

	def := &phase.Definition{
		ID: "b",
		Inputs: []phase.InputSource{
			{From: "a", Pattern: "*.md"},
			{From: "a", Pattern: "**"},
		},
	}
	copied, err := NewManager(nil).PrepareInputs(context.Background(), def, ws.InputDir("b"), map[string]string{"a": ws.OutputDir("a")})
	require.NoError(t, err)
	assert.Equal(t, []string{"doc.md"}, copied)
}

func TestPrepareInputsMissingSource(t *testing.T) {
	def := &phase.Definition{ID: "b", Inputs: []phase.InputSource{{From: "a", Pattern: "*"}}}
	_, err := NewManager(nil).PrepareInputs(context.Background(), def, t.TempDir(), map[string]string{})

	var missing *MissingSourceError
	require.ErrorAs(t, err, &missing)
	assert.Equal(t, "a", missing.Source)
}

func TestCopyTree(t *testing.T) {
	src := t.TempDir()
	writeFiles(t, src, map[string]string{"x/y/z.txt": "z", "top.txt": "t"})
	dst := filepath.Join(t.TempDir(), "copy")

	require.NoError(t, CopyTree(src, dst))
	got, err := Glob(dst, "**")
	require.NoError(t, err)
	assert.Equal(t, []string{"top.txt", "x/y/z.txt"}, got)
}
