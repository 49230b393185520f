package patch

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFixture(t *testing.T, root, rel, content string) string {
	t.Helper()
	abs := filepath.Join(root, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0o755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0o644))
	return abs
}

func readBack(t *testing.T, root, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(root, rel))
	require.NoError(t, err)
	return string(data)
}

func TestApplyCreate(t *testing.T) {
	root := t.TempDir()
	engine := NewEngine(root, nil)

	result := engine.Apply([]File{{
		Path:    "internal/api/handler.go",
		Action:  ActionCreate,
		Content: "package api\n",
	}})

	require.True(t, result.Ok(), "%+v", result.Failed)
	assert.Equal(t, []string{"internal/api/handler.go"}, result.Written)
	assert.Equal(t, "package api\n", readBack(t, root, "internal/api/handler.go"))
}

func TestApplyModifyExact(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "main.go", "один\ntwo\nthree\ntwo\n")
	engine := NewEngine(root, nil)

	result := engine.Apply([]File{{
		Path:    "main.go",
		Action:  ActionModify,
		Patches: []Hunk{{Search: "two", Replace: "2"}},
	}})

	require.True(t, result.Ok(), "%+v", result.Failed)
	// First occurrence only
	assert.Equal(t, "один\n2\nthree\ntwo\n", readBack(t, root, "main.go"))
}

func TestApplyModifyFuzzyWhitespace(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "server.go", "func main() {\n\tserve(\t8080 )\n}\n")
	engine := NewEngine(root, nil)

	// The model remembered spaces where the file has tabs.
	result := engine.Apply([]File{{
		Path:   "server.go",
		Action: ActionModify,
		Patches: []Hunk{{
			Search:  "serve( 8080 )",
			Replace: "serve(9090)",
		}},
	}})

	require.True(t, result.Ok(), "%+v", result.Failed)
	assert.Equal(t, "func main() {\n\tserve(9090)\n}\n", readBack(t, root, "server.go"))
}

func TestApplyModifyNoMatch(t *testing.T) {
	root := t.TempDir()
	original := "nothing to see here\n"
	writeFixture(t, root, "main.go", original)
	engine := NewEngine(root, nil)

	longSearch := "this search text is well over fifty characters long and will be truncated"
	result := engine.Apply([]File{{
		Path:    "main.go",
		Action:  ActionModify,
		Patches: []Hunk{{Search: longSearch, Replace: "x"}},
	}})

	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Reason, longSearch[:50])
	assert.NotContains(t, result.Failed[0].Reason, longSearch[:60])
	// Disk untouched
	assert.Equal(t, original, readBack(t, root, "main.go"))
}

func TestApplyModifyAtomic(t *testing.T) {
	root := t.TempDir()
	original := "alpha\nbeta\n"
	writeFixture(t, root, "config.go", original)
	engine := NewEngine(root, nil)

	// First hunk matches, second does not: nothing may be persisted.
	result := engine.Apply([]File{{
		Path:   "config.go",
		Action: ActionModify,
		Patches: []Hunk{
			{Search: "alpha", Replace: "ALPHA"},
			{Search: "gamma", Replace: "GAMMA"},
		},
	}})

	require.Len(t, result.Failed, 1)
	assert.Empty(t, result.Written)
	assert.Equal(t, original, readBack(t, root, "config.go"))
}

func TestApplyModifyMissingFile(t *testing.T) {
	root := t.TempDir()
	engine := NewEngine(root, nil)

	result := engine.Apply([]File{{
		Path:    "ghost.go",
		Action:  ActionModify,
		Patches: []Hunk{{Search: "a", Replace: "b"}},
	}})

	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Reason, "does not exist")
}

func TestApplyPathGuard(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, ".git/config", "[core]\n")
	engine := NewEngine(root, []string{".github/workflows/**"})

	tests := []struct {
		name string
		path string
	}{
		{"absolute", "/etc/passwd"},
		{"traversal", "../outside.go"},
		{"nested traversal", "src/../../outside.go"},
		{"git internals", ".git/config"},
		{"configured glob", ".github/workflows/release.yml"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := engine.Apply([]File{{Path: tt.path, Action: ActionCreate, Content: "x"}})
			require.Len(t, result.Failed, 1, "path %q must be rejected", tt.path)
			assert.Empty(t, result.Written)
		})
	}

	// The guard never touched the protected file
	assert.Equal(t, "[core]\n", readBack(t, root, ".git/config"))
}

func TestApplyUnknownAction(t *testing.T) {
	engine := NewEngine(t.TempDir(), nil)

	result := engine.Apply([]File{{Path: "a.go", Action: "delete"}})
	require.Len(t, result.Failed, 1)
	assert.Contains(t, result.Failed[0].Reason, "unknown action")
}

func TestApplyMixedBatch(t *testing.T) {
	root := t.TempDir()
	writeFixture(t, root, "ok.go", "old\n")
	engine := NewEngine(root, nil)

	files := []File{
		{Path: "ok.go", Action: ActionModify, Patches: []Hunk{{Search: "old", Replace: "new"}}},
		{Path: "fresh.go", Action: ActionCreate, Content: "package fresh\n"},
		{Path: "broken.go", Action: ActionModify, Patches: []Hunk{{Search: "zzz", Replace: "x"}}},
	}
	result := engine.Apply(files)

	assert.Equal(t, []string{"ok.go", "fresh.go"}, result.Written)
	require.Len(t, result.Failed, 1)
	assert.Equal(t, "broken.go", result.Failed[0].Path)
	assert.True(t, result.FailedModify(files))
	assert.False(t, result.Ok())
}

func TestFailedModifyIgnoresCreates(t *testing.T) {
	engine := NewEngine(t.TempDir(), nil)

	files := []File{{Path: "/abs.go", Action: ActionCreate, Content: "x"}}
	result := engine.Apply(files)

	require.Len(t, result.Failed, 1)
	assert.False(t, result.FailedModify(files), "a failed create is not a patch failure")
}
