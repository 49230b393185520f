// Package patch materializes model-emitted file changes into a working
// tree. Creates write verbatim; modifies apply search/replace hunks,
// exact match first and whitespace-fuzzy second. A file either takes all
// of its hunks or none: edits are buffered in memory and written once,
// so a failed hunk never leaves a half-patched file for the retry prompt
// to trip over.
package patch

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// Actions a file record may carry.
const (
	ActionCreate = "create"
	ActionModify = "modify"
)

// Hunk is one search/replace pair inside a modify.
type Hunk struct {
	Search  string `json:"search"`
	Replace string `json:"replace"`
}

// File is one file change emitted by the model.
type File struct {
	Path    string `json:"path"`
	Action  string `json:"action"`
	Content string `json:"content,omitempty"`
	Patches []Hunk `json:"patches,omitempty"`
}

// Failure names a file that could not be materialized and why.
type Failure struct {
	Path   string `json:"path"`
	Reason string `json:"reason"`
}

// Result reports which files were written and which failed.
type Result struct {
	Written []string  `json:"written"`
	Failed  []Failure `json:"failed"`
}

// Ok reports whether every file was written.
func (r *Result) Ok() bool {
	return len(r.Failed) == 0
}

// FailedModify reports whether any failed file was a modify. A failed
// modify makes the attempt patch-failed: the retry prompt tells the model
// to resend those files as creates.
func (r *Result) FailedModify(files []File) bool {
	actions := make(map[string]string, len(files))
	for _, f := range files {
		actions[f.Path] = f.Action
	}
	for _, f := range r.Failed {
		if actions[f.Path] == ActionModify {
			return true
		}
	}
	return false
}

// Engine applies file changes under a root directory. Model-emitted
// paths are validated before any filesystem touch: cleaned, confined to
// the root, and checked against the protected globs.
type Engine struct {
	root      string
	protected []string
}

// NewEngine creates an engine rooted at the clone directory. The .git
// tree is always protected; extra doublestar globs come from config.
func NewEngine(root string, protectedGlobs []string) *Engine {
	protected := append([]string{".git/**"}, protectedGlobs...)
	return &Engine{root: root, protected: protected}
}

// Apply materializes the file list. Files are processed in order; a
// failure stops that file only, never the batch.
func (e *Engine) Apply(files []File) *Result {
	result := &Result{}
	for _, f := range files {
		rel, err := e.guardPath(f.Path)
		if err != nil {
			result.Failed = append(result.Failed, Failure{Path: f.Path, Reason: err.Error()})
			continue
		}

		switch f.Action {
		case ActionCreate:
			if err := e.create(rel, f.Content); err != nil {
				result.Failed = append(result.Failed, Failure{Path: f.Path, Reason: err.Error()})
				continue
			}
		case ActionModify:
			if err := e.modify(rel, f.Patches); err != nil {
				result.Failed = append(result.Failed, Failure{Path: f.Path, Reason: err.Error()})
				continue
			}
		default:
			result.Failed = append(result.Failed, Failure{
				Path:   f.Path,
				Reason: fmt.Sprintf("unknown action %q", f.Action),
			})
			continue
		}
		result.Written = append(result.Written, f.Path)
	}
	return result
}

// guardPath cleans and validates a model-emitted path, returning it
// relative to the root.
func (e *Engine) guardPath(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("empty path")
	}
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute path rejected: %s", p)
	}
	clean := filepath.ToSlash(filepath.Clean(p))
	if clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("path escapes the workspace: %s", p)
	}
	for _, glob := range e.protected {
		ok, err := doublestar.Match(glob, clean)
		if err != nil {
			return "", fmt.Errorf("bad protected glob %q: %w", glob, err)
		}
		if ok {
			return "", fmt.Errorf("path is protected: %s", clean)
		}
	}
	return clean, nil
}

func (e *Engine) create(rel, content string) error {
	abs := filepath.Join(e.root, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return fmt.Errorf("create directories: %w", err)
	}
	if err := os.WriteFile(abs, []byte(content), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

func (e *Engine) modify(rel string, hunks []Hunk) error {
	abs := filepath.Join(e.root, filepath.FromSlash(rel))
	data, err := os.ReadFile(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("file does not exist; resend with action=create")
		}
		return fmt.Errorf("read file: %w", err)
	}
	if len(hunks) == 0 {
		return fmt.Errorf("modify carries no patches")
	}

	text := string(data)
	for _, hunk := range hunks {
		applied, err := applyHunk(text, hunk)
		if err != nil {
			return err
		}
		text = applied
	}

	if err := os.WriteFile(abs, []byte(text), 0o644); err != nil {
		return fmt.Errorf("write file: %w", err)
	}
	return nil
}

var wsRun = regexp.MustCompile(`\s+`)

// applyHunk replaces the first occurrence of hunk.Search in text. Exact
// substring match first; failing that, a whitespace-fuzzy match where
// every whitespace run in the search matches any whitespace run in the
// file.
func applyHunk(text string, hunk Hunk) (string, error) {
	if hunk.Search == "" {
		return "", fmt.Errorf("empty search text")
	}

	if strings.Contains(text, hunk.Search) {
		return strings.Replace(text, hunk.Search, hunk.Replace, 1), nil
	}

	normText := wsRun.ReplaceAllString(text, " ")
	normSearch := wsRun.ReplaceAllString(hunk.Search, " ")
	if strings.Contains(normText, normSearch) {
		re, err := fuzzyPattern(hunk.Search)
		if err == nil {
			if loc := re.FindStringIndex(text); loc != nil {
				return text[:loc[0]] + hunk.Replace + text[loc[1]:], nil
			}
		}
	}

	return "", fmt.Errorf("no match for %q", truncate(hunk.Search, 50))
}

// fuzzyPattern compiles a regex from the search text with each
// whitespace run replaced by \s+.
func fuzzyPattern(search string) (*regexp.Regexp, error) {
	parts := wsRun.Split(search, -1)
	quoted := make([]string, len(parts))
	for i, part := range parts {
		quoted[i] = regexp.QuoteMeta(part)
	}
	return regexp.Compile(strings.Join(quoted, `\s+`))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
