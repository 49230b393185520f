// Package validate runs the configured validator ladder over generated
// files. Syntax checks run in-process; lint and typecheck exec the
// repository's own tools when their configuration is present. A tool the
// repository does not carry simply contributes no errors.
package validate

import (
	"context"
	"encoding/json"
	"go/parser"
	"go/scanner"
	"go/token"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/parallax-code/gantry/internal/models"
)

// Error categories.
const (
	TypeSyntax    = "syntax"
	TypeLint      = "lint"
	TypeTypecheck = "typecheck"
	TypeTimeout   = "timeout"
)

// Error is one structured validator finding.
type Error struct {
	Type    string `json:"type"`
	File    string `json:"file,omitempty"`
	Line    int    `json:"line,omitempty"`
	Column  int    `json:"column,omitempty"`
	Message string `json:"message"`
}

// execFunc runs an argv in a directory and returns combined output. Split
// out so tests can script tool results without the tools installed.
type execFunc func(ctx context.Context, dir string, argv []string) ([]byte, error)

func runCommand(ctx context.Context, dir string, argv []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	return cmd.CombinedOutput()
}

// Runner executes validator ladders inside one clone.
type Runner struct {
	root      string
	overrides *Overrides
	exec      execFunc
	lookPath  func(string) (string, error)
}

// NewRunner creates a runner rooted at the clone directory, honoring a
// repo-local .gantry.yml when present.
func NewRunner(root string) (*Runner, error) {
	overrides, err := LoadOverrides(root)
	if err != nil {
		return nil, err
	}
	return &Runner{
		root:      root,
		overrides: overrides,
		exec:      runCommand,
		lookPath:  exec.LookPath,
	}, nil
}

// Level returns the effective validation level: the repo override when
// set and valid, else the given default.
func (r *Runner) Level(fallback models.ValidationLevel) models.ValidationLevel {
	if r.overrides != nil && r.overrides.ValidationLevel != "" {
		level := models.ValidationLevel(r.overrides.ValidationLevel)
		if level.IsValid() {
			return level
		}
	}
	return fallback
}

// Run executes the ladder for the level over the given files (paths
// relative to the clone root). The context carries the validation
// timeout; on expiry the result is a single synthetic timeout error.
func (r *Runner) Run(ctx context.Context, level models.ValidationLevel, files []string) []Error {
	var steps []func(context.Context, []string) []Error
	switch level {
	case models.ValidationMinimal:
		steps = append(steps, r.syntax)
	case models.ValidationStrict:
		steps = append(steps, r.syntax, r.lint, r.typecheck)
	default:
		steps = append(steps, r.syntax, r.lint)
	}

	var errs []Error
	for _, step := range steps {
		if ctx.Err() != nil {
			return []Error{{Type: TypeTimeout, Message: "validation timed out"}}
		}
		errs = append(errs, step(ctx, files)...)
	}
	if ctx.Err() != nil {
		return []Error{{Type: TypeTimeout, Message: "validation timed out"}}
	}
	return errs
}

// syntax checks each file in-process: Go through go/parser, JSON through
// encoding/json. Other extensions are skipped.
func (r *Runner) syntax(_ context.Context, files []string) []Error {
	var errs []Error
	for _, rel := range files {
		abs := filepath.Join(r.root, filepath.FromSlash(rel))
		data, err := os.ReadFile(abs)
		if err != nil {
			continue
		}
		switch strings.ToLower(filepath.Ext(rel)) {
		case ".go":
			errs = append(errs, goSyntax(rel, data)...)
		case ".json":
			errs = append(errs, jsonSyntax(rel, data)...)
		}
	}
	return errs
}

func goSyntax(rel string, src []byte) []Error {
	fset := token.NewFileSet()
	_, err := parser.ParseFile(fset, rel, src, parser.AllErrors)
	if err == nil {
		return nil
	}
	var errs []Error
	if list, ok := err.(scanner.ErrorList); ok {
		for _, e := range list {
			errs = append(errs, Error{
				Type:    TypeSyntax,
				File:    rel,
				Line:    e.Pos.Line,
				Column:  e.Pos.Column,
				Message: e.Msg,
			})
		}
		return errs
	}
	return []Error{{Type: TypeSyntax, File: rel, Message: err.Error()}}
}

func jsonSyntax(rel string, src []byte) []Error {
	var v interface{}
	err := json.Unmarshal(src, &v)
	if err == nil {
		return nil
	}
	out := Error{Type: TypeSyntax, File: rel, Message: err.Error()}
	if syntaxErr, ok := err.(*json.SyntaxError); ok {
		out.Line, out.Column = offsetToPosition(src, syntaxErr.Offset)
	}
	return []Error{out}
}

func offsetToPosition(src []byte, offset int64) (line, col int) {
	line, col = 1, 1
	for i := int64(0); i < offset && i < int64(len(src)); i++ {
		if src[i] == '\n' {
			line++
			col = 1
		} else {
			col++
		}
	}
	return line, col
}

// lint runs the repository's linter: the .gantry.yml argv when set, else
// eslint or golangci-lint when their configs are present.
func (r *Runner) lint(ctx context.Context, files []string) []Error {
	if r.overrides != nil && len(r.overrides.Lint) > 0 {
		return r.runTool(ctx, TypeLint, r.overrides.Lint)
	}

	var errs []Error
	if r.hasAnyFile(".eslintrc", ".eslintrc.json", ".eslintrc.js", ".eslintrc.yml", "eslint.config.js", "eslint.config.mjs") {
		errs = append(errs, r.runTool(ctx, TypeLint, []string{"npx", "eslint", "--format", "unix", "."})...)
	}
	if r.hasAnyFile(".golangci.yml", ".golangci.yaml", ".golangci.toml", ".golangci.json") {
		errs = append(errs, r.runTool(ctx, TypeLint, []string{"golangci-lint", "run", "--out-format", "line-number"})...)
	}
	return errs
}

// typecheck runs the repository's type checker: the .gantry.yml argv
// when set, else tsc for TypeScript repos and go vet when Go files
// changed.
func (r *Runner) typecheck(ctx context.Context, files []string) []Error {
	if r.overrides != nil && len(r.overrides.Typecheck) > 0 {
		return r.runTool(ctx, TypeTypecheck, r.overrides.Typecheck)
	}

	var errs []Error
	if r.hasAnyFile("tsconfig.json") {
		errs = append(errs, r.runTool(ctx, TypeTypecheck, []string{"npx", "tsc", "--noEmit"})...)
	}
	if hasGoFiles(files) {
		errs = append(errs, r.runTool(ctx, TypeTypecheck, []string{"go", "vet", "./..."})...)
	}
	return errs
}

// runTool executes one validator argv and parses its diagnostics. A tool
// missing from PATH contributes nothing.
func (r *Runner) runTool(ctx context.Context, errType string, argv []string) []Error {
	if len(argv) == 0 {
		return nil
	}
	if _, err := r.lookPath(argv[0]); err != nil {
		return nil
	}

	out, err := r.exec(ctx, r.root, argv)
	if ctx.Err() != nil {
		return []Error{{Type: TypeTimeout, Message: "validation timed out"}}
	}

	errs := parseDiagnostics(errType, string(out))
	if err != nil && len(errs) == 0 {
		// Non-zero exit with nothing parseable: surface the head of the
		// output so the retry prompt has something to work with.
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		if len(msg) > 200 {
			msg = msg[:200]
		}
		errs = append(errs, Error{Type: errType, Message: msg})
	}
	return errs
}

func (r *Runner) hasAnyFile(names ...string) bool {
	for _, name := range names {
		if _, err := os.Stat(filepath.Join(r.root, name)); err == nil {
			return true
		}
	}
	return false
}

func hasGoFiles(files []string) bool {
	for _, f := range files {
		if strings.HasSuffix(f, ".go") {
			return true
		}
	}
	return false
}

var (
	// file:line:col: message — eslint unix format, golangci-lint
	// line-number format, go vet.
	colonDiag = regexp.MustCompile(`^(.+?):(\d+):(?:(\d+):)?\s*(.+)$`)
	// file(line,col): error TSxxxx: message — tsc.
	tscDiag = regexp.MustCompile(`^(.+?)\((\d+),(\d+)\):\s*error\s+\w+:\s*(.+)$`)
)

// parseDiagnostics extracts structured errors from tool output. Lines
// that match no known shape are skipped.
func parseDiagnostics(errType, output string) []Error {
	var errs []Error
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if m := tscDiag.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			errs = append(errs, Error{
				Type:    errType,
				File:    m[1],
				Line:    lineNo,
				Column:  col,
				Message: m[4],
			})
			continue
		}
		if m := colonDiag.FindStringSubmatch(line); m != nil {
			lineNo, _ := strconv.Atoi(m[2])
			col, _ := strconv.Atoi(m[3])
			errs = append(errs, Error{
				Type:    errType,
				File:    m[1],
				Line:    lineNo,
				Column:  col,
				Message: strings.TrimSpace(m[4]),
			})
		}
	}
	return errs
}
