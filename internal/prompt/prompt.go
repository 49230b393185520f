// Package prompt assembles the generation and retry prompts sent to the
// model. Templates are embedded so the worker binary is self-contained.
package prompt

import (
	"bytes"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/validate"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var templates = template.Must(template.New("").ParseFS(templateFS, "templates/*.tmpl"))

// Snippet is the current content of one file the ticket wants modified.
type Snippet struct {
	Path       string
	Content    string
	Truncated  bool
	TotalLines int
}

// TaskInput collects everything the generation prompt presents.
type TaskInput struct {
	Ticket   *models.Ticket
	Snippets []Snippet
	Feedback string
}

// Task renders the generation prompt for one ticket: description, the
// enumerated acceptance criteria, the target file lists, current contents
// of files to modify, reviewer feedback when the ticket came back from
// review, and the response-format contract.
func Task(in TaskInput) (string, error) {
	if in.Ticket == nil {
		return "", fmt.Errorf("render task prompt: ticket is nil")
	}
	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "task.tmpl", in); err != nil {
		return "", fmt.Errorf("render task prompt: %w", err)
	}
	return buf.String(), nil
}

// Retry prefixes the original prompt with the structured error list from
// the failed attempt and a directive to fix exactly those errors.
func Retry(original string, errs []validate.Error) (string, error) {
	data := struct {
		Errors   []validate.Error
		Original string
	}{errs, original}

	var buf bytes.Buffer
	if err := templates.ExecuteTemplate(&buf, "retry.tmpl", data); err != nil {
		return "", fmt.Errorf("render retry prompt: %w", err)
	}
	return buf.String(), nil
}

// BoundSnippet caps content at maxLines lines to bound prompt size.
// Oversized content keeps the head half and the tail half with a marker
// line noting how much was omitted.
func BoundSnippet(path, content string, maxLines int) Snippet {
	lines := strings.Split(content, "\n")
	if maxLines <= 0 || len(lines) <= maxLines {
		return Snippet{Path: path, Content: content, TotalLines: len(lines)}
	}

	head := maxLines / 2
	tail := maxLines - head
	kept := make([]string, 0, maxLines+1)
	kept = append(kept, lines[:head]...)
	kept = append(kept, fmt.Sprintf("... (%d lines omitted) ...", len(lines)-maxLines))
	kept = append(kept, lines[len(lines)-tail:]...)

	return Snippet{
		Path:       path,
		Content:    strings.Join(kept, "\n"),
		Truncated:  true,
		TotalLines: len(lines),
	}
}
