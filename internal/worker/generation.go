package worker

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/parallax-code/gantry/internal/models"
	"github.com/parallax-code/gantry/internal/patch"
)

// Generation is the structured change set the model returns for one
// attempt.
type Generation struct {
	Files          []patch.File             `json:"files"`
	Tests          []GeneratedTest          `json:"tests,omitempty"`
	Summary        string                   `json:"summary"`
	CriteriaStatus []models.CriterionResult `json:"acceptance_criteria_status"`
	RootCause      string                   `json:"root_cause_analysis,omitempty"`
}

// GeneratedTest is a test file emitted alongside the change. Tests are
// always complete files.
type GeneratedTest struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// generationSchema rejects responses with unknown fields or malformed
// entries before the typed decode sees them. Creates must carry content,
// modifies must carry patches.
const generationSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["files", "summary", "acceptance_criteria_status"],
  "properties": {
    "files": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["path", "action"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "action": {"enum": ["create", "modify"]},
          "content": {"type": "string"},
          "patches": {
            "type": "array",
            "minItems": 1,
            "items": {
              "type": "object",
              "additionalProperties": false,
              "required": ["search", "replace"],
              "properties": {
                "search": {"type": "string", "minLength": 1},
                "replace": {"type": "string"}
              }
            }
          }
        },
        "allOf": [
          {"if": {"properties": {"action": {"const": "create"}}}, "then": {"required": ["content"]}},
          {"if": {"properties": {"action": {"const": "modify"}}}, "then": {"required": ["patches"]}}
        ]
      }
    },
    "tests": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["path", "content"],
        "properties": {
          "path": {"type": "string", "minLength": 1},
          "content": {"type": "string"}
        }
      }
    },
    "summary": {"type": "string"},
    "acceptance_criteria_status": {
      "type": "array",
      "items": {
        "type": "object",
        "additionalProperties": false,
        "required": ["id", "status"],
        "properties": {
          "id": {"type": "string"},
          "criterion": {"type": "string"},
          "status": {"enum": ["SATISFIED", "PARTIALLY_SATISFIED", "BLOCKED"]},
          "evidence": {"type": "string"}
        }
      }
    },
    "root_cause_analysis": {"type": "string"}
  }
}`

var compiledGenerationSchema = jsonschema.MustCompileString("generation.json", generationSchema)

var (
	fencedBlockRe = regexp.MustCompile("(?s)```(?:json)?[ \t]*\r?\n(.*?)```")
	fileDelimRe   = regexp.MustCompile(`(?ms)^===FILE: *(.+?) *===\r?\n(.*?)^===END FILE===`)
)

// ParseGeneration extracts the structured change set from raw model text.
// A JSON object is preferred, fenced or bare. When no valid JSON can be
// recovered it falls back to ===FILE: path=== delimited blocks, which
// force every file to action=create.
func ParseGeneration(raw string) (*Generation, error) {
	gen, jsonErr := parseJSONGeneration(extractJSON(raw))
	if jsonErr == nil {
		return gen, nil
	}
	if gen, ok := parseDelimited(raw); ok {
		return gen, nil
	}
	return nil, jsonErr
}

// extractJSON pulls the JSON object out of the model's reply: a fenced
// block wins, then the outermost brace pair, then the raw text.
func extractJSON(raw string) string {
	if m := fencedBlockRe.FindStringSubmatch(raw); m != nil {
		return strings.TrimSpace(m[1])
	}
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return strings.TrimSpace(raw)
}

func parseJSONGeneration(text string) (*Generation, error) {
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	if err := compiledGenerationSchema.Validate(v); err != nil {
		return nil, fmt.Errorf("response shape rejected: %w", err)
	}

	var gen Generation
	if err := json.Unmarshal([]byte(text), &gen); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &gen, nil
}

func parseDelimited(raw string) (*Generation, bool) {
	matches := fileDelimRe.FindAllStringSubmatch(raw, -1)
	if len(matches) == 0 {
		return nil, false
	}

	gen := &Generation{}
	for _, m := range matches {
		gen.Files = append(gen.Files, patch.File{
			Path:    strings.TrimSpace(m[1]),
			Action:  patch.ActionCreate,
			Content: m[2],
		})
	}
	return gen, true
}
