package models

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
)

// ToolDefinition describes one callable tool. ID is the canonical dotted
// form ("file.write"); Name is the sanitized form ("file__write") required
// by LLM function-calling APIs that reject dots in tool names.
type ToolDefinition struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Category    string            `json:"category,omitempty"`
	InputSchema json.RawMessage   `json:"inputSchema,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// toolIDSegment matches one dotted-id segment: lowercase alphanumeric words
// joined by single underscores. Double underscores are reserved as the dot
// replacement, so a segment may never contain them.
var toolIDSegment = regexp.MustCompile(`^[a-z][a-z0-9]*(_[a-z0-9]+)*$`)

// ValidToolID reports whether id is a well-formed dotted tool id. Only
// valid ids round-trip through SanitizeToolName and UnsanitizeToolName.
func ValidToolID(id string) bool {
	if id == "" {
		return false
	}
	for _, seg := range strings.Split(id, ".") {
		if !toolIDSegment.MatchString(seg) {
			return false
		}
	}
	return true
}

// SanitizeToolName converts a dotted tool id to the function-calling-safe
// form by replacing dots with double underscores.
func SanitizeToolName(id string) string {
	return strings.ReplaceAll(id, ".", "__")
}

// UnsanitizeToolName recovers the dotted id from a sanitized name.
func UnsanitizeToolName(name string) string {
	return strings.ReplaceAll(name, "__", ".")
}

// ManifestEntry is one tool as reported by a client tool_response frame.
type ManifestEntry struct {
	ID          string            `json:"id"`
	Description string            `json:"description"`
	Category    string            `json:"category,omitempty"`
	InputSchema json.RawMessage   `json:"inputSchema,omitempty"`
	Annotations map[string]string `json:"annotations,omitempty"`
}

// ToolManifest is the payload of a tool_response frame.
type ToolManifest struct {
	Tools []ManifestEntry `json:"tools"`
}

// ManifestToTools converts a client manifest into tool definitions with
// sanitized names. Entries with malformed ids are rejected, not skipped: a
// manifest that cannot round-trip would desynchronize the loop's name
// mapping.
func ManifestToTools(m ToolManifest) ([]ToolDefinition, error) {
	tools := make([]ToolDefinition, 0, len(m.Tools))
	for _, e := range m.Tools {
		if !ValidToolID(e.ID) {
			return nil, fmt.Errorf("tool manifest: invalid tool id %q", e.ID)
		}
		tools = append(tools, ToolDefinition{
			ID:          e.ID,
			Name:        SanitizeToolName(e.ID),
			Description: e.Description,
			Category:    e.Category,
			InputSchema: e.InputSchema,
			Annotations: e.Annotations,
		})
	}
	return tools, nil
}

// ToolCategory returns the category prefix of a dotted tool id, or the
// whole id when it has no dot.
func ToolCategory(id string) string {
	if i := strings.IndexByte(id, '.'); i > 0 {
		return id[:i]
	}
	return id
}

// ToolVerb returns the operation suffix of a dotted tool id.
func ToolVerb(id string) string {
	if i := strings.LastIndexByte(id, '.'); i >= 0 && i+1 < len(id) {
		return id[i+1:]
	}
	return id
}

// ToolCallRecord is one entry of the workspace logs/tool-calls.jsonl trace.
type ToolCallRecord struct {
	StepID    string         `json:"stepId,omitempty"`
	ToolID    string         `json:"toolId"`
	Args      map[string]any `json:"args,omitempty"`
	Result    string         `json:"result"`
	Success   bool           `json:"success"`
	Iteration int            `json:"iteration"`
	At        time.Time      `json:"at"`
}
