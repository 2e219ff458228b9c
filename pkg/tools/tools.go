// Package tools defines the in-process tool contract, the startup-initialized
// registry, allowlist filtering, and the lazy binder the engine rebinds
// between iterations.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/maestro-run/maestro/pkg/llm"
)

// Tool is one callable capability advertised to the model.
type Tool interface {
	Name() string
	Definition() llm.ToolDef
	Invoke(ctx context.Context, args map[string]any) (string, error)
}

// Func adapts a plain function into a Tool.
type Func struct {
	Def     llm.ToolDef
	Handler func(ctx context.Context, args map[string]any) (string, error)
}

func (f *Func) Name() string            { return f.Def.Name }
func (f *Func) Definition() llm.ToolDef { return f.Def }

func (f *Func) Invoke(ctx context.Context, args map[string]any) (string, error) {
	return f.Handler(ctx, args)
}

// ErrorEnvelope is the structured form of a tool failure for callers that
// want schema rather than prose.
type ErrorEnvelope struct {
	Kind        string `json:"kind"`
	UserMessage string `json:"userMessage"`
	Detail      string `json:"detail,omitempty"`
}

// FormatError renders a tool failure as the inline string form the engine
// appends to the conversation.
func FormatError(err error) string {
	return "<tool-error> " + err.Error()
}

// FormatErrorEnvelope renders a tool failure as a JSON envelope.
func FormatErrorEnvelope(userMessage, detail string) string {
	data, _ := json.Marshal(ErrorEnvelope{Kind: "tool_error", UserMessage: userMessage, Detail: detail})
	return string(data)
}

// EncodeResult JSON-encodes structured tool results; strings pass through.
func EncodeResult(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode tool result: %w", err)
	}
	return string(data), nil
}

// StringArg extracts a required string argument.
func StringArg(args map[string]any, key string) (string, error) {
	v, ok := args[key]
	if !ok {
		return "", fmt.Errorf("missing required argument %q", key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q must be a string", key)
	}
	return s, nil
}

// OptionalStringArg extracts an optional string argument, empty when absent.
func OptionalStringArg(args map[string]any, key string) string {
	if v, ok := args[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// MatchAllowlist reports whether name matches any pattern. A pattern is an
// exact name or a prefix glob like "http_*".
func MatchAllowlist(name string, patterns []string) bool {
	for _, p := range patterns {
		if p == name {
			return true
		}
		if prefix, ok := strings.CutSuffix(p, "*"); ok && strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}
