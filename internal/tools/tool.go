// Package tools implements the tool registry: built-in tools, remote MCP
// servers, and skill-synthesized HTTP tools behind a single execute path
// that enforces policy, approval gating, timeouts, and output caps.
package tools

import (
	"context"
	"time"

	"github.com/quantumclaw/quantumclaw/internal/providers"
)

// Tool kinds.
const (
	KindBuiltin = "builtin"
	KindMCP     = "mcp"
	KindSkill   = "skill"
)

const (
	defaultTimeout = 30 * time.Second
	shellTimeout   = 120 * time.Second

	// maxCapturedOutput caps process stdout fed back to the model.
	maxCapturedOutput = 512 * 1024
	truncationMarker  = "\n[output truncated at 512KB]"
)

// Handler executes a tool call.
type Handler func(ctx context.Context, args map[string]interface{}) *Result

// Tool is one registered capability.
type Tool struct {
	Name        string
	Description string
	Kind        string
	Schema      map[string]interface{} // JSON schema for the arguments
	Timeout     time.Duration          // zero uses the default
	Destructive bool                   // routes through shell allow-list checks
	Handler     Handler
}

// Info is the list() projection.
type Info struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Source      string `json:"source"`
}

// Definition renders the tool as a provider tool schema.
func (t *Tool) Definition() providers.ToolDefinition {
	params := t.Schema
	if params == nil {
		params = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
	}
	return providers.ToolDefinition{
		Type: "function",
		Function: providers.ToolFunctionSchema{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}
}

func (t *Tool) timeout() time.Duration {
	if t.Timeout > 0 {
		return t.Timeout
	}
	return defaultTimeout
}
