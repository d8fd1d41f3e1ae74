// Package tools 提供模型在生成过程中可以同步调用的函数。
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"deepchat-go/pkg/llm"
)

// Tool is a capability the model may call mid-generation.
type Tool interface {
	Definition() llm.ToolDefinition
	// Call 执行工具，返回写回给模型的 JSON 文本。
	Call(ctx context.Context, arguments string) (string, error)
}

// Registry maps tool names to implementations.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry builds a registry from the given tools.
func NewRegistry(tools ...Tool) *Registry {
	r := &Registry{tools: make(map[string]Tool, len(tools))}
	for _, t := range tools {
		r.tools[t.Definition().Function.Name] = t
	}
	return r
}

// Default returns the registry used by the chat service.
func Default() *Registry {
	return NewRegistry(NewCurrentTime(nil))
}

// Definitions returns tool schemas sorted by name. A nil registry has none.
func (r *Registry) Definitions() []llm.ToolDefinition {
	if r == nil || len(r.tools) == 0 {
		return nil
	}
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	defs := make([]llm.ToolDefinition, 0, len(names))
	for _, name := range names {
		defs = append(defs, r.tools[name].Definition())
	}
	return defs
}

// Execute runs a tool call. Unknown tools and tool failures are reported to the
// model as an error payload instead of aborting the turn.
func (r *Registry) Execute(ctx context.Context, call llm.ToolCall) string {
	var t Tool
	if r != nil {
		t = r.tools[call.Function.Name]
	}
	if t == nil {
		return errorPayload(fmt.Sprintf("unknown tool: %s", call.Function.Name))
	}
	out, err := t.Call(ctx, call.Function.Arguments)
	if err != nil {
		return errorPayload(err.Error())
	}
	return out
}

func errorPayload(msg string) string {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return string(b)
}
