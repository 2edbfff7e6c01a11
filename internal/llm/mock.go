// ABOUTME: Deterministic Provider stand-in for tests and the default mock configuration
// ABOUTME: Echoes the latest message, or proposes a tool call when one is registered and mentioned

package llm

import (
	"context"
	"fmt"
	"strings"
)

// MockProvider is a deterministic stand-in used by tests and by the default
// "mock" GATEWAY_LLM_PROVIDER configuration. PlanFunc, if set, overrides the
// default echo behavior.
type MockProvider struct {
	PlanFunc func(history []Message) Plan
}

// Plan implements Provider. Absent a PlanFunc, it answers a tool result with
// that result as text; otherwise it echoes the latest user message as text
// unless the math.sum tool is registered and the message contains "sum",
// in which case it proposes a math.sum call of 1 and 2 — this keeps the
// echo (S1) and read-tool (S2) end-to-end scenarios exercising real
// LLM-shaped control flow without a live model.
func (m *MockProvider) Plan(_ context.Context, history []Message, tools []ToolDescriptor) (Plan, error) {
	if m.PlanFunc != nil {
		return m.PlanFunc(history), nil
	}

	if n := len(history); n > 0 && history[n-1].Role == "tool" {
		return PlanText(fmt.Sprintf("result: %s", history[n-1].Content)), nil
	}

	last := lastUserMessage(history)
	if hasTool(tools, "math.sum") && strings.Contains(strings.ToLower(last), "sum") {
		return PlanTool(ToolCall{Name: "math.sum", Args: map[string]any{"values": []any{1.0, 2.0}}}), nil
	}

	return PlanText(fmt.Sprintf("echo: %s", last)), nil
}

func lastUserMessage(history []Message) string {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == "user" {
			return history[i].Content
		}
	}
	return ""
}

func hasTool(tools []ToolDescriptor, name string) bool {
	for _, t := range tools {
		if t.Name == name {
			return true
		}
	}
	return false
}
