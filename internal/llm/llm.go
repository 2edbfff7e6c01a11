// ABOUTME: Provider interface and the tagged Plan result it returns
// ABOUTME: Plan is built only through PlanText/PlanTool/PlanAbstain, never an untyped map

// Package llm defines the language-model provider boundary. A Plan result is
// a tagged sum type — Text, Tool, or Abstain — constructed only through the
// named constructors below, never assembled as an untyped map inspected at
// call sites.
package llm

import "context"

// PlanKind tags the variant carried by a Plan.
type PlanKind string

const (
	PlanKindText    PlanKind = "text"
	PlanKindTool    PlanKind = "tool"
	PlanKindAbstain PlanKind = "abstain"
)

// ToolCall is the tool name and arguments an LLM chose to invoke.
type ToolCall struct {
	Name string
	Args map[string]any
}

// Plan is the result of one LLM planning call.
type Plan struct {
	Kind   PlanKind
	Text   string
	Tool   ToolCall
	Extra  []ToolCall // additional tool calls beyond the first, discarded per the orchestrator's tie-break
}

// PlanText constructs a text-output plan.
func PlanText(text string) Plan { return Plan{Kind: PlanKindText, Text: text} }

// PlanTool constructs a tool-call plan. If the model proposed more than one
// call, extra carries the discarded remainder for logging.
func PlanTool(call ToolCall, extra ...ToolCall) Plan {
	return Plan{Kind: PlanKindTool, Tool: call, Extra: extra}
}

// PlanAbstain constructs the explicit "no output, no tool call" variant.
func PlanAbstain() Plan { return Plan{Kind: PlanKindAbstain} }

// Message is one turn of planning context: a prior user prompt, assistant
// text, or tool result, fed back into the next Plan call.
type Message struct {
	Role    string // "user" | "assistant" | "tool"
	Content string
}

// ToolDescriptor is the subset of a domain.ToolSpec the provider needs to
// advertise available tools to the model.
type ToolDescriptor struct {
	Name        string
	Description string
	Schema      map[string]any
}

// Provider is the narrow interface the orchestrator depends on.
type Provider interface {
	Plan(ctx context.Context, history []Message, tools []ToolDescriptor) (Plan, error)
}
