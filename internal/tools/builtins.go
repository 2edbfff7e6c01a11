// ABOUTME: Built-in tool specs available without a plugin pack
// ABOUTME: Math, clock, and an email-send stand-in, registered by default at startup

package tools

import (
	"fmt"

	"github.com/kilnlabs/agentgw/internal/domain"
)

// Builtins returns the in-process tool set available without any external
// pack: a read-only arithmetic helper, a read-only clock, and a write tool
// that requires approval in the default policy.
func Builtins() []domain.ToolSpec {
	return []domain.ToolSpec{
		mathSumTool(),
		clockNowTool(),
		emailSendTool(),
	}
}

func mathSumTool() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        "math.sum",
		Description: "Add a list of numbers.",
		Permission:  domain.PermissionRead,
		ParameterSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"values": map[string]any{"type": "array"}},
		},
		Handler: func(_ domain.ToolContext, args map[string]any) (map[string]any, error) {
			raw, ok := args["values"].([]any)
			if !ok {
				return nil, fmt.Errorf("math.sum: missing values array")
			}
			var total float64
			for _, v := range raw {
				f, ok := toFloat(v)
				if !ok {
					return nil, fmt.Errorf("math.sum: non-numeric value %v", v)
				}
				total += f
			}
			return map[string]any{"result": total}, nil
		},
	}
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	default:
		return 0, false
	}
}

func clockNowTool() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        "clock.now",
		Description: "Return the current server time.",
		Permission:  domain.PermissionRead,
		Handler: func(_ domain.ToolContext, _ map[string]any) (map[string]any, error) {
			return map[string]any{"now": nowFunc().Format("2006-01-02T15:04:05Z07:00")}, nil
		},
	}
}

func emailSendTool() domain.ToolSpec {
	return domain.ToolSpec{
		Name:        "email.send",
		Description: "Send an email on behalf of the run's requester.",
		Permission:  domain.PermissionWrite,
		ParameterSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"to":      map[string]any{"type": "string"},
				"subject": map[string]any{"type": "string"},
				"body":    map[string]any{"type": "string"},
			},
		},
		Handler: func(_ domain.ToolContext, args map[string]any) (map[string]any, error) {
			to, _ := args["to"].(string)
			if to == "" {
				return nil, fmt.Errorf("email.send: missing recipient")
			}
			return map[string]any{"sent": true, "to": to}, nil
		},
	}
}
