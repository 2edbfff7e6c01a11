// ABOUTME: MCP client wrapper turning a dialed MCP server's tools into ToolSpecs
// ABOUTME: Lets a tool pack be any MCP server instead of requiring the gateway's own protocol

// MCP client support for tools: an external tool pack is an MCP server. At
// startup the loader dials every configured pack, lists its tools, and
// wraps each into a domain.ToolSpec whose handler round-trips through
// CallTool. This is the replacement for a generated-protobuf pack protocol
// for which no schema was available to regenerate from (see DESIGN.md).
package tools

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kilnlabs/agentgw/internal/domain"
)

// PackClient is the subset of an MCP client the loader depends on, narrowed
// so tests can substitute a fake without dialing a real process.
type PackClient interface {
	ListTools(ctx context.Context, req mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error)
}

// LoadPack connects to an MCP server reachable over stdio-launched command
// command with args, lists its tools, and returns them as ToolSpecs. permission
// classifies every tool the pack exposes uniformly, since MCP's tool schema
// carries no read/write distinction of its own.
func LoadPack(ctx context.Context, name, command string, args []string, permission domain.ToolPermission) ([]domain.ToolSpec, func() error, error) {
	mcpClient, err := client.NewStdioMCPClient(command, nil, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("tools: dial pack %s: %w", name, err)
	}

	if _, err := mcpClient.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		mcpClient.Close()
		return nil, nil, fmt.Errorf("tools: initialize pack %s: %w", name, err)
	}

	specs, err := specsFromPack(ctx, mcpClient, name, permission)
	if err != nil {
		mcpClient.Close()
		return nil, nil, err
	}
	return specs, mcpClient.Close, nil
}

func specsFromPack(ctx context.Context, c PackClient, packName string, permission domain.ToolPermission) ([]domain.ToolSpec, error) {
	result, err := c.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, fmt.Errorf("tools: list tools for pack %s: %w", packName, err)
	}

	specs := make([]domain.ToolSpec, 0, len(result.Tools))
	for _, t := range result.Tools {
		t := t
		specs = append(specs, domain.ToolSpec{
			Name:        packName + "." + t.Name,
			Description: t.Description,
			Permission:  permission,
			Handler:     packHandler(c, t.Name),
		})
	}
	return specs, nil
}

func packHandler(c PackClient, toolName string) domain.ToolHandler {
	return func(toolCtx domain.ToolContext, args map[string]any) (map[string]any, error) {
		req := mcp.CallToolRequest{}
		req.Params.Name = toolName
		req.Params.Arguments = args

		res, err := c.CallTool(context.Background(), req)
		if err != nil {
			return nil, fmt.Errorf("tools: call %s: %w", toolName, err)
		}
		if res.IsError {
			return nil, fmt.Errorf("tools: %s returned an error result", toolName)
		}

		out := map[string]any{}
		for i, content := range res.Content {
			if text, ok := mcp.AsTextContent(content); ok {
				out[fmt.Sprintf("content_%d", i)] = text.Text
			}
		}
		return out, nil
	}
}
