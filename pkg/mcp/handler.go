// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

package mcp

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jllopis/relay/pkg/agent"
	"github.com/jllopis/relay/pkg/errors"
)

// ToolCaller executes MCP tools. *Client satisfies it.
type ToolCaller interface {
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)
}

// ToolHandler serves a skill with the MCP tool named tool. The skill input
// is passed as the tool arguments; the tool's structured content, or its
// text content when that is a JSON object, becomes the skill output. Any
// other text is returned as {"text": ...}.
func ToolHandler(caller ToolCaller, tool string) agent.Handler {
	return func(ctx context.Context, input map[string]any) (map[string]any, error) {
		result, err := caller.CallTool(ctx, tool, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, errors.New(errors.KindTimeout, "mcp tool call interrupted", err).WithDetail("tool", tool)
			}
			return nil, errors.New(errors.KindTransportError, "mcp tool call failed", err).WithDetail("tool", tool)
		}
		return toolOutput(tool, result)
	}
}

func toolOutput(tool string, result *mcp.CallToolResult) (map[string]any, error) {
	if result == nil {
		return nil, errors.Newf(errors.KindInternal, "mcp tool %s returned no result", tool)
	}
	text := extractTextContent(result.Content)
	if result.IsError {
		return nil, errors.Newf(errors.KindInternal, "mcp tool %s failed: %s", tool, text).WithDetail("tool", tool)
	}
	if result.StructuredContent != nil {
		if out, ok := result.StructuredContent.(map[string]any); ok {
			return out, nil
		}
		data, err := json.Marshal(result.StructuredContent)
		if err != nil {
			return nil, errors.New(errors.KindInternal, "encode mcp structured content", err)
		}
		var out map[string]any
		if err := json.Unmarshal(data, &out); err == nil && out != nil {
			return out, nil
		}
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "{") {
		var out map[string]any
		if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
			return out, nil
		}
	}
	return map[string]any{"text": text}, nil
}

func extractTextContent(items []mcp.Content) string {
	var parts []string
	for _, item := range items {
		switch content := item.(type) {
		case mcp.TextContent:
			parts = append(parts, content.Text)
		case *mcp.TextContent:
			parts = append(parts, content.Text)
		}
	}
	return strings.Join(parts, "\n")
}
