// Copyright 2026 © The Kairos Authors
// SPDX-License-Identifier: Apache-2.0

// Package mcp bridges skills and the Model Context Protocol: Server exposes
// skills as MCP tools, and ToolHandler serves a skill with a tool hosted by
// an MCP server.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/jllopis/relay/pkg/a2a/agentcard"
	"github.com/jllopis/relay/pkg/envelope"
)

// Invoker performs one routed call. *routing.Adapter satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, env envelope.TaskEnvelope) envelope.TaskResult
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithSourceIdentity sets the identity MCP callers act as.
func WithSourceIdentity(identity string) ServerOption {
	return func(s *Server) {
		s.source = identity
	}
}

// WithServerLogger sets the server logger.
func WithServerLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Server publishes every skill of the given cards as an MCP tool. A tool
// call becomes an envelope sent through the invoker, so MCP traffic is
// routed and validated like any other call.
type Server struct {
	mcpServer *server.MCPServer
	invoker   Invoker
	source    string
	tools     []string
	logger    *slog.Logger
}

// NewServer creates a server named name for cards. Tools are named after
// their skill id; a skill declared by more than one card is prefixed with
// the card name for all but the first.
func NewServer(name, version string, invoker Invoker, cards []*agentcard.AgentCard, opts ...ServerOption) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(name, version, server.WithToolCapabilities(false)),
		invoker:   invoker,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	taken := make(map[string]bool)
	for _, card := range cards {
		for _, skill := range card.Skills {
			toolName := skill.ID
			if taken[toolName] {
				toolName = card.Name + "." + skill.ID
			}
			taken[toolName] = true
			description := skill.Description
			if description == "" {
				description = skill.Name
			}
			tool := mcp.NewToolWithRawSchema(toolName, description, skill.InputSchema)
			s.mcpServer.AddTool(tool, s.callSkill(card.Identity, skill.ID))
			s.tools = append(s.tools, toolName)
		}
	}
	return s
}

// Tools lists the published tool names in registration order.
func (s *Server) Tools() []string {
	return append([]string(nil), s.tools...)
}

// MCPServer exposes the underlying server.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

// Handler serves the MCP streamable HTTP transport.
func (s *Server) Handler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer, server.WithStateLess(true))
}

// ServeStdio serves the server on stdin/stdout until it is closed.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcpServer)
}

func (s *Server) callSkill(target, skillID string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		// MCP treats omitted arguments as an empty argument object.
		args := req.GetArguments()
		if args == nil {
			args = map[string]any{}
		}
		env := envelope.NewRequest(ctx, s.source, target, skillID, args)
		result := s.invoker.Invoke(ctx, env)
		if !result.OK() {
			s.logger.Debug("mcp tool call failed",
				slog.String("skill_id", skillID),
				slog.String("correlation_id", env.Metadata.CorrelationID),
				slog.String("error_kind", result.ErrorKind()),
			)
			msg := result.ErrorKind()
			if result.Error != nil {
				msg = fmt.Sprintf("%s: %s", result.Error.Kind, result.Error.Message)
			}
			res := mcp.NewToolResultError(msg + " (correlation_id " + env.Metadata.CorrelationID + ")")
			res.StructuredContent = map[string]any{
				"correlation_id": env.Metadata.CorrelationID,
				"error":          result.Error,
			}
			return res, nil
		}
		text, err := json.Marshal(result.Output)
		if err != nil {
			return nil, err
		}
		return mcp.NewToolResultStructured(result.Output, string(text)), nil
	}
}
