package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"guided-scan/backend/internal/services"
)

// Server exposes the scan engine's operations as MCP tools.
type Server struct {
	mcpServer *server.MCPServer
	engine    *services.ScanEngine
}

// NewServer creates a new MCP Server fronting the scan engine.
func NewServer(engine *services.ScanEngine) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"Guided Scan",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		engine: engine,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"start_scan",
			mcp.WithDescription("Start a new guided scan for an organization"),
			mcp.WithString("organization_id", mcp.Required(), mcp.Description("The organization to scan")),
			mcp.WithString("user_id", mcp.Description("The user starting the scan")),
		),
		s.handleStartScan,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"send_message",
			mcp.WithDescription("Send a message to a scan agent and wait for its response"),
			mcp.WithString("organization_id", mcp.Required(), mcp.Description("The caller's organization")),
			mcp.WithString("agent_id", mcp.Required(), mcp.Description("The agent to talk to")),
			mcp.WithString("user_id", mcp.Required(), mcp.Description("The user holding the conversation")),
			mcp.WithString("message", mcp.Required(), mcp.Description("The message content")),
		),
		s.handleSendMessage,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"approve_step",
			mcp.WithDescription("Approve the scan's current step and advance the workflow"),
			mcp.WithString("organization_id", mcp.Required(), mcp.Description("The caller's organization")),
			mcp.WithString("scan_id", mcp.Required(), mcp.Description("The scan being advanced")),
			mcp.WithString("step_id", mcp.Required(), mcp.Description("The step to approve")),
			mcp.WithString("approver_id", mcp.Required(), mcp.Description("Who approves the step")),
		),
		s.handleApproveStep,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"scan_status",
			mcp.WithDescription("Get a scan's progress"),
			mcp.WithString("organization_id", mcp.Required(), mcp.Description("The caller's organization")),
			mcp.WithString("scan_id", mcp.Required(), mcp.Description("The scan to inspect")),
		),
		s.handleScanStatus,
	)
}

func stringArg(request mcp.CallToolRequest, name string) (string, bool) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return "", false
	}
	value, ok := args[name].(string)
	return value, ok && value != ""
}

func (s *Server) handleStartScan(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, ok := stringArg(request, "organization_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: organization_id"), nil
	}
	userID, _ := stringArg(request, "user_id")

	scan, steps, err := s.engine.StartScan(ctx, orgID, userID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to start scan: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]any{"scan": scan, "steps": steps})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleSendMessage(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, ok := stringArg(request, "organization_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: organization_id"), nil
	}
	agentID, ok := stringArg(request, "agent_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: agent_id"), nil
	}
	userID, ok := stringArg(request, "user_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: user_id"), nil
	}
	message, ok := stringArg(request, "message")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: message"), nil
	}

	response, err := s.engine.SendMessage(ctx, orgID, userID, agentID, message)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to send message: %v", err)), nil
	}
	return mcp.NewToolResultText(response), nil
}

func (s *Server) handleApproveStep(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, ok := stringArg(request, "organization_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: organization_id"), nil
	}
	scanID, ok := stringArg(request, "scan_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: scan_id"), nil
	}
	stepID, ok := stringArg(request, "step_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: step_id"), nil
	}
	approverID, ok := stringArg(request, "approver_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: approver_id"), nil
	}

	result, err := s.engine.ApproveStep(ctx, orgID, scanID, stepID, approverID, "")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to approve step: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(result)
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

func (s *Server) handleScanStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	orgID, ok := stringArg(request, "organization_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: organization_id"), nil
	}
	scanID, ok := stringArg(request, "scan_id")
	if !ok {
		return mcp.NewToolResultError("Missing required parameter: scan_id"), nil
	}

	scan, steps, err := s.engine.GetScan(ctx, orgID, scanID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get scan: %v", err)), nil
	}

	jsonBytes, _ := json.Marshal(map[string]any{"scan": scan, "steps": steps})
	return mcp.NewToolResultText(string(jsonBytes)), nil
}

// MountHTTPHandlers mounts the MCP SSE endpoints onto the mux.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	// Use SSE server for /mcp/sse and /mcp/message endpoints
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.HandleFunc("/mcp", func(w http.ResponseWriter, r *http.Request) {
		// Direct POST for tool calls
		if r.Method == http.MethodPost {
			sseServer.ServeHTTP(w, r)
			return
		}
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	})

	// SSE endpoints
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
