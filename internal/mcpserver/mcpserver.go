// Package mcpserver is the MCP tool adapter (§6): a JSON-RPC-over-HTTP
// endpoint exposing every command.Registry entry as an MCP tool,
// grounded on the teacher's internal/mcp.Server request dispatch
// (initialize / tools/list / tools/call), trimmed from its SSE +
// per-connection-session transport down to the Streamable HTTP
// transport the command surface actually needs: one request in, one
// response out, no persistent per-agent connection state.
package mcpserver

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"net/http"

	"github.com/taskdriver/taskdriver/internal/command"
)

// Request is a JSON-RPC 2.0 request, identical in shape to the
// teacher's types.MCPRequest.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response, identical in shape to the
// teacher's types.MCPResponse.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
}

// Error mirrors the teacher's types.MCPError.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Server dispatches MCP tool calls into a command.Registry.
type Server struct {
	registry *command.Registry
}

func New(registry *command.Registry) *Server {
	return &Server{registry: registry}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, Response{JSONRPC: "2.0", Error: &Error{Code: -32700, Message: "Parse error"}})
		return
	}

	resp := s.handle(r.Context(), &req)
	writeJSON(w, resp)
}

func (s *Server) handle(ctx context.Context, req *Request) Response {
	switch req.Method {
	case "initialize":
		return s.handleInitialize(req)
	case "tools/list":
		return s.handleToolsList(req)
	case "tools/call":
		return s.handleToolsCall(ctx, req)
	default:
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: -32601, Message: "Method not found: " + req.Method}}
	}
}

func (s *Server) handleInitialize(req *Request) Response {
	return Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"serverInfo":      map[string]string{"name": "taskdriver", "version": "1.0.0"},
			"capabilities":    map[string]interface{}{"tools": map[string]bool{"listChanged": false}},
		},
	}
}

func (s *Server) handleToolsList(req *Request) Response {
	return Response{JSONRPC: "2.0", ID: req.ID, Result: map[string]interface{}{"tools": s.registry.List()}}
}

type toolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

func (s *Server) handleToolsCall(ctx context.Context, req *Request) Response {
	raw, err := json.Marshal(req.Params)
	if err != nil {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: -32602, Message: "Invalid params"}}
	}
	var params toolCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: -32602, Message: "Invalid params"}}
	}

	cmd, ok := s.registry.Get(params.Name)
	if !ok {
		return Response{JSONRPC: "2.0", ID: req.ID, Error: &Error{Code: -32601, Message: "Unknown tool: " + params.Name}}
	}

	data, err := cmd.Handler(ctx, params.Arguments)
	if err != nil {
		return Response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result: map[string]interface{}{
				"content": []map[string]interface{}{{"type": "text", "text": err.Error()}},
				"isError": true,
			},
		}
	}

	encoded, err := json.Marshal(data)
	if err != nil {
		log.Printf("[MCPSERVER] failed to encode tool result: %v", err)
		encoded = []byte("null")
	}
	return Response{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"content": []map[string]interface{}{{"type": "text", "text": string(encoded)}},
		},
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("[MCPSERVER] failed to encode response: %v", err)
	}
}
