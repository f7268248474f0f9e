// Package mcpserver exposes the runtime over the Model Context Protocol:
// JSON-RPC 2.0, one message per line, over stdio. Sessions created through it
// are tagged source=mcp.
package mcpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/promptobjects/promptobjects/internal/capability"
	"github.com/promptobjects/promptobjects/internal/engine"
	"github.com/promptobjects/promptobjects/pkg/models"
)

const maxLineBytes = 10 * 1024 * 1024

// Server handles one MCP session over a reader/writer pair.
type Server struct {
	engine *engine.Engine
	logger *slog.Logger

	in  io.Reader
	out io.Writer

	writeMu sync.Mutex
}

// New creates an MCP server bound to in/out (stdin/stdout in production).
func New(eng *engine.Engine, in io.Reader, out io.Writer) *Server {
	return &Server{
		engine: eng,
		logger: slog.Default().With("component", "mcp"),
		in:     in,
		out:    out,
	}
}

// Serve reads line-delimited JSON-RPC messages until EOF or ctx ends.
func (s *Server) Serve(ctx context.Context) error {
	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)

	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req request
		if err := json.Unmarshal(line, &req); err != nil {
			s.writeResponse(&response{Jsonrpc: "2.0", Error: &rpcError{
				Code: codeParseError, Message: "parse error",
			}})
			continue
		}
		s.handle(ctx, &req)
	}
	return scanner.Err()
}

func (s *Server) handle(ctx context.Context, req *request) {
	result, rpcErr := s.dispatch(ctx, req)

	// Notifications carry no ID and get no response.
	if len(req.ID) == 0 || string(req.ID) == "null" {
		return
	}
	resp := &response{Jsonrpc: "2.0", ID: req.ID}
	if rpcErr != nil {
		resp.Error = rpcErr
	} else {
		resp.Result = result
	}
	s.writeResponse(resp)
}

func (s *Server) writeResponse(resp *response) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.logger.Error("failed to encode response", "error", err)
		return
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, _ = s.out.Write(append(data, '\n'))
}

func (s *Server) dispatch(ctx context.Context, req *request) (any, *rpcError) {
	switch req.Method {
	case "initialize":
		return map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":     map[string]any{},
				"resources": map[string]any{},
			},
			"serverInfo": map[string]any{
				"name":    "promptobjects",
				"version": "1.0.0",
			},
		}, nil

	case "notifications/initialized", "initialized":
		return nil, nil

	case "ping":
		return map[string]any{}, nil

	case "tools/list":
		return map[string]any{"tools": s.toolDefs()}, nil

	case "tools/call":
		var params struct {
			Name      string          `json:"name"`
			Arguments json.RawMessage `json:"arguments"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		return s.callTool(ctx, params.Name, params.Arguments), nil

	case "resources/list":
		return map[string]any{"resources": s.resourceDefs()}, nil

	case "resources/read":
		var params struct {
			URI string `json:"uri"`
		}
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: "invalid params"}
		}
		contents, err := s.readResource(ctx, params.URI)
		if err != nil {
			return nil, &rpcError{Code: codeInvalidParams, Message: err.Error()}
		}
		return contents, nil

	default:
		return nil, &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
}

func (s *Server) toolDefs() []toolDef {
	objectSchema := func(properties string) json.RawMessage {
		return json.RawMessage(`{"type":"object","properties":{` + properties + `}}`)
	}
	return []toolDef{
		{
			Name:        "list_prompt_objects",
			Description: "List the prompt objects in this environment",
			InputSchema: objectSchema(``),
		},
		{
			Name:        "send_message",
			Description: "Send a message to a prompt object and return its final response",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"po_name": {"type": "string", "description": "Target prompt object"},
					"message": {"type": "string", "description": "The message to send"},
					"session_id": {"type": "string", "description": "Existing session to continue"}
				},
				"required": ["po_name", "message"]
			}`),
		},
		{
			Name:        "get_conversation",
			Description: "Fetch a prompt object's latest conversation",
			InputSchema: objectSchema(`"po_name": {"type": "string"}, "limit": {"type": "number"}`),
		},
		{
			Name:        "inspect_po",
			Description: "Show a prompt object's configuration and system prompt",
			InputSchema: objectSchema(`"po_name": {"type": "string"}`),
		},
		{
			Name:        "get_pending_requests",
			Description: "List pending human requests, optionally for one prompt object",
			InputSchema: objectSchema(`"po_name": {"type": "string"}`),
		},
		{
			Name:        "respond_to_request",
			Description: "Answer a pending human request",
			InputSchema: json.RawMessage(`{
				"type": "object",
				"properties": {
					"request_id": {"type": "string"},
					"response": {"type": "string"}
				},
				"required": ["request_id", "response"]
			}`),
		},
	}
}

func (s *Server) callTool(ctx context.Context, name string, arguments json.RawMessage) *toolResult {
	inv := capability.Normalize(arguments)

	switch name {
	case "list_prompt_objects":
		pos := s.engine.Registry().List(capability.KindPO)
		if len(pos) == 0 {
			return textResult("(no prompt objects)")
		}
		var b strings.Builder
		for _, po := range pos {
			fmt.Fprintf(&b, "- %s: %s\n", po.Name(), po.Description())
		}
		return textResult(strings.TrimRight(b.String(), "\n"))

	case "send_message":
		poName := inv.String("po_name")
		message := inv.String("message")
		if poName == "" || message == "" {
			return errorResult("po_name and message are required")
		}
		result, err := s.engine.SendMessage(ctx, poName, message, engine.SendOptions{
			SessionID: inv.String("session_id"),
			Source:    models.SourceMCP,
		})
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(result)

	case "get_conversation":
		poName := inv.String("po_name")
		if poName == "" {
			return errorResult("po_name is required")
		}
		limit := 0
		if v, ok := inv.Value("limit"); ok {
			if f, ok := v.(float64); ok {
				limit = int(f)
			}
		}
		text, err := s.renderConversation(ctx, poName, limit)
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(text)

	case "inspect_po":
		po, err := s.findPO(inv.String("po_name"))
		if err != nil {
			return errorResult(err.Error())
		}
		def := po.Definition()
		encoded, err := json.MarshalIndent(map[string]any{
			"name":         def.Name,
			"description":  def.Description,
			"capabilities": def.Capabilities,
			"prompt":       def.Body,
		}, "", "  ")
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(string(encoded))

	case "get_pending_requests":
		pending := s.engine.Queue().Pending(inv.String("po_name"))
		if len(pending) == 0 {
			return textResult("(no pending requests)")
		}
		encoded, err := json.MarshalIndent(pending, "", "  ")
		if err != nil {
			return errorResult(err.Error())
		}
		return textResult(string(encoded))

	case "respond_to_request":
		requestID := inv.String("request_id")
		if requestID == "" {
			return errorResult("request_id is required")
		}
		if err := s.engine.Queue().Respond(requestID, inv.String("response")); err != nil {
			return errorResult(err.Error())
		}
		return textResult("response delivered")

	default:
		return errorResult("unknown tool: " + name)
	}
}

func (s *Server) findPO(name string) (*engine.PromptObject, error) {
	if name == "" {
		return nil, fmt.Errorf("po_name is required")
	}
	target := s.engine.Registry().Get(name)
	if target == nil {
		return nil, fmt.Errorf("unknown prompt object %q", name)
	}
	po, ok := target.(*engine.PromptObject)
	if !ok {
		return nil, fmt.Errorf("%q is not a prompt object", name)
	}
	return po, nil
}
