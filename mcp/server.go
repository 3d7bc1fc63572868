package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/bobmatnyc/sessiond/logger"
	"github.com/bobmatnyc/sessiond/manager"
)

const (
	ProtocolVersion = "2024-11-05"
	ServerName      = "sessiond"
	ServerVersion   = "1.0.0"
)

// Sessions is the session surface the server exposes as MCP tools.
type Sessions interface {
	Start(ctx context.Context, req manager.StartRequest) (*manager.TurnResult, error)
	Continue(ctx context.Context, req manager.ContinueRequest) (*manager.TurnResult, error)
	Status(id string) (*manager.StatusResult, error)
	List(filter string) (*manager.ListResult, error)
	Stop(id string, force bool) (*manager.StopResult, error)
}

var _ Sessions = (*manager.Manager)(nil)

// Server exposes session operations as MCP tools over line-delimited
// JSON-RPC. Tool calls run on their own goroutines, so a long turn does not
// block status or stop calls arriving behind it; responses are serialized
// through a write mutex.
type Server struct {
	reader   *bufio.Reader
	writer   io.Writer
	sessions Sessions
	tools    []ToolDefinition
	calls    sync.WaitGroup
	mu       sync.Mutex
	log      *slog.Logger
}

// NewServer creates an MCP server speaking on r and w.
func NewServer(r io.Reader, w io.Writer, sessions Sessions) *Server {
	return &Server{
		reader:   bufio.NewReader(r),
		writer:   w,
		sessions: sessions,
		tools:    sessionTools(),
		log:      logger.WithComponent("mcp"),
	}
}

// Run reads requests until EOF. In-flight tool calls are given time to
// finish before it returns.
func (s *Server) Run(ctx context.Context) error {
	s.log.Info("server starting")

	for {
		line, err := s.reader.ReadString('\n')
		if err == io.EOF {
			s.log.Info("EOF received, shutting down")
			s.calls.Wait()
			return nil
		}
		if err != nil {
			s.log.Error("read error", "error", err)
			s.calls.Wait()
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		s.log.Debug("received message", "line", line)

		var req JSONRPCRequest
		if err := json.Unmarshal([]byte(line), &req); err != nil {
			s.log.Error("JSON parse error", "error", err)
			s.sendError(nil, -32700, "Parse error", nil)
			continue
		}

		s.handleRequest(ctx, &req)
	}
}

func (s *Server) handleRequest(ctx context.Context, req *JSONRPCRequest) {
	switch req.Method {
	case "initialize":
		s.handleInitialize(req)
	case "initialized":
		// Notification, no response needed
		s.log.Debug("initialized notification received")
	case "tools/list":
		s.handleToolsList(req)
	case "tools/call":
		s.handleToolsCall(ctx, req)
	default:
		s.log.Warn("unknown method", "method", req.Method)
		s.sendError(req.ID, -32601, "Method not found", nil)
	}
}

func (s *Server) handleInitialize(req *JSONRPCRequest) {
	result := InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities: Capability{
			Tools: &ToolCapability{},
		},
		ServerInfo: ServerInfo{
			Name:    ServerName,
			Version: ServerVersion,
		},
		Instructions: "This server manages conversational engine sessions. Start a session with session_start, then drive it by id with session_continue; session_status, session_list, and session_stop observe and control what is running.",
	}

	s.sendResult(req.ID, result)
}

func (s *Server) handleToolsList(req *JSONRPCRequest) {
	s.sendResult(req.ID, ToolsListResult{Tools: s.tools})
}

func (s *Server) handleToolsCall(ctx context.Context, req *JSONRPCRequest) {
	var params ToolCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		s.log.Error("failed to parse tool call params", "error", err)
		s.sendError(req.ID, -32602, "Invalid params", nil)
		return
	}

	handler := s.toolHandler(params.Name)
	if handler == nil {
		s.log.Warn("unknown tool", "tool", params.Name)
		s.sendError(req.ID, -32602, "Unknown tool", nil)
		return
	}

	// A turn blocks until its engine process finishes, so each call gets its
	// own goroutine. The write mutex keeps interleaved responses intact.
	s.calls.Add(1)
	go func() {
		defer s.calls.Done()
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("tool call panicked", "tool", params.Name, "panic", r)
				s.sendError(req.ID, -32603, "Internal error", nil)
			}
		}()
		handler(ctx, req.ID, params.Arguments)
	}()
}

func (s *Server) toolHandler(name string) func(context.Context, any, map[string]any) {
	switch name {
	case ToolSessionStart:
		return s.handleSessionStart
	case ToolSessionContinue:
		return s.handleSessionContinue
	case ToolSessionStatus:
		return s.handleSessionStatus
	case ToolSessionList:
		return s.handleSessionList
	case ToolSessionStop:
		return s.handleSessionStop
	default:
		return nil
	}
}

func (s *Server) handleSessionStart(ctx context.Context, id any, args map[string]any) {
	var p StartParams
	if err := decodeParams(args, &p); err != nil {
		s.log.Error("bad session_start arguments", "error", err)
		s.sendError(id, -32602, "Invalid params", nil)
		return
	}

	s.log.Info("session_start called", "workingDirectory", p.WorkingDirectory)

	res, err := s.sessions.Start(ctx, manager.StartRequest{
		Prompt:         p.Prompt,
		WorkingDir:     p.WorkingDirectory,
		DisableHooks:   p.DisableHooks,
		DisableTickets: p.DisableTickets,
		Timeout:        secondsToDuration(p.TimeoutSec),
	})
	if err != nil {
		res = &manager.TurnResult{Error: manager.ErrorInfoOf(err)}
	}

	s.sendToolJSON(id, res.Error != nil, res)
}

func (s *Server) handleSessionContinue(ctx context.Context, id any, args map[string]any) {
	var p ContinueParams
	if err := decodeParams(args, &p); err != nil {
		s.log.Error("bad session_continue arguments", "error", err)
		s.sendError(id, -32602, "Invalid params", nil)
		return
	}

	s.log.Info("session_continue called", "sessionId", p.SessionID, "fork", p.Fork)

	res, err := s.sessions.Continue(ctx, manager.ContinueRequest{
		SessionID: p.SessionID,
		Prompt:    p.Prompt,
		Fork:      p.Fork,
		Timeout:   secondsToDuration(p.TimeoutSec),
	})
	if err != nil {
		res = &manager.TurnResult{SessionID: p.SessionID, Error: manager.ErrorInfoOf(err)}
	}

	s.sendToolJSON(id, res.Error != nil, res)
}

func (s *Server) handleSessionStatus(_ context.Context, id any, args map[string]any) {
	var p StatusParams
	if err := decodeParams(args, &p); err != nil {
		s.log.Error("bad session_status arguments", "error", err)
		s.sendError(id, -32602, "Invalid params", nil)
		return
	}

	res, err := s.sessions.Status(p.SessionID)
	if err != nil {
		s.sendToolJSON(id, true, errorBody{Error: manager.ErrorInfoOf(err)})
		return
	}

	s.sendToolJSON(id, false, res)
}

func (s *Server) handleSessionList(_ context.Context, id any, args map[string]any) {
	var p ListParams
	if err := decodeParams(args, &p); err != nil {
		s.log.Error("bad session_list arguments", "error", err)
		s.sendError(id, -32602, "Invalid params", nil)
		return
	}

	res, err := s.sessions.List(p.StatusFilter)
	if err != nil {
		s.sendToolJSON(id, true, errorBody{Error: manager.ErrorInfoOf(err)})
		return
	}

	s.sendToolJSON(id, false, res)
}

func (s *Server) handleSessionStop(_ context.Context, id any, args map[string]any) {
	var p StopParams
	if err := decodeParams(args, &p); err != nil {
		s.log.Error("bad session_stop arguments", "error", err)
		s.sendError(id, -32602, "Invalid params", nil)
		return
	}

	s.log.Info("session_stop called", "sessionId", p.SessionID, "force", p.Force)

	res, err := s.sessions.Stop(p.SessionID, p.Force)
	if err != nil {
		res = &manager.StopResult{SessionID: p.SessionID, Force: p.Force, Error: manager.ErrorInfoOf(err)}
	}

	s.sendToolJSON(id, res.Error != nil, res)
}

// errorBody carries an operation failure for tools whose result shape has no
// error field of its own.
type errorBody struct {
	Error *manager.ErrorInfo `json:"error"`
}

// decodeParams re-marshals loosely typed tool arguments into a typed
// parameter struct.
func decodeParams(args map[string]any, v any) error {
	data, err := json.Marshal(args)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

// sendToolJSON sends a tool call result whose text content is the JSON
// encoding of v.
func (s *Server) sendToolJSON(id any, isError bool, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.log.Error("failed to marshal tool result", "error", err)
		s.sendError(id, -32603, "Internal error", nil)
		return
	}

	s.sendToolResult(id, isError, string(data))
}

// sendToolResult sends a tool call result with text content.
func (s *Server) sendToolResult(id any, isError bool, text string) {
	toolResult := ToolCallResult{
		Content: []ContentItem{
			{
				Type: "text",
				Text: text,
			},
		},
		IsError: isError,
	}

	s.sendResult(id, toolResult)
}

func (s *Server) sendResult(id any, result any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Result:  result,
	}

	s.send(resp)
}

func (s *Server) sendError(id any, code int, message string, data any) {
	resp := JSONRPCResponse{
		JSONRPC: "2.0",
		ID:      id,
		Error: &RPCError{
			Code:    code,
			Message: message,
			Data:    data,
		},
	}

	s.send(resp)
}

func (s *Server) send(resp JSONRPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		s.log.Error("failed to marshal response", "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	_, err = fmt.Fprintf(s.writer, "%s\n", data)
	if err != nil {
		s.log.Error("failed to write response", "error", err)
	} else {
		s.log.Debug("sent response", "data", string(data))
	}
}
