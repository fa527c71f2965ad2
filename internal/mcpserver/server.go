// Package mcpserver implements the per-session MCP protocol server. Each
// accepted connection gets a freshly constructed Server bound to one
// authenticated principal; transports feed it decoded JSON-RPC messages and
// write back whatever it returns.
package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/voyago/agent-gateway/internal/jsonrpc"
	"github.com/voyago/agent-gateway/internal/logctx"
	"github.com/voyago/agent-gateway/internal/principal"
)

// ErrNotInitialized indicates a request arrived before the initialize handshake.
var ErrNotInitialized = errors.New("session not initialized")

// ServerInfo identifies this gateway to clients.
var ServerInfo = ImplementationInfo{Name: "voyago-agent-gateway", Version: "1.4.0", Title: "Voyago Agent Gateway"}

// Server handles the MCP conversation for a single session.
type Server struct {
	p     *principal.Principal
	tools *ToolSet
	log   *slog.Logger

	mu          sync.Mutex
	initialized bool
}

// New constructs a protocol server bound to an authenticated principal.
func New(p *principal.Principal, tools *ToolSet, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{p: p, tools: tools, log: log}
}

// Principal returns the authenticated principal owning this server.
func (s *Server) Principal() *principal.Principal { return s.p }

// Initialized reports whether the handshake completed.
func (s *Server) Initialized() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.initialized
}

// Initialize performs the handshake and returns the initialize result.
func (s *Server) Initialize(ctx context.Context, req *InitializeRequest) (*InitializeResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.initialized {
		return nil, fmt.Errorf("session already initialized")
	}
	s.initialized = true
	s.log.InfoContext(ctx, "session.initialize.ok",
		slog.String("client", req.ClientInfo.Name),
		slog.String("client_version", req.ClientInfo.Version))

	caps := ServerCapabilities{}
	caps.Tools = &struct {
		ListChanged bool `json:"listChanged"`
	}{ListChanged: false}

	return &InitializeResult{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    caps,
		ServerInfo:      ServerInfo,
		Instructions:    "Search, price and book Voyago travel experiences. Payment links open a hosted checkout page.",
	}, nil
}

// Handle dispatches one post-handshake JSON-RPC message. The returned
// response is nil for notifications.
func (s *Server) Handle(ctx context.Context, msg *jsonrpc.AnyMessage) (*jsonrpc.Response, error) {
	req := msg.AsRequest()
	if req == nil {
		// Client responses: this server issues no server-to-client requests,
		// so any response is unsolicited and dropped.
		s.log.WarnContext(ctx, "rpc.response.unsolicited")
		return nil, nil
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{Method: req.Method, ID: req.ID.String(), Type: msg.Type()})

	if req.ID.IsNil() {
		switch req.Method {
		case InitializedNotif, CancelledNotif:
			return nil, nil
		default:
			s.log.InfoContext(ctx, "notification.ignored")
			return nil, nil
		}
	}

	if !s.Initialized() && req.Method != InitializeMethod {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session not initialized", nil), nil
	}

	switch req.Method {
	case InitializeMethod:
		// The streamable transport calls Initialize directly; this path serves
		// transports that deliver the handshake in-band (legacy SSE, stdio).
		var initReq InitializeRequest
		if err := json.Unmarshal(req.Params, &initReq); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid initialize params", nil), nil
		}
		res, err := s.Initialize(ctx, &initReq)
		if err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidRequest, "session already initialized", nil), nil
		}
		return jsonrpc.NewResultResponse(req.ID, res)

	case PingMethod:
		return jsonrpc.NewResultResponse(req.ID, struct{}{})

	case ToolsListMethod:
		return jsonrpc.NewResultResponse(req.ID, ListToolsResult{Tools: s.tools.Descriptors()})

	case ToolsCallMethod:
		var call CallToolRequest
		if err := json.Unmarshal(req.Params, &call); err != nil {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, "invalid tools/call params", nil), nil
		}
		ctx := logctx.WithToolCallData(ctx, &logctx.ToolCallData{ToolName: call.Name})
		res, err := s.tools.Call(ctx, s.p, &call)
		if err != nil {
			if errors.Is(err, errToolNotFound) {
				return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInvalidParams, fmt.Sprintf("unknown tool: %s", call.Name), nil), nil
			}
			s.log.ErrorContext(ctx, "tool.call.fail", slog.String("err", err.Error()))
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "tool execution failed", nil), nil
		}
		s.log.InfoContext(ctx, "tool.call.ok")
		return jsonrpc.NewResultResponse(req.ID, res)

	default:
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method), nil), nil
	}
}
