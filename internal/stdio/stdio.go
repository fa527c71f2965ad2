// Package stdio runs one protocol server over a newline-delimited JSON-RPC
// byte stream, for direct process-to-process embedding without any network
// listener.
package stdio

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/voyago/agent-gateway/internal/jsonrpc"
	"github.com/voyago/agent-gateway/internal/mcpserver"
)

// maxLineBytes bounds a single inbound message.
const maxLineBytes = 16 << 20

// Handler is a single-connection transport that reads JSON-RPC messages from
// an io.Reader and writes responses to an io.Writer. It is transport-only:
// all protocol semantics, the handshake included, live in the server.
type Handler struct {
	in  io.Reader
	out io.Writer
	srv *mcpserver.Server
	log *slog.Logger

	mu sync.Mutex
}

func NewHandler(in io.Reader, out io.Writer, srv *mcpserver.Server, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	return &Handler{in: in, out: out, srv: srv, log: log}
}

// Serve runs the event loop until EOF on the reader or the context is
// canceled. Safe to call at most once per Handler.
func (h *Handler) Serve(ctx context.Context) error {
	sc := bufio.NewScanner(h.in)
	sc.Buffer(make([]byte, 0, 64<<10), maxLineBytes)

	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
			if wErr := h.write(jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "parse error", nil)); wErr != nil {
				return wErr
			}
			continue
		}

		res, err := h.srv.Handle(ctx, &msg)
		if err != nil {
			h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
			res = jsonrpc.NewErrorResponse(msg.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
		}
		if res == nil {
			continue
		}
		if err := h.write(res); err != nil {
			return err
		}
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("read message stream: %w", err)
	}
	return nil
}

// write emits one newline-terminated response frame.
func (h *Handler) write(res *jsonrpc.Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, err := h.out.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write response: %w", err)
	}
	return nil
}
