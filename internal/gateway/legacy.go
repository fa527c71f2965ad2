package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/voyago/agent-gateway/internal/jsonrpc"
	"github.com/voyago/agent-gateway/internal/logctx"
	"github.com/voyago/agent-gateway/internal/mcpserver"
)

// handleSSE serves GET /sse, the deprecated long-lived transport. The
// connection itself is the session: a server is registered for its lifetime
// and every response travels back over this stream. The first event tells the
// client where to post messages.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.log.InfoContext(ctx, "sse.connect.start")

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	p := h.authenticate(w, r)
	if p == nil {
		return
	}

	sess := &sseSession{
		id:  uuid.NewString(),
		srv: mcpserver.New(p, h.tools, h.log),
		out: &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx},
	}
	h.legacy.Put(sess.id, sess)
	// Connection teardown and explicit close converge here; Remove is a
	// no-op the second time.
	defer h.legacy.Remove(sess.id)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.id,
		Principal: p.Name,
		Transport: "sse",
	})

	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	if err := writeSSEEvent(sess.out, "endpoint", []byte("/messages?sessionId="+sess.id)); err != nil {
		h.log.ErrorContext(ctx, "sse.endpoint.write.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "sse.connect.ok")
	<-ctx.Done()
	h.log.InfoContext(ctx, "sse.disconnect")
}

// handleMessages serves POST /messages?sessionId=, the inbound half of the
// deprecated transport. Responses go out over the session's event stream;
// the POST itself is only acknowledged.
func (h *Handler) handleMessages(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "messages.post.start")

	if p := h.authenticate(w, r); p == nil {
		return
	}

	sessID := r.URL.Query().Get("sessionId")
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing sessionId")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, ok := h.legacy.Get(sessID)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "unknown session id")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.id,
		Principal: sess.srv.Principal().Name,
		Transport: "sse",
	})

	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	res, err := sess.srv.Handle(ctx, &msg)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to handle message")
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		return
	}

	if res != nil {
		b, mErr := json.Marshal(res)
		if mErr != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to encode response")
			h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", mErr.Error()))
			return
		}
		if err := writeSSEEvent(sess.out, "message", b); err != nil {
			// The stream died under us; the connection close callback will
			// drop the session.
			writeJSONError(w, http.StatusGone, "session stream closed")
			h.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}

	w.WriteHeader(http.StatusAccepted)
	h.log.InfoContext(ctx, "messages.post.ok", slog.Duration("dur", time.Since(start)))
}
