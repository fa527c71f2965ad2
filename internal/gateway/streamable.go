package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/voyago/agent-gateway/internal/jsonrpc"
	"github.com/voyago/agent-gateway/internal/logctx"
	"github.com/voyago/agent-gateway/internal/mcpserver"
	"github.com/voyago/agent-gateway/internal/principal"
)

// handleStreamPost serves POST /: the session handshake and every subsequent
// client-to-server message of the streamable transport.
func (h *Handler) handleStreamPost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.post.start")

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeJSONError(w, http.StatusUnsupportedMediaType, "content-type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	p := h.authenticate(w, r)
	if p == nil {
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeJSONError(w, http.StatusBadRequest, "JSON-RPC batch arrays are forbidden on streamable HTTP transport")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		h.initializeStreamSession(ctx, w, p, &msg, start)
		return
	}

	sess, ok := h.streamable.Get(sessID)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "unknown session id")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.id,
		Principal: sess.srv.Principal().Name,
		Transport: "streamable",
	})
	h.log.InfoContext(ctx, "session.load.ok")

	if req := msg.AsRequest(); req != nil && req.Method == mcpserver.InitializeMethod {
		writeJSONError(w, http.StatusConflict, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	req := msg.AsRequest()
	if req == nil || req.ID.IsNil() {
		// Notifications and client responses are accepted and never answered.
		if _, err := sess.srv.Handle(ctx, &msg); err != nil {
			writeJSONError(w, http.StatusInternalServerError, "failed to handle message")
			h.log.ErrorContext(ctx, "notification.inbound.fail", slog.String("err", err.Error()))
			return
		}
		w.Header().Set(mcpProtocolVersionHeader, mcpserver.ProtocolVersion)
		w.WriteHeader(http.StatusAccepted)
		h.log.InfoContext(ctx, "notification.inbound.ok", slog.Duration("dur", time.Since(start)))
		return
	}

	res, err := sess.srv.Handle(ctx, &msg)
	if err != nil {
		h.log.ErrorContext(ctx, "rpc.inbound.fail", slog.String("err", err.Error()))
		res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "internal server error", nil)
	}

	w.Header().Set(mcpProtocolVersionHeader, mcpserver.ProtocolVersion)

	// Requests are answered over an event stream when the client accepts
	// one, otherwise as a plain JSON body.
	if _, _, accErr := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); r.Header.Get("Accept") != "" && accErr == nil {
		f, ok := w.(http.Flusher)
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			h.log.ErrorContext(ctx, "sse.flusher.missing")
			return
		}
		sseHeaders(w)
		w.WriteHeader(http.StatusOK)
		wf := &lockedWriteFlusher{Writer: w, Flusher: f, ctx: ctx}

		b, mErr := json.Marshal(res)
		if mErr != nil {
			h.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", mErr.Error()))
			return
		}
		if err := writeSSEEvent(wf, "", b); err != nil {
			h.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	} else {
		w.Header().Set("Content-Type", jsonMediaType.String())
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(res); err != nil {
			h.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
			return
		}
	}
	h.log.InfoContext(ctx, "rpc.inbound.ok", slog.Duration("dur", time.Since(start)))
}

// initializeStreamSession handles the no-session-header arm of POST /: only
// an initialize request may open a conversation.
func (h *Handler) initializeStreamSession(ctx context.Context, w http.ResponseWriter, p *principal.Principal, msg *jsonrpc.AnyMessage, start time.Time) {
	req := msg.AsRequest()
	if req == nil || req.Method != mcpserver.InitializeMethod {
		writeJSONError(w, http.StatusBadRequest, "expected initialize request")
		h.log.InfoContext(ctx, "session.initialize.invalid")
		return
	}

	var initReq mcpserver.InitializeRequest
	if err := json.Unmarshal(req.Params, &initReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid initialize params")
		h.log.InfoContext(ctx, "session.initialize.params.fail", slog.String("err", err.Error()))
		return
	}

	srv := mcpserver.New(p, h.tools, h.log)
	initRes, err := srv.Initialize(ctx, &initReq)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "failed to initialize session")
		h.log.ErrorContext(ctx, "session.initialize.fail", slog.String("err", err.Error()))
		return
	}

	sess := &streamSession{id: uuid.NewString(), srv: srv}
	h.streamable.Put(sess.id, sess)

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.id,
		Principal: p.Name,
		Transport: "streamable",
	})

	resp, err := jsonrpc.NewResultResponse(req.ID, initRes)
	if err != nil {
		h.streamable.Remove(sess.id)
		writeJSONError(w, http.StatusInternalServerError, "failed to encode initialize response")
		h.log.ErrorContext(ctx, "session.initialize.encode.fail", slog.String("err", err.Error()))
		return
	}

	w.Header().Set(mcpSessionIDHeader, sess.id)
	w.Header().Set(mcpProtocolVersionHeader, initRes.ProtocolVersion)
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.log.ErrorContext(ctx, "session.initialize.write.fail", slog.String("err", err.Error()))
	}
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleStreamGet serves GET /: an optional server-to-client event stream for
// an established session. This server issues no unsolicited messages, so the
// stream simply stays open until the client goes away.
func (h *Handler) handleStreamGet(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	f, ok := w.(http.Flusher)
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	if p := h.authenticate(w, r); p == nil {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}
	sess, ok := h.streamable.Get(sessID)
	if !ok {
		writeJSONError(w, http.StatusBadRequest, "unknown session id")
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{
		SessionID: sess.id,
		Principal: sess.srv.Principal().Name,
		Transport: "streamable",
	})

	w.Header().Set(mcpProtocolVersionHeader, mcpserver.ProtocolVersion)
	sseHeaders(w)
	w.WriteHeader(http.StatusOK)
	f.Flush()

	h.log.InfoContext(ctx, "sse.stream.open")
	<-ctx.Done()
	h.log.InfoContext(ctx, "sse.stream.close")
}

// handleStreamDelete serves DELETE /: explicit session teardown. Removal is
// idempotent, so deleting an already-removed session still succeeds.
func (h *Handler) handleStreamDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	h.log.InfoContext(ctx, "http.delete.start")

	if p := h.authenticate(w, r); p == nil {
		return
	}

	sessID := r.Header.Get(mcpSessionIDHeader)
	if sessID == "" {
		writeJSONError(w, http.StatusBadRequest, "missing session id")
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}

	if !h.streamable.Remove(sessID) {
		h.log.InfoContext(ctx, "session.delete.miss")
	}
	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "http.delete.ok", slog.Duration("dur", time.Since(start)))
}
