package gateway

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/voyago/agent-gateway/internal/authserver"
	"github.com/voyago/agent-gateway/internal/checkout"
	"github.com/voyago/agent-gateway/internal/jsonrpc"
	"github.com/voyago/agent-gateway/internal/mcpserver"
	"github.com/voyago/agent-gateway/internal/partnerapi"
	"github.com/voyago/agent-gateway/internal/principal"
	"github.com/voyago/agent-gateway/internal/tokencrypt"
)

const goodKey = "vg_live_good"

func newTestHandler(t *testing.T, envKey string) *Handler {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/partner/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+goodKey {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"display_name": "Acme Tours"})
	})
	mux.HandleFunc("GET /v1/experiences", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]partnerapi.Experience{{ID: "exp_1", Title: "Canal cruise"}})
	})
	upstream := httptest.NewServer(mux)
	t.Cleanup(upstream.Close)

	sealKey := bytes.Repeat([]byte{0x42}, 32)
	sealer, err := tokencrypt.NewSealer(sealKey)
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	resolver := principal.NewResolver(partnerapi.NewProvisioner(upstream.URL, "p_1"), sealer, envKey)

	const baseURL = "http://localhost:8080"
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	auth := authserver.New(baseURL, resolver, sealer, sealKey, log)
	co := checkout.New(baseURL, sealer, resolver, log)
	return New(baseURL, resolver, auth, co, mcpserver.MarketplaceToolSet(co), log)
}

func rpcBody(t *testing.T, id any, method string, params any) *bytes.Reader {
	t.Helper()
	m := map[string]any{"jsonrpc": "2.0", "method": method}
	if id != nil {
		m["id"] = id
	}
	if params != nil {
		m["params"] = params
	}
	b, err := json.Marshal(m)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(b)
}

func initParams() map[string]any {
	return map[string]any{
		"protocolVersion": mcpserver.ProtocolVersion,
		"clientInfo":      map[string]any{"name": "test-client", "version": "0.0.1"},
		"capabilities":    map[string]any{},
	}
}

// post sends one streamable-transport message and returns the recorder.
func post(t *testing.T, h *Handler, sessID string, bearer string, body io.Reader) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", "application/json")
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	if sessID != "" {
		req.Header.Set("Mcp-Session-Id", sessID)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func initSession(t *testing.T, h *Handler, bearer string) string {
	t.Helper()
	rec := post(t, h, "", bearer, rpcBody(t, 1, "initialize", initParams()))
	if rec.Code != http.StatusOK {
		t.Fatalf("initialize status: %d body: %s", rec.Code, rec.Body.String())
	}
	sessID := rec.Header().Get("Mcp-Session-Id")
	if sessID == "" {
		t.Fatal("initialize response missing Mcp-Session-Id header")
	}
	return sessID
}

func TestHandshakeThenReuse(t *testing.T) {
	h := newTestHandler(t, "")
	sessID := initSession(t, h, goodKey)

	rec := post(t, h, sessID, goodKey, rpcBody(t, 2, "tools/call", map[string]any{
		"name":      "search_experiences",
		"arguments": map[string]any{"query": "canal"},
	}))
	if rec.Code != http.StatusOK {
		t.Fatalf("tools/call status: %d body: %s", rec.Code, rec.Body.String())
	}
	var resp jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("tools/call error: %+v", resp.Error)
	}
	if !strings.Contains(string(resp.Result), "Canal cruise") {
		t.Errorf("result missing upstream data: %s", resp.Result)
	}

	sess, ok := h.streamable.Get(sessID)
	if !ok {
		t.Fatal("session not registered")
	}
	if got := sess.srv.Principal().Client.Key(); got != goodKey {
		t.Errorf("session principal key: %s", got)
	}
}

func TestFirstMessageMustBeInitialize(t *testing.T) {
	h := newTestHandler(t, "")
	rec := post(t, h, "", goodKey, rpcBody(t, 1, "tools/list", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "expected initialize request") {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestUnknownSessionRejected(t *testing.T) {
	h := newTestHandler(t, "")
	initSession(t, h, goodKey)

	rec := post(t, h, "not-a-real-session", goodKey, rpcBody(t, 2, "ping", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "unknown session id") {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestRedundantInitializeRejected(t *testing.T) {
	h := newTestHandler(t, "")
	sessID := initSession(t, h, goodKey)

	rec := post(t, h, sessID, goodKey, rpcBody(t, 2, "initialize", initParams()))
	if rec.Code != http.StatusConflict {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestDeleteSessionIdempotent(t *testing.T) {
	h := newTestHandler(t, "")
	sessID := initSession(t, h, goodKey)

	del := func() int {
		req := httptest.NewRequest(http.MethodDelete, "/", nil)
		req.Header.Set("Authorization", "Bearer "+goodKey)
		req.Header.Set("Mcp-Session-Id", sessID)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := del(); code != http.StatusNoContent {
		t.Fatalf("first delete status: %d", code)
	}
	if code := del(); code != http.StatusNoContent {
		t.Fatalf("second delete status: %d", code)
	}

	// The identifier is permanently invalid after removal.
	rec := post(t, h, sessID, goodKey, rpcBody(t, 2, "ping", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("reuse after delete status: %d", rec.Code)
	}
}

func TestAuthChallenges(t *testing.T) {
	h := newTestHandler(t, "")

	t.Run("no credentials", func(t *testing.T) {
		rec := post(t, h, "", "", rpcBody(t, 1, "initialize", initParams()))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status: %d", rec.Code)
		}
		chal := rec.Header().Get("WWW-Authenticate")
		if !strings.HasPrefix(chal, "Bearer") || !strings.Contains(chal, "resource_metadata=") {
			t.Errorf("challenge: %q", chal)
		}
		if strings.Contains(chal, "error=") {
			t.Errorf("bare challenge should carry no error code: %q", chal)
		}
	})

	t.Run("bad key", func(t *testing.T) {
		rec := post(t, h, "", "vg_live_wrong", rpcBody(t, 1, "initialize", initParams()))
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("status: %d", rec.Code)
		}
		if chal := rec.Header().Get("WWW-Authenticate"); !strings.Contains(chal, `error="invalid_token"`) {
			t.Errorf("challenge: %q", chal)
		}
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/", rpcBody(t, 1, "initialize", initParams()))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("status: %d", rec.Code)
		}
		if chal := rec.Header().Get("WWW-Authenticate"); !strings.Contains(chal, `error="invalid_request"`) {
			t.Errorf("challenge: %q", chal)
		}
	})
}

func TestEnvFallback(t *testing.T) {
	h := newTestHandler(t, goodKey)

	rec := post(t, h, "", "", rpcBody(t, 1, "initialize", initParams()))
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	sess, ok := h.streamable.Get(rec.Header().Get("Mcp-Session-Id"))
	if !ok {
		t.Fatal("session not registered")
	}
	if got := sess.srv.Principal().Name; got != principal.EnvPrincipalName {
		t.Errorf("principal name: %s", got)
	}
}

func TestNotificationAccepted(t *testing.T) {
	h := newTestHandler(t, "")
	sessID := initSession(t, h, goodKey)

	rec := post(t, h, sessID, goodKey, rpcBody(t, nil, "notifications/initialized", nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status: %d body: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.Len() != 0 {
		t.Errorf("notification response should have no body: %s", rec.Body.String())
	}
}

func TestRequestAnsweredOverSSEWhenAccepted(t *testing.T) {
	h := newTestHandler(t, "")
	sessID := initSession(t, h, goodKey)

	req := httptest.NewRequest(http.MethodPost, "/", rpcBody(t, 2, "ping", nil))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Authorization", "Bearer "+goodKey)
	req.Header.Set("Mcp-Session-Id", sessID)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type: %s", ct)
	}
	if !strings.Contains(rec.Body.String(), `data: {"jsonrpc":"2.0"`) {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestBatchRejected(t *testing.T) {
	h := newTestHandler(t, "")
	rec := post(t, h, "", goodKey, strings.NewReader(`[{"jsonrpc":"2.0","id":1,"method":"ping"}]`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}

func TestHealth(t *testing.T) {
	h := newTestHandler(t, "")
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status: %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body["status"] != "ok" {
		t.Errorf("body: %s", rec.Body.String())
	}
}

func TestMetadataRoutes(t *testing.T) {
	h := newTestHandler(t, "")
	for _, path := range []string{
		"/.well-known/oauth-authorization-server",
		"/.well-known/oauth-protected-resource",
	} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status: %d", path, rec.Code)
		}
	}
}

// readSSEEvent reads one "event:"/"data:" frame from a live stream.
func readSSEEvent(t *testing.T, br *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("read SSE stream: %v", err)
		}
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case line == "" && data != "":
			return event, data
		}
	}
}

func TestLegacySSETransport(t *testing.T) {
	h := newTestHandler(t, "")
	srv := httptest.NewServer(h)
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL+"/sse", nil)
	req.Header.Set("Authorization", "Bearer "+goodKey)
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("open sse stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sse status: %d", res.StatusCode)
	}

	br := bufio.NewReader(res.Body)
	event, endpoint := readSSEEvent(t, br)
	if event != "endpoint" {
		t.Fatalf("first event: %s", event)
	}
	if !strings.HasPrefix(endpoint, "/messages?sessionId=") {
		t.Fatalf("endpoint event: %s", endpoint)
	}

	postMsg := func(body io.Reader) int {
		req, _ := http.NewRequest(http.MethodPost, srv.URL+endpoint, body)
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+goodKey)
		res, err := srv.Client().Do(req)
		if err != nil {
			t.Fatalf("post message: %v", err)
		}
		defer res.Body.Close()
		return res.StatusCode
	}

	if code := postMsg(rpcBody(t, 1, "initialize", initParams())); code != http.StatusAccepted {
		t.Fatalf("initialize post status: %d", code)
	}
	if event, data := readSSEEvent(t, br); event != "message" || !strings.Contains(data, "voyago-agent-gateway") {
		t.Fatalf("initialize response event=%s data=%s", event, data)
	}

	if code := postMsg(rpcBody(t, 2, "tools/list", nil)); code != http.StatusAccepted {
		t.Fatalf("tools/list post status: %d", code)
	}
	if _, data := readSSEEvent(t, br); !strings.Contains(data, "search_experiences") {
		t.Fatalf("tools/list response: %s", data)
	}

	if code := postMsg(strings.NewReader(fmt.Sprintf(`{"sessionId":%q}`, endpoint))); code != http.StatusBadRequest {
		t.Fatalf("malformed message post status: %d", code)
	}
}

func TestLegacyMessagesUnknownSession(t *testing.T) {
	h := newTestHandler(t, "")
	req := httptest.NewRequest(http.MethodPost, "/messages?sessionId=nope", rpcBody(t, 1, "ping", nil))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+goodKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status: %d", rec.Code)
	}
}
