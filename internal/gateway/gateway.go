// Package gateway multiplexes every HTTP surface of the agent gateway onto a
// single router: the streamable protocol endpoint, the deprecated SSE
// transport, the embedded OAuth server, hosted checkout pages, the image
// proxy and the health check.
package gateway

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/elnormous/contenttype"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/voyago/agent-gateway/internal/authserver"
	"github.com/voyago/agent-gateway/internal/checkout"
	"github.com/voyago/agent-gateway/internal/imageproxy"
	"github.com/voyago/agent-gateway/internal/logctx"
	"github.com/voyago/agent-gateway/internal/mcpserver"
	"github.com/voyago/agent-gateway/internal/principal"
	"github.com/voyago/agent-gateway/internal/sessions"
)

const (
	mcpSessionIDHeader       = "Mcp-Session-Id"
	mcpProtocolVersionHeader = "Mcp-Protocol-Version"
	authorizationHeader      = "Authorization"
	wwwAuthenticateHeader    = "WWW-Authenticate"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

// writeJSONError emits a minimal JSON body for HTTP-layer rejections that
// happen before any JSON-RPC exchange is possible. Transport-level, not
// JSON-RPC framing. Shape: {"error":{"code":<httpStatus>,"message":"..."}}
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	if ct := w.Header().Get("Content-Type"); ct == "" || ct == jsonMediaType.String() {
		w.Header().Set("Content-Type", jsonMediaType.String())
	}
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// streamSession is a live streamable-HTTP conversation: the protocol server
// plus the name of the principal it was created for.
type streamSession struct {
	id  string
	srv *mcpserver.Server
}

// sseSession additionally owns the long-lived event stream every response is
// delivered over.
type sseSession struct {
	id  string
	srv *mcpserver.Server
	out *lockedWriteFlusher
}

type Handler struct {
	router   chi.Router
	log      *slog.Logger
	resolver *principal.Resolver
	auth     *authserver.Server
	checkout *checkout.Gateway
	tools    *mcpserver.ToolSet

	streamable *sessions.Registry[*streamSession]
	legacy     *sessions.Registry[*sseSession]

	prmURL string
}

// New wires every endpoint onto a chi router and returns the root handler.
func New(baseURL string, resolver *principal.Resolver, auth *authserver.Server, co *checkout.Gateway, tools *mcpserver.ToolSet, log *slog.Logger) *Handler {
	if log == nil {
		log = slog.Default()
	}
	h := &Handler{
		log:        slog.New(logctx.Handler{Handler: log.Handler()}),
		resolver:   resolver,
		auth:       auth,
		checkout:   co,
		tools:      tools,
		streamable: sessions.NewRegistry[*streamSession](),
		legacy:     sessions.NewRegistry[*sseSession](),
		prmURL:     baseURL + "/.well-known/oauth-protected-resource",
	}

	img := imageproxy.New(h.log)

	r := chi.NewRouter()
	r.Use(requestData)

	r.Get("/.well-known/oauth-protected-resource", auth.HandleProtectedResourceMetadata)
	r.Get("/.well-known/oauth-authorization-server", auth.HandleAuthServerMetadata)
	r.Post("/oauth/register", auth.HandleRegister)
	for _, p := range []string{"/authorize", "/oauth/authorize"} {
		r.Get(p, auth.HandleAuthorizeGet)
		r.Post(p, auth.HandleAuthorizePost)
	}
	r.Post("/oauth/token", auth.HandleToken)

	r.Get("/image-proxy", img.ServeHTTP)

	r.Get("/checkout/{token}", co.HandlePage)
	r.Get("/checkout/{token}/success", co.HandleSuccess)

	r.Get("/health", handleHealth)

	r.Post("/", h.handleStreamPost)
	r.Get("/", h.handleStreamGet)
	r.Delete("/", h.handleStreamDelete)

	r.Get("/sse", h.handleSSE)
	r.Post("/messages", h.handleMessages)

	h.router = r
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.router.ServeHTTP(w, r)
}

// requestData stamps every request context with the fields the logctx
// handler appends under the req group.
func requestData(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		next.ServeHTTP(w, r.WithContext(logctx.WithRequestData(r.Context(), &logctx.RequestData{
			RequestID:  uuid.NewString(),
			Method:     r.Method,
			UserAgent:  r.UserAgent(),
			RemoteAddr: r.RemoteAddr,
			Path:       r.URL.Path,
		})))
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	_, _ = w.Write([]byte(`{"status":"ok"}` + "\n"))
}

// bearerChallenge builds a Bearer challenge header value carrying the
// protected-resource metadata URL and optional RFC 6750 error params.
func (h *Handler) bearerChallenge(params map[string]string) string {
	esc := func(v string) string { return strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(v) }
	pieces := []string{fmt.Sprintf(`resource_metadata="%s"`, esc(h.prmURL))}
	if v, ok := params["error"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error="%s"`, esc(v)))
	}
	if v, ok := params["error_description"]; ok {
		pieces = append(pieces, fmt.Sprintf(`error_description="%s"`, esc(v)))
	}
	return "Bearer " + strings.Join(pieces, ", ")
}

// authenticate resolves the request's bearer credential to a principal. An
// absent header is passed through empty so environment credentials can apply.
// On failure it writes the challenge response and returns nil.
func (h *Handler) authenticate(w http.ResponseWriter, r *http.Request) *principal.Principal {
	ctx := r.Context()
	header := r.Header.Get(authorizationHeader)

	var tok string
	if header != "" {
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(header, bearerPrefix) || strings.TrimSpace(header[len(bearerPrefix):]) == "" {
			h.log.InfoContext(ctx, "auth.check.invalid", slog.String("err", "malformed bearer authorization header"))
			w.Header().Add(wwwAuthenticateHeader, h.bearerChallenge(map[string]string{
				"error":             "invalid_request",
				"error_description": "malformed bearer authorization header",
			}))
			writeJSONError(w, http.StatusBadRequest, "malformed bearer authorization header")
			return nil
		}
		tok = strings.TrimSpace(header[len(bearerPrefix):])
	}

	p, err := h.resolver.Resolve(ctx, tok)
	if err != nil {
		h.log.InfoContext(ctx, "auth.fail", slog.String("err", err.Error()))
		if header == "" {
			// RFC 6750: no credentials presented, challenge without an
			// error code.
			w.Header().Add(wwwAuthenticateHeader, h.bearerChallenge(nil))
		} else {
			w.Header().Add(wwwAuthenticateHeader, h.bearerChallenge(map[string]string{
				"error":             "invalid_token",
				"error_description": "token rejected",
			}))
		}
		writeJSONError(w, http.StatusUnauthorized, "authentication required")
		return nil
	}
	h.log.InfoContext(ctx, "auth.ok", slog.String("principal", p.Name))
	return p
}
