// Package authserver embeds a miniature OAuth 2.0 authorization server in the
// gateway: discovery metadata, dynamic client registration (RFC 7591), an
// authorization endpoint with a login form, and a token endpoint covering the
// authorization_code (PKCE S256), refresh_token and client_credentials
// grants. Tokens are sealed self-describing credentials, so only client
// registrations and pending authorization codes live in memory.
package authserver

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/voyago/agent-gateway/internal/principal"
	"github.com/voyago/agent-gateway/internal/tokencrypt"
)

const (
	codeTTL      = 10 * time.Minute
	loginFormTTL = 10 * time.Minute
	accessTTL    = time.Hour
	refreshTTL   = 30 * 24 * time.Hour
)

// Server is the authorization server state machine: a client registry, a
// single-use code store and the token sealer, with one method per endpoint.
type Server struct {
	baseURL          string
	resolver         *principal.Resolver
	sealer           *tokencrypt.Sealer
	log              *slog.Logger
	st               *store
	formSecret       []byte
	metadata         AuthServerMetadata
	resourceMetadata ProtectedResourceMetadata
	now              func() time.Time
}

// New constructs the authorization server. sealKey both seals tokens (through
// sealer) and derives the HMAC secret protecting the login-form roundtrip.
func New(baseURL string, resolver *principal.Resolver, sealer *tokencrypt.Sealer, sealKey []byte, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	fs := sha256.Sum256(append(append([]byte{}, sealKey...), []byte("/authorize-state")...))
	asm, prm := buildMetadata(baseURL)
	return &Server{
		baseURL:          baseURL,
		resolver:         resolver,
		sealer:           sealer,
		log:              log,
		st:               newStore(),
		formSecret:       fs[:],
		metadata:         asm,
		resourceMetadata: prm,
		now:              time.Now,
	}
}

// registrationRequest is the RFC 7591 client metadata this server accepts.
type registrationRequest struct {
	ClientName              string   `json:"client_name"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

type registrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientName              string   `json:"client_name,omitempty"`
	RedirectURIs            []string `json:"redirect_uris"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
}

// HandleRegister serves POST /oauth/register.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var req registrationRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidRequest, "request body must be a JSON client metadata document"))
		return
	}
	if len(req.RedirectURIs) == 0 {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidClientMetadata, "redirect_uris is required"))
		return
	}
	for _, raw := range req.RedirectURIs {
		if !validRedirectURI(raw) {
			writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidClientMetadata, "redirect_uris entries must be absolute https URLs (http allowed for loopback)"))
			return
		}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}
	switch authMethod {
	case "none", "client_secret_post", "client_secret_basic":
	default:
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidClientMetadata, "unsupported token_endpoint_auth_method"))
		return
	}

	reg := &ClientRegistration{
		ClientID:     uuid.NewString(),
		ClientName:   req.ClientName,
		RedirectURIs: req.RedirectURIs,
		AuthMethod:   authMethod,
		CreatedAt:    s.now(),
	}
	if authMethod != "none" {
		reg.ClientSecret = uuid.NewString() + uuid.NewString()
	}
	// A registration request that itself presents a valid credential binds
	// the client to that credential, enabling the client_credentials grant.
	if bearer := bearerToken(r); bearer != "" {
		if key, err := s.resolver.UnderlyingKey(bearer); err == nil {
			if _, err := s.resolver.Resolve(r.Context(), bearer); err == nil {
				reg.BoundKey = key
			}
		}
	}
	s.st.putClient(reg)
	s.log.InfoContext(r.Context(), "oauth.register.ok",
		slog.String("client_id", reg.ClientID),
		slog.String("client_name", reg.ClientName),
		slog.Bool("confidential", reg.Confidential()))

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(registrationResponse{
		ClientID:                reg.ClientID,
		ClientSecret:            reg.ClientSecret,
		ClientName:              reg.ClientName,
		RedirectURIs:            reg.RedirectURIs,
		TokenEndpointAuthMethod: reg.AuthMethod,
		ClientIDIssuedAt:        reg.CreatedAt.Unix(),
	})
}

func validRedirectURI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || u.Fragment != "" {
		return false
	}
	switch u.Scheme {
	case "https":
		return true
	case "http":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	default:
		return false
	}
}

// authorizeState carries the validated authorization request through the
// login-form roundtrip as a signed JWT in a hidden field.
type authorizeState struct {
	ClientID    string `json:"cid"`
	RedirectURI string `json:"ruri"`
	State       string `json:"st,omitempty"`
	Scope       string `json:"scope,omitempty"`
	Challenge   string `json:"chal"`
	jwt.RegisteredClaims
}

func (s *Server) signState(st *authorizeState) (string, error) {
	st.ExpiresAt = jwt.NewNumericDate(s.now().Add(loginFormTTL))
	st.IssuedAt = jwt.NewNumericDate(s.now())
	return jwt.NewWithClaims(jwt.SigningMethodHS256, st).SignedString(s.formSecret)
}

func (s *Server) parseState(tok string) (*authorizeState, error) {
	var st authorizeState
	_, err := jwt.ParseWithClaims(tok, &st, func(t *jwt.Token) (any, error) {
		return s.formSecret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}
	return &st, nil
}

// HandleAuthorizeGet serves GET /authorize: either renders the login form or,
// when the caller already holds a valid upstream credential, redirects
// immediately with a fresh authorization code.
func (s *Server) HandleAuthorizeGet(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	redirectURI := q.Get("redirect_uri")

	// Per RFC 6749 §4.1.2.1 an unknown client or unregistered redirect URI
	// must never be redirected to.
	reg, ok := s.st.client(clientID)
	if !ok {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidRequest, "unknown client_id"))
		return
	}
	if !reg.RedirectAllowed(redirectURI) {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidRequest, "redirect_uri is not registered for this client"))
		return
	}

	state := q.Get("state")
	if q.Get("response_type") != "code" {
		s.redirectError(w, r, redirectURI, state, "unsupported_response_type", "only response_type=code is supported")
		return
	}
	challenge := q.Get("code_challenge")
	method := q.Get("code_challenge_method")
	if challenge == "" || method != "S256" {
		s.redirectError(w, r, redirectURI, state, ErrCodeInvalidRequest, "code_challenge with method S256 is required")
		return
	}

	as := &authorizeState{
		ClientID:    clientID,
		RedirectURI: redirectURI,
		State:       state,
		Scope:       q.Get("scope"),
		Challenge:   challenge,
	}

	// A caller already holding a valid upstream credential skips the form.
	if bearer := bearerToken(r); bearer != "" {
		if key, err := s.resolveBearer(r.Context(), bearer); err == nil {
			s.issueCodeRedirect(w, r, as, key)
			return
		}
	}

	signed, err := s.signState(as)
	if err != nil {
		s.log.ErrorContext(r.Context(), "oauth.authorize.state.fail", slog.String("err", err.Error()))
		s.redirectError(w, r, redirectURI, state, ErrCodeServerError, "failed to prepare login form")
		return
	}
	s.renderLoginForm(w, loginFormData{ClientName: reg.ClientName, Request: signed})
}

// HandleAuthorizePost serves POST /authorize: validates the submitted login
// form and redirects with either code or error parameters.
func (s *Server) HandleAuthorizePost(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidRequest, "malformed form body"))
		return
	}
	as, err := s.parseState(r.PostFormValue("request"))
	if err != nil {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidRequest, "login form state is missing, tampered or expired"))
		return
	}

	apiKey := strings.TrimSpace(r.PostFormValue("api_key"))
	if apiKey == "" {
		var clientName string
		if reg, ok := s.st.client(as.ClientID); ok {
			clientName = reg.ClientName
		}
		s.renderLoginForm(w, loginFormData{ClientName: clientName, Request: r.PostFormValue("request"), ErrorMessage: "Enter your partner API key."})
		return
	}
	key, err := s.resolveBearer(r.Context(), apiKey)
	if err != nil {
		s.log.InfoContext(r.Context(), "oauth.authorize.denied", slog.String("client_id", as.ClientID))
		s.redirectError(w, r, as.RedirectURI, as.State, ErrCodeAccessDenied, "the presented credential was rejected")
		return
	}
	s.issueCodeRedirect(w, r, as, key)
}

// resolveBearer validates a presented credential upstream and returns the
// underlying raw key. Both the short-circuit and form paths use it.
func (s *Server) resolveBearer(ctx context.Context, bearer string) (string, error) {
	p, err := s.resolver.Resolve(ctx, bearer)
	if err != nil {
		return "", err
	}
	return p.Client.Key(), nil
}

func (s *Server) issueCodeRedirect(w http.ResponseWriter, r *http.Request, as *authorizeState, key string) {
	code := &authorizationCode{
		code:          uuid.NewString(),
		key:           key,
		clientID:      as.ClientID,
		redirectURI:   as.RedirectURI,
		codeChallenge: as.Challenge,
		scope:         as.Scope,
		expiresAt:     s.now().Add(codeTTL),
	}
	s.st.putCode(code)
	s.log.InfoContext(r.Context(), "oauth.authorize.ok", slog.String("client_id", as.ClientID))

	u, _ := url.Parse(as.RedirectURI)
	q := u.Query()
	q.Set("code", code.code)
	if as.State != "" {
		q.Set("state", as.State)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, redirectURI, state, code, description string) {
	u, err := url.Parse(redirectURI)
	if err != nil {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidRequest, "invalid redirect_uri"))
		return
	}
	q := u.Query()
	q.Set("error", code)
	q.Set("error_description", description)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
	Scope        string `json:"scope,omitempty"`
}

// HandleToken serves POST /oauth/token.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")

	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidRequest, "malformed form body"))
		return
	}

	switch r.PostFormValue("grant_type") {
	case "authorization_code":
		s.tokenAuthorizationCode(w, r)
	case "refresh_token":
		s.tokenRefresh(w, r)
	case "client_credentials":
		s.tokenClientCredentials(w, r)
	default:
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeUnsupportedGrant, "grant_type must be authorization_code, refresh_token or client_credentials"))
	}
}

// clientFromRequest authenticates the caller of the token endpoint. Public
// clients pass with a bare client_id; confidential clients must present
// their secret via Basic auth or form fields.
func (s *Server) clientFromRequest(r *http.Request) (*ClientRegistration, *Error) {
	clientID := r.PostFormValue("client_id")
	clientSecret := r.PostFormValue("client_secret")
	if id, secret, ok := r.BasicAuth(); ok {
		clientID, clientSecret = id, secret
	}
	if clientID == "" {
		return nil, oauthErr(ErrCodeInvalidClient, "client_id is required")
	}
	reg, ok := s.st.client(clientID)
	if !ok {
		return nil, oauthErr(ErrCodeInvalidClient, "unknown client")
	}
	if reg.Confidential() {
		if subtle.ConstantTimeCompare([]byte(clientSecret), []byte(reg.ClientSecret)) != 1 {
			return nil, oauthErr(ErrCodeInvalidClient, "client authentication failed")
		}
	}
	return reg, nil
}

func (s *Server) tokenAuthorizationCode(w http.ResponseWriter, r *http.Request) {
	reg, oerr := s.clientFromRequest(r)
	if oerr != nil {
		writeError(w, http.StatusUnauthorized, oerr)
		return
	}

	codeVal := r.PostFormValue("code")
	verifier := r.PostFormValue("code_verifier")
	if codeVal == "" || verifier == "" {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidRequest, "code and code_verifier are required"))
		return
	}
	if len(verifier) < 43 || len(verifier) > 128 {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidRequest, "code_verifier length out of range"))
		return
	}

	code, ok := s.st.consumeCode(codeVal, s.now())
	if !ok {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidGrant, "authorization code is invalid, expired or already used"))
		return
	}
	if code.clientID != reg.ClientID {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidGrant, "authorization code was issued to a different client"))
		return
	}
	if ru := r.PostFormValue("redirect_uri"); ru != "" && ru != code.redirectURI {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidGrant, "redirect_uri does not match the authorization request"))
		return
	}
	if pkceS256(verifier) != code.codeChallenge {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidGrant, "PKCE verification failed"))
		return
	}

	s.writeTokenPair(w, r, code.key, code.scope, true)
}

func (s *Server) tokenRefresh(w http.ResponseWriter, r *http.Request) {
	refresh := r.PostFormValue("refresh_token")
	if refresh == "" {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidRequest, "refresh_token is required"))
		return
	}
	key, err := s.sealer.DecodeRefresh(refresh)
	if err != nil {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeInvalidGrant, "refresh token is invalid or expired"))
		return
	}
	s.writeTokenPair(w, r, key, r.PostFormValue("scope"), false)
}

func (s *Server) tokenClientCredentials(w http.ResponseWriter, r *http.Request) {
	reg, oerr := s.clientFromRequest(r)
	if oerr != nil {
		writeError(w, http.StatusUnauthorized, oerr)
		return
	}
	if !reg.Confidential() || reg.BoundKey == "" {
		writeError(w, http.StatusBadRequest, oauthErr(ErrCodeUnauthorizedClient, "client is not authorized for the client_credentials grant"))
		return
	}
	s.writeTokenPair(w, r, reg.BoundKey, r.PostFormValue("scope"), false)
}

func (s *Server) writeTokenPair(w http.ResponseWriter, r *http.Request, key, scope string, withRefresh bool) {
	access, err := s.sealer.MintAccess(key, accessTTL)
	if err != nil {
		s.log.ErrorContext(r.Context(), "oauth.token.mint.fail", slog.String("err", err.Error()))
		writeError(w, http.StatusInternalServerError, oauthErr(ErrCodeServerError, "failed to mint token"))
		return
	}
	resp := tokenResponse{AccessToken: access, TokenType: "Bearer", ExpiresIn: int64(accessTTL.Seconds()), Scope: scope}
	if withRefresh {
		refresh, err := s.sealer.MintRefresh(key, refreshTTL)
		if err != nil {
			s.log.ErrorContext(r.Context(), "oauth.token.mint.fail", slog.String("err", err.Error()))
			writeError(w, http.StatusInternalServerError, oauthErr(ErrCodeServerError, "failed to mint token"))
			return
		}
		resp.RefreshToken = refresh
	}
	s.log.InfoContext(r.Context(), "oauth.token.ok")
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

func pkceS256(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}
