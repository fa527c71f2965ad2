package authserver

import (
	"encoding/json"
	"fmt"
	"net/http"
)

// OAuth 2.0 error codes used by this authorization server (RFC 6749 §5.2,
// RFC 7591 §3.2.2).
const (
	ErrCodeInvalidRequest        = "invalid_request"
	ErrCodeInvalidClient         = "invalid_client"
	ErrCodeInvalidGrant          = "invalid_grant"
	ErrCodeUnauthorizedClient    = "unauthorized_client"
	ErrCodeUnsupportedGrant      = "unsupported_grant_type"
	ErrCodeAccessDenied          = "access_denied"
	ErrCodeInvalidClientMetadata = "invalid_client_metadata"
	ErrCodeServerError           = "server_error"
)

// Error is an RFC 6749 structured error. It renders as a JSON body on direct
// responses and as query parameters on authorize-endpoint redirects.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

func (e *Error) Error() string {
	if e.Description != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Description)
	}
	return e.Code
}

func oauthErr(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// writeError emits a structured OAuth error body with the given HTTP status.
func writeError(w http.ResponseWriter, status int, e *Error) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(e)
}
