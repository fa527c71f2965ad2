// Package principal resolves bearer tokens into authenticated principals.
//
// A bearer token is one of two shapes, decided by a prefix check: a raw
// partner API key (vg_live_* / vg_test_*) or a sealed access token minted by
// the embedded authorization server. Both shapes resolve to the same thing, a
// scoped partner API client, through the same provisioning call.
package principal

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/voyago/agent-gateway/internal/partnerapi"
	"github.com/voyago/agent-gateway/internal/tokencrypt"
)

// ErrUnauthenticated indicates the presented credential (or its absence)
// does not resolve to a principal. A failed resolution is always this error,
// never a crash.
var ErrUnauthenticated = errors.New("authentication required")

// Kind labels the originating credential of a principal.
type Kind string

const (
	KindRawKey      Kind = "raw_key"
	KindAccessToken Kind = "access_token"
	KindEnv         Kind = "env"
)

// EnvPrincipalName is the display name of the environment-credential fallback.
const EnvPrincipalName = "env"

// Raw API key prefixes. Live and test keys resolve identically; the prefix
// only distinguishes a directly issued key from a sealed token.
const (
	livePrefix = "vg_live_"
	testPrefix = "vg_test_"
)

// Principal is an authenticated caller: a capability client scoped to one
// partner account plus a human-readable name. Principals are per-connection
// and never persisted.
type Principal struct {
	Client *partnerapi.Client
	Name   string
	Kind   Kind
}

// Resolver turns bearer tokens into principals.
type Resolver struct {
	prov   *partnerapi.Provisioner
	sealer *tokencrypt.Sealer
	envKey string
}

// NewResolver constructs a Resolver. envKey, when non-empty, enables the
// environment-credential fallback for tokenless connections; it must stay
// empty in multi-tenant deployments.
func NewResolver(prov *partnerapi.Provisioner, sealer *tokencrypt.Sealer, envKey string) *Resolver {
	return &Resolver{prov: prov, sealer: sealer, envKey: envKey}
}

// IsRawKey reports whether tok has the shape of a directly issued API key.
func IsRawKey(tok string) bool {
	return strings.HasPrefix(tok, livePrefix) || strings.HasPrefix(tok, testPrefix)
}

// UnderlyingKey returns the raw partner API key a bearer token stands for:
// the token itself for raw keys, the embedded key for sealed access tokens.
// Resolve uses exactly this function, so the two paths can never disagree on
// the key a token authenticates as.
func (r *Resolver) UnderlyingKey(tok string) (string, error) {
	if IsRawKey(tok) {
		return tok, nil
	}
	key, err := r.sealer.DecodeAccess(tok)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}
	return key, nil
}

// Resolve authenticates a bearer token. An empty token resolves to the fixed
// environment principal when env credentials are configured, and fails
// otherwise.
func (r *Resolver) Resolve(ctx context.Context, bearer string) (*Principal, error) {
	if bearer == "" {
		if r.envKey == "" {
			return nil, ErrUnauthenticated
		}
		client, _, err := r.prov.ResolveKey(ctx, r.envKey)
		if err != nil {
			return nil, resolveErr(err)
		}
		return &Principal{Client: client, Name: EnvPrincipalName, Kind: KindEnv}, nil
	}

	kind := KindAccessToken
	if IsRawKey(bearer) {
		kind = KindRawKey
	}
	key, err := r.UnderlyingKey(bearer)
	if err != nil {
		return nil, err
	}

	client, name, err := r.prov.ResolveKey(ctx, key)
	if err != nil {
		return nil, resolveErr(err)
	}
	return &Principal{Client: client, Name: name, Kind: kind}, nil
}

func resolveErr(err error) error {
	if errors.Is(err, partnerapi.ErrUnauthorized) {
		return fmt.Errorf("%w: key rejected", ErrUnauthenticated)
	}
	return err
}
