package principal

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/voyago/agent-gateway/internal/partnerapi"
	"github.com/voyago/agent-gateway/internal/tokencrypt"
)

func newFixture(t *testing.T, envKey string) (*Resolver, *tokencrypt.Sealer) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		if auth != "Bearer vg_live_good" && auth != "Bearer vg_test_env" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"display_name": "Acme Tours"})
	}))
	t.Cleanup(srv.Close)

	sealer, err := tokencrypt.NewSealer(bytes.Repeat([]byte{0x01}, 32))
	if err != nil {
		t.Fatalf("NewSealer failed: %v", err)
	}
	return NewResolver(partnerapi.NewProvisioner(srv.URL, "p_1"), sealer, envKey), sealer
}

func TestResolveRawKey(t *testing.T) {
	r, _ := newFixture(t, "")

	p, err := r.Resolve(t.Context(), "vg_live_good")
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.Kind != KindRawKey || p.Name != "Acme Tours" {
		t.Errorf("unexpected principal: %+v", p)
	}

	if _, err := r.Resolve(t.Context(), "vg_live_stolen"); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("want ErrUnauthenticated, got %v", err)
	}
}

func TestResolveAccessToken(t *testing.T) {
	r, sealer := newFixture(t, "")
	tok, err := sealer.MintAccess("vg_live_good", time.Hour)
	if err != nil {
		t.Fatalf("MintAccess failed: %v", err)
	}

	p, err := r.Resolve(t.Context(), tok)
	if err != nil {
		t.Fatalf("Resolve failed: %v", err)
	}
	if p.Kind != KindAccessToken {
		t.Errorf("kind: want %q, got %q", KindAccessToken, p.Kind)
	}
	if p.Client.Key() != "vg_live_good" {
		t.Errorf("resolved key: got %q", p.Client.Key())
	}
}

// The connection path (Resolve) and the introspection helper (UnderlyingKey)
// must recover byte-identical keys from the same token.
func TestCredentialEquivalence(t *testing.T) {
	r, sealer := newFixture(t, "")

	for name, mint := range map[string]func() (string, error){
		"raw key":      func() (string, error) { return "vg_live_good", nil },
		"access token": func() (string, error) { return sealer.MintAccess("vg_live_good", time.Hour) },
	} {
		t.Run(name, func(t *testing.T) {
			bearer, err := mint()
			if err != nil {
				t.Fatalf("mint failed: %v", err)
			}
			helperKey, err := r.UnderlyingKey(bearer)
			if err != nil {
				t.Fatalf("UnderlyingKey failed: %v", err)
			}
			p, err := r.Resolve(t.Context(), bearer)
			if err != nil {
				t.Fatalf("Resolve failed: %v", err)
			}
			if p.Client.Key() != helperKey {
				t.Errorf("paths disagree: resolver %q, helper %q", p.Client.Key(), helperKey)
			}
		})
	}
}

func TestExpiredTokenFailsResolution(t *testing.T) {
	r, sealer := newFixture(t, "")
	tok, err := sealer.MintAccess("vg_live_good", -time.Minute)
	if err != nil {
		t.Fatalf("MintAccess failed: %v", err)
	}
	if _, err := r.Resolve(t.Context(), tok); !errors.Is(err, ErrUnauthenticated) {
		t.Fatalf("want ErrUnauthenticated, got %v", err)
	}
}

func TestEnvFallback(t *testing.T) {
	t.Run("configured", func(t *testing.T) {
		r, _ := newFixture(t, "vg_test_env")
		p, err := r.Resolve(t.Context(), "")
		if err != nil {
			t.Fatalf("Resolve failed: %v", err)
		}
		if p.Name != EnvPrincipalName || p.Kind != KindEnv {
			t.Errorf("unexpected principal: %+v", p)
		}
	})

	t.Run("not configured", func(t *testing.T) {
		r, _ := newFixture(t, "")
		if _, err := r.Resolve(t.Context(), ""); !errors.Is(err, ErrUnauthenticated) {
			t.Fatalf("want ErrUnauthenticated, got %v", err)
		}
	})
}
