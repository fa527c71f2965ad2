package partnerapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newFakeAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/partner/me", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer vg_test_good" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"display_name": "Acme Tours"})
	})
	mux.HandleFunc("GET /v1/experiences", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("query") != "kayak" {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]string{"message": "missing query"})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"experiences": []Experience{{ID: "exp_1", Title: "Fjord kayaking", Currency: "EUR"}},
		})
	})
	mux.HandleFunc("POST /v1/bookings/{id}/commit", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(Booking{ID: r.PathValue("id"), Status: "confirmed"})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestResolveKey(t *testing.T) {
	srv := newFakeAPI(t)
	prov := NewProvisioner(srv.URL, "p_123")

	t.Run("valid key", func(t *testing.T) {
		client, name, err := prov.ResolveKey(t.Context(), "vg_test_good")
		if err != nil {
			t.Fatalf("ResolveKey failed: %v", err)
		}
		if name != "Acme Tours" {
			t.Errorf("display name: want %q, got %q", "Acme Tours", name)
		}
		if client.Key() != "vg_test_good" {
			t.Errorf("client key: got %q", client.Key())
		}
	})

	t.Run("invalid key", func(t *testing.T) {
		_, _, err := prov.ResolveKey(t.Context(), "vg_test_bad")
		if !errors.Is(err, ErrUnauthorized) {
			t.Fatalf("want ErrUnauthorized, got %v", err)
		}
	})
}

func TestClientCalls(t *testing.T) {
	srv := newFakeAPI(t)
	prov := NewProvisioner(srv.URL, "p_123")
	client, _, err := prov.ResolveKey(t.Context(), "vg_test_good")
	if err != nil {
		t.Fatalf("ResolveKey failed: %v", err)
	}

	t.Run("search", func(t *testing.T) {
		exps, err := client.SearchExperiences(t.Context(), SearchParams{Query: "kayak"})
		if err != nil {
			t.Fatalf("SearchExperiences failed: %v", err)
		}
		if len(exps) != 1 || exps[0].ID != "exp_1" {
			t.Errorf("unexpected result: %+v", exps)
		}
	})

	t.Run("upstream error carries message", func(t *testing.T) {
		_, err := client.SearchExperiences(t.Context(), SearchParams{})
		if err == nil {
			t.Fatal("expected error for rejected search")
		}
	})

	t.Run("commit booking", func(t *testing.T) {
		b, err := client.CommitBooking(t.Context(), "bk_9")
		if err != nil {
			t.Fatalf("CommitBooking failed: %v", err)
		}
		if b.Status != "confirmed" {
			t.Errorf("status: want confirmed, got %q", b.Status)
		}
	})
}
