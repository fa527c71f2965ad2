package config

import (
	"strings"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Port != 8080 {
		t.Errorf("default port: want 8080, got %d", cfg.Port)
	}
	if cfg.PublicBaseURL != "http://localhost:8080" {
		t.Errorf("default base url: got %q", cfg.PublicBaseURL)
	}
	if cfg.HasEnvCredentials() {
		t.Error("expected no env credentials with empty environment")
	}
}

func TestLoadValidation(t *testing.T) {
	t.Run("bad base url", func(t *testing.T) {
		t.Setenv("PUBLIC_BASE_URL", "not a url")
		if _, err := Load(); err == nil {
			t.Fatal("expected error for malformed PUBLIC_BASE_URL")
		}
	})

	t.Run("trailing slash trimmed", func(t *testing.T) {
		t.Setenv("PUBLIC_BASE_URL", "https://gw.voyago.com/")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if strings.HasSuffix(cfg.PublicBaseURL, "/") {
			t.Errorf("base url not trimmed: %q", cfg.PublicBaseURL)
		}
	})

	t.Run("bad token secret", func(t *testing.T) {
		t.Setenv("GATEWAY_TOKEN_SECRET", "abc123")
		if _, err := Load(); err == nil {
			t.Fatal("expected error for short GATEWAY_TOKEN_SECRET")
		}
	})

	t.Run("env credentials", func(t *testing.T) {
		t.Setenv("VOYAGO_PARTNER_ID", "p_123")
		t.Setenv("VOYAGO_API_KEY", "vg_test_abc")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if !cfg.HasEnvCredentials() {
			t.Error("expected env credentials to be detected")
		}
	})
}

func TestSealKey(t *testing.T) {
	t.Run("ephemeral", func(t *testing.T) {
		cfg := &Config{}
		key, err := cfg.SealKey()
		if err != nil {
			t.Fatalf("SealKey failed: %v", err)
		}
		if len(key) != 32 {
			t.Fatalf("want 32-byte key, got %d", len(key))
		}
	})

	t.Run("configured", func(t *testing.T) {
		cfg := &Config{TokenSecret: strings.Repeat("ab", 32)}
		key, err := cfg.SealKey()
		if err != nil {
			t.Fatalf("SealKey failed: %v", err)
		}
		if len(key) != 32 || key[0] != 0xab {
			t.Fatalf("unexpected key material: %x", key)
		}
	})
}
