// Package config loads gateway configuration from the environment.
package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
	"strings"

	"github.com/joeshaw/envdecode"
)

// Config holds every environment-derived setting for the gateway process.
type Config struct {
	// Partner API credentials. When all of APIURL, PartnerID and APIKey are
	// set, the gateway can operate as the fixed "env" principal (stdio mode
	// and the no-auth fallback in http mode).
	APIURL    string `env:"VOYAGO_API_URL,default=https://api.voyago.com"`
	PartnerID string `env:"VOYAGO_PARTNER_ID"`
	APIKey    string `env:"VOYAGO_API_KEY"`
	APISecret string `env:"VOYAGO_API_SECRET"`

	// PublicBaseURL is the externally visible origin used to compute every
	// absolute URL the gateway emits (OAuth metadata, checkout success links).
	PublicBaseURL string `env:"PUBLIC_BASE_URL,default=http://localhost:8080"`

	Port int `env:"PORT,default=8080"`

	// TokenSecret is the hex-encoded 32-byte key sealing access, refresh and
	// checkout tokens. When unset an ephemeral key is generated, which keeps
	// minted tokens valid only for the lifetime of this process.
	TokenSecret string `env:"GATEWAY_TOKEN_SECRET"`
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode environment: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	u, err := url.Parse(c.PublicBaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("PUBLIC_BASE_URL must be an absolute http(s) URL, got %q", c.PublicBaseURL)
	}
	c.PublicBaseURL = strings.TrimRight(c.PublicBaseURL, "/")
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("PORT out of range: %d", c.Port)
	}
	if c.TokenSecret != "" {
		b, err := hex.DecodeString(c.TokenSecret)
		if err != nil || len(b) != 32 {
			return fmt.Errorf("GATEWAY_TOKEN_SECRET must be 64 hex characters")
		}
	}
	return nil
}

// HasEnvCredentials reports whether the partner credential triple is complete.
func (c *Config) HasEnvCredentials() bool {
	return c.APIURL != "" && c.PartnerID != "" && c.APIKey != ""
}

// SealKey returns the configured token-sealing key, generating an ephemeral
// one when GATEWAY_TOKEN_SECRET is unset.
func (c *Config) SealKey() ([]byte, error) {
	if c.TokenSecret != "" {
		return hex.DecodeString(c.TokenSecret)
	}
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate ephemeral seal key: %w", err)
	}
	return key, nil
}
