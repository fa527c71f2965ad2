// Package tokencrypt seals and opens the gateway's opaque tokens. Tokens are
// compact JWE (dir + A256GCM) around a small claims payload, so every token is
// self-describing: the credential resolver and the checkout gateway decode
// them directly instead of looking them up in a store. A process restart
// therefore never invalidates an unexpired token, provided the sealing key is
// stable.
package tokencrypt

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	jose "github.com/go-jose/go-jose/v4"
)

var (
	// ErrInvalidToken indicates the token failed structural or cryptographic checks.
	ErrInvalidToken = errors.New("invalid token")
	// ErrExpiredToken indicates a structurally valid token past its expiry.
	ErrExpiredToken = errors.New("expired token")
)

// Token uses. A token minted for one use never opens under another.
const (
	useAccess   = "access"
	useRefresh  = "refresh"
	useCheckout = "checkout"
)

type claims struct {
	Use       string `json:"use"`
	Key       string `json:"key"`
	IssuedAt  int64  `json:"iat"`
	ExpiresAt int64  `json:"exp"`

	// Checkout-only fields.
	BookingID string `json:"booking_id,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// CheckoutClaims is the opened payload of a checkout token.
type CheckoutClaims struct {
	BookingID string
	Key       string
	Currency  string
}

// Sealer mints and opens the gateway's tokens with a single symmetric key.
// It is safe for concurrent use.
type Sealer struct {
	key []byte
	enc jose.Encrypter
	now func() time.Time
}

// NewSealer constructs a Sealer around a 32-byte key.
func NewSealer(key []byte) (*Sealer, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("sealing key must be 32 bytes, got %d", len(key))
	}
	enc, err := jose.NewEncrypter(jose.A256GCM, jose.Recipient{Algorithm: jose.DIRECT, Key: key}, nil)
	if err != nil {
		return nil, fmt.Errorf("init encrypter: %w", err)
	}
	return &Sealer{key: key, enc: enc, now: time.Now}, nil
}

func (s *Sealer) seal(c claims) (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal claims: %w", err)
	}
	obj, err := s.enc.Encrypt(b)
	if err != nil {
		return "", fmt.Errorf("encrypt claims: %w", err)
	}
	tok, err := obj.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("serialize token: %w", err)
	}
	return tok, nil
}

func (s *Sealer) open(tok, wantUse string) (*claims, error) {
	obj, err := jose.ParseEncrypted(tok, []jose.KeyAlgorithm{jose.DIRECT}, []jose.ContentEncryption{jose.A256GCM})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	pt, err := obj.Decrypt(s.key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	var c claims
	if err := json.Unmarshal(pt, &c); err != nil {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalidToken)
	}
	if c.Use != wantUse {
		return nil, fmt.Errorf("%w: token use mismatch", ErrInvalidToken)
	}
	if c.Key == "" {
		return nil, fmt.Errorf("%w: missing key claim", ErrInvalidToken)
	}
	if s.now().Unix() >= c.ExpiresAt {
		return nil, ErrExpiredToken
	}
	return &c, nil
}

// MintAccess mints an access token embedding the raw partner API key.
func (s *Sealer) MintAccess(key string, ttl time.Duration) (string, error) {
	now := s.now()
	return s.seal(claims{Use: useAccess, Key: key, IssuedAt: now.Unix(), ExpiresAt: now.Add(ttl).Unix()})
}

// DecodeAccess opens an access token and returns the embedded raw key.
func (s *Sealer) DecodeAccess(tok string) (string, error) {
	c, err := s.open(tok, useAccess)
	if err != nil {
		return "", err
	}
	return c.Key, nil
}

// MintRefresh mints a refresh token embedding the raw partner API key.
func (s *Sealer) MintRefresh(key string, ttl time.Duration) (string, error) {
	now := s.now()
	return s.seal(claims{Use: useRefresh, Key: key, IssuedAt: now.Unix(), ExpiresAt: now.Add(ttl).Unix()})
}

// DecodeRefresh opens a refresh token and returns the embedded raw key.
func (s *Sealer) DecodeRefresh(tok string) (string, error) {
	c, err := s.open(tok, useRefresh)
	if err != nil {
		return "", err
	}
	return c.Key, nil
}

// MintCheckout mints a single-booking checkout token.
func (s *Sealer) MintCheckout(cc CheckoutClaims, ttl time.Duration) (string, error) {
	if cc.BookingID == "" || cc.Key == "" {
		return "", fmt.Errorf("checkout claims require booking id and key")
	}
	now := s.now()
	return s.seal(claims{
		Use:       useCheckout,
		Key:       cc.Key,
		BookingID: cc.BookingID,
		Currency:  cc.Currency,
		IssuedAt:  now.Unix(),
		ExpiresAt: now.Add(ttl).Unix(),
	})
}

// DecodeCheckout opens a checkout token.
func (s *Sealer) DecodeCheckout(tok string) (*CheckoutClaims, error) {
	c, err := s.open(tok, useCheckout)
	if err != nil {
		return nil, err
	}
	if c.BookingID == "" {
		return nil, fmt.Errorf("%w: missing booking id", ErrInvalidToken)
	}
	return &CheckoutClaims{BookingID: c.BookingID, Key: c.Key, Currency: c.Currency}, nil
}
