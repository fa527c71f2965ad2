package authserver

import (
	"sync"
	"time"
)

// ClientRegistration is a dynamically registered OAuth client. Registrations
// live for the process lifetime; nothing deletes them.
type ClientRegistration struct {
	ClientID     string
	ClientSecret string
	ClientName   string
	RedirectURIs []string
	AuthMethod   string
	CreatedAt    time.Time

	// BoundKey is the partner API key captured when the registration request
	// itself carried a valid bearer credential. Only bound confidential
	// clients may use the client_credentials grant.
	BoundKey string
}

// Confidential reports whether the client was issued a secret.
func (c *ClientRegistration) Confidential() bool { return c.ClientSecret != "" }

// RedirectAllowed reports whether uri is on the registration's allow-list.
func (c *ClientRegistration) RedirectAllowed(uri string) bool {
	for _, u := range c.RedirectURIs {
		if u == uri {
			return true
		}
	}
	return false
}

// authorizationCode links one approved login to one token exchange.
type authorizationCode struct {
	code          string
	key           string
	clientID      string
	redirectURI   string
	codeChallenge string
	scope         string
	expiresAt     time.Time
	used          bool
}

// store is the process-lifetime mutable state of the authorization server:
// client registrations and pending authorization codes. All access goes
// through its mutex.
type store struct {
	mu      sync.Mutex
	clients map[string]*ClientRegistration
	codes   map[string]*authorizationCode
}

func newStore() *store {
	return &store{
		clients: make(map[string]*ClientRegistration),
		codes:   make(map[string]*authorizationCode),
	}
}

func (st *store) putClient(c *ClientRegistration) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.clients[c.ClientID] = c
}

func (st *store) client(id string) (*ClientRegistration, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	c, ok := st.clients[id]
	return c, ok
}

func (st *store) putCode(c *authorizationCode) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.codes[c.code] = c
}

// consumeCode atomically marks a code used. The second consumption of the
// same code fails, whatever the interleaving.
func (st *store) consumeCode(code string, now time.Time) (*authorizationCode, bool) {
	st.mu.Lock()
	defer st.mu.Unlock()
	c, ok := st.codes[code]
	if !ok || c.used || now.After(c.expiresAt) {
		return nil, false
	}
	c.used = true
	delete(st.codes, code)
	return c, true
}
