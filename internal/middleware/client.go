package myMiddleware

import (
	"net/http"
	"sync"
)

// Credentials holds the token the client side attaches to every outgoing
// call. It is set after login and read concurrently by the transports.
type Credentials struct {
	mu    sync.RWMutex
	token string
}

func (c *Credentials) Set(token string) {
	c.mu.Lock()
	c.token = token
	c.mu.Unlock()
}

func (c *Credentials) Token() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.token
}

// Header returns the metadata for a streaming call (the WebSocket dial).
// Without a token the header is empty and the server decides.
func (c *Credentials) Header() http.Header {
	h := http.Header{}
	if t := c.Token(); t != "" {
		h.Set("Authorization", "Bearer "+t)
	}
	return h
}

// BearerTransport attaches the current token to every unary call.
type BearerTransport struct {
	Credentials *Credentials
	Base        http.RoundTripper
}

func (t *BearerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	token := ""
	if t.Credentials != nil {
		token = t.Credentials.Token()
	}
	if token == "" {
		return base.RoundTrip(req)
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return base.RoundTrip(r)
}
