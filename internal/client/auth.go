// Package client holds the RPC clients used by the chat CLI (and by the
// chat server when it verifies tokens remotely).
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"roomchat/internal/auth"
	"roomchat/internal/room"
)

var ErrPermissionDenied = errors.New("permission denied")

// AuthClient talks to the Token Authority.
type AuthClient struct {
	baseURL string
	http    *http.Client
}

// NewAuthClient uses a default client with a timeout when httpClient is nil.
func NewAuthClient(baseURL string, httpClient *http.Client) *AuthClient {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}
	return &AuthClient{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *AuthClient) Authenticate(ctx context.Context, username, password string) (string, error) {
	var res auth.TokenResponse
	if err := c.post(ctx, "/authenticate", auth.Credentials{Username: username, Password: password}, &res); err != nil {
		return "", err
	}
	if res.Token == "" {
		return "", auth.ErrUnauthenticated
	}
	return res.Token, nil
}

// Authorize satisfies myMiddleware.TokenVerifier, so a chat server can
// delegate every verification to the authority.
func (c *AuthClient) Authorize(ctx context.Context, token string) (auth.Identity, error) {
	var id auth.Identity
	if err := c.post(ctx, "/authorize", auth.AuthorizeRequest{Token: token}, &id); err != nil {
		return auth.Identity{}, err
	}
	return id, nil
}

func (c *AuthClient) Register(ctx context.Context, username, password string) (auth.Identity, error) {
	var id auth.Identity
	err := c.post(ctx, "/register", auth.Credentials{Username: username, Password: password}, &id)
	return id, err
}

// CloseIdleConnections releases the auth channel.
func (c *AuthClient) CloseIdleConnections() {
	c.http.CloseIdleConnections()
}

func (c *AuthClient) post(ctx context.Context, path string, body, out any) error {
	return doJSON(ctx, c.http, http.MethodPost, c.baseURL+path, body, out)
}

func doJSON(ctx context.Context, hc *http.Client, method, url string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return statusError(resp)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// statusError maps an HTTP failure back onto the sentinel errors the
// servers started from, so callers can use errors.Is across the wire.
func statusError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(b))
	if msg == "" {
		msg = resp.Status
	}

	var sentinel error
	switch resp.StatusCode {
	case http.StatusUnauthorized:
		sentinel = auth.ErrUnauthenticated
	case http.StatusForbidden:
		sentinel = ErrPermissionDenied
	case http.StatusNotFound:
		sentinel = room.ErrNotFound
	case http.StatusConflict:
		if strings.Contains(msg, auth.ErrUserExists.Error()) {
			sentinel = auth.ErrUserExists
		} else {
			sentinel = room.ErrAlreadyExists
		}
	case http.StatusBadRequest:
		if strings.Contains(msg, room.ErrInvalidName.Error()) {
			sentinel = room.ErrInvalidName
		} else if strings.Contains(msg, auth.ErrInvalidUser.Error()) {
			sentinel = auth.ErrInvalidUser
		}
	}

	if sentinel == nil {
		if resp.Request != nil {
			return fmt.Errorf("%s: %s", resp.Request.URL.Path, msg)
		}
		return errors.New(msg)
	}
	return fmt.Errorf("%w: %s", sentinel, msg)
}
