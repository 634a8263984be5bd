// Package authapi is the typed HTTP client for the procurement backend's
// auth endpoints. The wire format follows the backend's JWT views:
//
//	POST {base}/token/          {username,password} -> {access,refresh,user}
//	POST {base}/token/refresh/  {refresh}           -> {access[,refresh]}
//	POST {base}/logout/         {refresh}           -> 200 (best effort)
//	GET  {base}/user/                               -> user snapshot
//
// Errors are wrapped in StatusError and map onto the package sentinels.
package authapi

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

	"github.com/procurahq/clientsession/identity"
)

// Credentials is the login response.
type Credentials struct {
	Access  string        `json:"access"`
	Refresh string        `json:"refresh"`
	User    identity.User `json:"user"`
}

// Client talks to the auth endpoints.
type Client struct {
	baseURL string
	httpc   *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(httpc *http.Client) ClientOption {
	return func(c *Client) { c.httpc = httpc }
}

// New creates a Client for the given base URL, e.g.
// "https://procure.example.com/api/auth".
func New(baseURL string, options ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Login exchanges credentials for a token pair and user snapshot. A 401
// unwraps to ErrInvalidCredentials.
func (c *Client) Login(ctx context.Context, username, password string) (*Credentials, error) {
	body := map[string]string{"username": username, "password": password}
	var creds Credentials
	if err := c.do(ctx, http.MethodPost, "/token/", "", body, &creds); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) && statusErr.Status == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, statusErr.Detail)
		}
		return nil, fmt.Errorf("[Login] %w", err)
	}
	return &creds, nil
}

// RefreshToken exchanges the refresh token for a new access token. The
// backend does not rotate refresh tokens; newRefresh is empty unless it
// ever starts to, in which case callers should adopt it.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (access, newRefresh string, err error) {
	body := map[string]string{"refresh": refreshToken}
	var out struct {
		Access  string `json:"access"`
		Refresh string `json:"refresh"`
	}
	if err := c.do(ctx, http.MethodPost, "/token/refresh/", "", body, &out); err != nil {
		return "", "", fmt.Errorf("[RefreshToken] %w", err)
	}
	return out.Access, out.Refresh, nil
}

// Logout asks the server to blacklist the refresh token. Callers treat the
// result as advisory: local cleanup never depends on it.
func (c *Client) Logout(ctx context.Context, accessToken, refreshToken string) error {
	body := map[string]string{"refresh": refreshToken}
	if err := c.do(ctx, http.MethodPost, "/logout/", accessToken, body, nil); err != nil {
		return fmt.Errorf("[Logout] %w", err)
	}
	return nil
}

// CurrentUser fetches the identity snapshot for the given access token.
func (c *Client) CurrentUser(ctx context.Context, accessToken string) (*identity.User, error) {
	var user identity.User
	if err := c.do(ctx, http.MethodGet, "/user/", accessToken, nil, &user); err != nil {
		return nil, fmt.Errorf("[CurrentUser] %w", err)
	}
	return &user, nil
}

func (c *Client) do(ctx context.Context, method, path, bearer string, in, out any) error {
	var reqBody io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Status: resp.StatusCode}
		var apiBody struct {
			Detail string `json:"detail"`
			Code   string `json:"code"`
		}
		if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&apiBody); err == nil {
			statusErr.Detail = apiBody.Detail
			statusErr.Code = apiBody.Code
		}
		return statusErr
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
