// Package api provides an HTTP client for the gated blog server.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"time"

	"github.com/maybehotcarl/gatedblog/pkg/checkout"
	"github.com/maybehotcarl/gatedblog/pkg/gate"
	"github.com/maybehotcarl/gatedblog/pkg/posts"
)

// Client talks to the blog server. It keeps the session cookie between
// calls and can also send a saved token as a bearer header.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// NewClient creates a blog API client.
func NewClient(baseURL string) *Client {
	jar, _ := cookiejar.New(nil)
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
			Jar:     jar,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}
}

// SetSessionToken sends token as "Authorization: Bearer" on every request.
func (c *Client) SetSessionToken(token string) {
	c.token = token
}

// SessionToken returns the token from the last successful Verify, or the
// one set with SetSessionToken.
func (c *Client) SessionToken() string {
	return c.token
}

// ChallengeResponse is returned by POST /auth/challenge.
type ChallengeResponse struct {
	Message string `json:"message"`
	Nonce   string `json:"nonce"`
}

// VerifyResponse is returned by POST /auth/verify.
type VerifyResponse struct {
	Address   string        `json:"address"`
	Token     string        `json:"token"`
	ExpiresAt time.Time     `json:"expires_at"`
	View      gate.Snapshot `json:"view"`
}

// ErrorResponse is the standard error format.
type ErrorResponse struct {
	Error string `json:"error"`
}

// GetChallenge requests a SIWE challenge message for the given address.
func (c *Client) GetChallenge(address string) (*ChallengeResponse, error) {
	body, _ := json.Marshal(map[string]string{"address": address})
	var result ChallengeResponse
	if err := c.doJSON(http.MethodPost, "/auth/challenge", body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Verify submits a signed SIWE message and connects the session's view.
func (c *Client) Verify(message, signature string) (*VerifyResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"message":   message,
		"signature": signature,
	})
	var result VerifyResponse
	if err := c.doJSON(http.MethodPost, "/auth/verify", body, &result); err != nil {
		return nil, err
	}
	c.token = result.Token
	return &result, nil
}

// View returns the current view snapshot. wait blocks until pending checks
// finish; refresh forces a new balance query first.
func (c *Client) View(wait, refresh bool) (*gate.Snapshot, error) {
	path := "/view?"
	if wait {
		path += "wait=1&"
	}
	if refresh {
		path += "refresh=1"
	}
	var snap gate.Snapshot
	if err := c.doJSON(http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Disconnect forgets the connected account. The bearer token is dropped;
// the server reissues the cookie without an account.
func (c *Client) Disconnect() (*gate.Snapshot, error) {
	var snap gate.Snapshot
	if err := c.doJSON(http.MethodPost, "/auth/disconnect", nil, &snap); err != nil {
		return nil, err
	}
	c.token = ""
	return &snap, nil
}

// Checkout asks for the purchase hand-off.
func (c *Client) Checkout() (*checkout.Handoff, error) {
	var h checkout.Handoff
	if err := c.doJSON(http.MethodPost, "/checkout", nil, &h); err != nil {
		return nil, err
	}
	return &h, nil
}

// Posts reads the posts backend directly.
func (c *Client) Posts() ([]posts.Post, error) {
	var result posts.ListResponse
	if err := c.doJSON(http.MethodGet, "/api/blogPosts", nil, &result); err != nil {
		return nil, err
	}
	return result.Data, nil
}

// Health checks server health.
func (c *Client) Health() (map[string]any, error) {
	var result map[string]any
	if err := c.doJSON(http.MethodGet, "/health", nil, &result); err != nil {
		return nil, err
	}
	return result, nil
}

func (c *Client) doJSON(method, path string, body []byte, out any) error {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequest(method, c.baseURL+path, r)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

func (c *Client) parseError(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)

	var errResp ErrorResponse
	if json.Unmarshal(body, &errResp) == nil && errResp.Error != "" {
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, errResp.Error)
	}
	return fmt.Errorf("server error (%d): %s", resp.StatusCode, string(body))
}
