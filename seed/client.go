// Package seed fetches property-group configuration documents from an HTTP
// fixture endpoint and turns them into vhal.PropertyConfig values. It exists
// to bootstrap the bundled FakeHardwareDriver for local development and
// integration tests; it has no role in the engine's own runtime
// configuration, which arrives via vhal.Options and is never read from a
// file or HTTP endpoint.
package seed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-vhal/vhal"
)

var ErrGroupNotFound = errors.New("seed: property group not found")

// Client is a lightweight helper around http.Client for fixture-server calls.
type Client struct {
	BaseURL string
	Auth    vhal.AuthStrategy
	HTTP    *http.Client
}

func NewClient(baseURL string, auth vhal.AuthStrategy) *Client {
	return &Client{BaseURL: trimRightSlash(baseURL), Auth: auth, HTTP: &http.Client{Timeout: 10 * time.Second}}
}

func trimRightSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

// getJSON performs an HTTP GET and decodes JSON into out.
func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	if c.HTTP == nil {
		c.HTTP = &http.Client{Timeout: 10 * time.Second}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return err
	}
	if c.Auth != nil {
		if v, e := c.Auth.AuthorizationValue(); e == nil && v != "" {
			req.Header.Set("Authorization", v)
		}
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	switch resp.StatusCode {
	case http.StatusOK:
		if out != nil {
			if err := json.Unmarshal(b, out); err != nil {
				return fmt.Errorf("seed: decode %s: %w", path, err)
			}
		}
		return nil
	case http.StatusNotFound:
		return ErrGroupNotFound
	default:
		return fmt.Errorf("seed: unexpected status %s fetching %s", resp.Status, path)
	}
}
