package main

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/loykin/swapr"
)

// APIClient talks to a running `swapr serve` agent.
type APIClient struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewAPIClient creates a new API client
func NewAPIClient(baseURL string, timeout time.Duration) *APIClient {
	if baseURL == "" {
		baseURL = "http://127.0.0.1:9360"
	}
	if timeout == 0 {
		timeout = 10 * time.Minute
	}
	return &APIClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetToken sends token as a bearer credential on every request.
func (c *APIClient) SetToken(token string) { c.token = token }

// TrustCA verifies the agent certificate against the PEM bundle at path,
// e.g. the tls_ca.crt written by server.tls.auto_generate.
func (c *APIClient) TrustCA(path string) error {
	pem, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading CA file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return fmt.Errorf("no certificates found in %s", path)
	}
	c.client.Transport = &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12},
	}
	return nil
}

func (c *APIClient) do(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.client.Do(req)
}

// RemoteResult is the agent's answer to an upgrade or rollback.
type RemoteResult struct {
	Outcome string `json:"outcome"`
	Kind    string `json:"kind"`
	Phase   string `json:"phase"`
	Error   string `json:"error,omitempty"`
	Summary string `json:"summary"`

	// ExitCode is derived from the HTTP status.
	ExitCode int `json:"-"`
}

func exitCodeFor(status int) int {
	switch status {
	case http.StatusOK:
		return swapr.ExitOK
	case http.StatusConflict:
		return swapr.ExitContention
	case http.StatusUnprocessableEntity:
		return swapr.ExitRolledBack
	default:
		return swapr.ExitFailed
	}
}

// Upgrade asks the agent to install candidate; empty lets the agent resolve one.
func (c *APIClient) Upgrade(ctx context.Context, candidate string) (RemoteResult, error) {
	body, err := json.Marshal(map[string]string{"candidate": candidate})
	if err != nil {
		return RemoteResult{}, err
	}
	return c.run(ctx, "/upgrade", body)
}

// Rollback asks the agent to restore the most recent backup.
func (c *APIClient) Rollback(ctx context.Context) (RemoteResult, error) {
	return c.run(ctx, "/rollback", nil)
}

func (c *APIClient) run(ctx context.Context, path string, body []byte) (RemoteResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return RemoteResult{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.do(req)
	if err != nil {
		return RemoteResult{}, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out RemoteResult
	switch resp.StatusCode {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return out, apiError(resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decoding agent response (HTTP %d): %w", resp.StatusCode, err)
	}
	out.ExitCode = exitCodeFor(resp.StatusCode)
	return out, nil
}

// GetStatus fetches the agent's status report.
func (c *APIClient) GetStatus(ctx context.Context) (swapr.Report, error) {
	var rep swapr.Report
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/status", nil)
	if err != nil {
		return rep, err
	}
	resp, err := c.do(req)
	if err != nil {
		return rep, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return rep, apiError(resp)
	}
	err = json.NewDecoder(resp.Body).Decode(&rep)
	return rep, err
}

func apiError(resp *http.Response) error {
	var errorResp struct {
		Error string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&errorResp); err != nil {
		return fmt.Errorf("API error: HTTP %d", resp.StatusCode)
	}
	return fmt.Errorf("API error: %s", errorResp.Error)
}
