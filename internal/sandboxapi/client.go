// Package sandboxapi is the HTTP client for the remote sandbox platform: an
// external service that provisions isolated execution environments, accepts
// batch file writes, runs commands in them, and stops them on request.
package sandboxapi

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/runbox/runbox/internal/endpoint"
	"golang.org/x/net/http2"
)

// Client talks to one sandbox platform endpoint. It is safe for concurrent
// use.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// Option configures the client.
type Option func(*options)

type options struct {
	apiKey     string
	httpClient *http.Client
}

// WithAPIKey attaches a bearer token to every request.
func WithAPIKey(key string) Option {
	return func(o *options) {
		o.apiKey = key
	}
}

// WithHTTPClient overrides the transport, primarily for tests.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) {
		o.httpClient = c
	}
}

func New(ep endpoint.Endpoint, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	baseURL := strings.TrimRight(ep.BaseURL, "/")
	httpClient := o.httpClient
	if httpClient == nil {
		transport, err := buildTransport(ep)
		if err != nil {
			return nil, err
		}
		httpClient = &http.Client{Transport: transport}
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		apiKey:     o.apiKey,
	}, nil
}

func buildTransport(ep endpoint.Endpoint) (http.RoundTripper, error) {
	dialer := &net.Dialer{}

	if ep.Scheme == "https" {
		return &http.Transport{
			Proxy:             http.ProxyFromEnvironment,
			TLSClientConfig:   &tls.Config{MinVersion: tls.VersionTLS13},
			ForceAttemptHTTP2: true,
		}, nil
	}

	if ep.Scheme == "unix" {
		return &http2.Transport{
			AllowHTTP: true,
			DialTLSContext: func(ctx context.Context, _, _ string, _ *tls.Config) (net.Conn, error) {
				return dialer.DialContext(ctx, "unix", ep.Address)
			},
		}, nil
	}

	return &http.Transport{Proxy: http.ProxyFromEnvironment}, nil
}

// APIError is a non-2xx platform response.
type APIError struct {
	StatusCode int
	Message    string
	Code       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("sandbox platform: %s (HTTP %d)", e.Message, e.StatusCode)
	}
	return fmt.Sprintf("sandbox platform: HTTP %d", e.StatusCode)
}

// IsNotFound reports whether err is a platform 404, which the remote backend
// treats the same as an expired sandbox.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.StatusCode == http.StatusNotFound
}

// CreateSandbox provisions a new sandbox with the given runtime and idle
// timeout. The platform stops idle sandboxes on its own once the timeout
// elapses.
func (c *Client) CreateSandbox(ctx context.Context, runtime string, idleTimeout time.Duration) (Sandbox, error) {
	req := createSandboxRequest{
		Runtime:     runtime,
		IdleSeconds: int64(idleTimeout / time.Second),
	}
	var sb Sandbox
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes", req, &sb); err != nil {
		return Sandbox{}, err
	}
	return sb, nil
}

// GetSandbox fetches the sandbox's current status.
func (c *Client) GetSandbox(ctx context.Context, id string) (Sandbox, error) {
	var sb Sandbox
	if err := c.do(ctx, http.MethodGet, "/v1/sandboxes/"+id, nil, &sb); err != nil {
		return Sandbox{}, err
	}
	return sb, nil
}

// WriteFiles writes a batch of files into the sandbox filesystem in one call.
func (c *Client) WriteFiles(ctx context.Context, id string, files []FileEntry) error {
	return c.do(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/files", writeFilesRequest{Files: files}, nil)
}

// RunCommand executes a command inside the sandbox and waits for completion.
// Cancelling ctx aborts the request; the platform kills the command.
func (c *Client) RunCommand(ctx context.Context, id, command string, args []string, cwd string) (CommandResult, error) {
	req := runCommandRequest{Command: command, Args: args, Cwd: cwd}
	var result CommandResult
	if err := c.do(ctx, http.MethodPost, "/v1/sandboxes/"+id+"/exec", req, &result); err != nil {
		return CommandResult{}, err
	}
	return result, nil
}

// StopSandbox terminates the sandbox. Stopping an already-stopped sandbox is
// not an error.
func (c *Client) StopSandbox(ctx context.Context, id string) error {
	err := c.do(ctx, http.MethodDelete, "/v1/sandboxes/"+id, nil, nil)
	if IsNotFound(err) {
		return nil
	}
	return err
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		var parsed apiErrorBody
		if b, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024)); readErr == nil {
			if json.Unmarshal(b, &parsed) == nil {
				apiErr.Message = parsed.Message
				apiErr.Code = parsed.Code
			} else {
				apiErr.Message = strings.TrimSpace(string(b))
			}
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
