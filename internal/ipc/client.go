package ipc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleetagent/internal/installer"
	"fleetagent/internal/version"
)

const defaultTimeout = 10 * time.Second

// ErrUnavailable reports that no agent is listening on the socket.
var ErrUnavailable = errors.New("agent not running")

// APIError is a non-2xx answer from the agent.
type APIError struct {
	Status   int
	Message  string
	Category string
}

func (e *APIError) Error() string {
	if e.Category != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Category)
	}
	return e.Message
}

// Client talks to the agent's local API over a unix socket.
type Client struct {
	socket  string
	http    *http.Client
	timeout time.Duration
}

// Dial returns a client for the socket at path. It checks that something
// accepts connections there so offline agents are reported up front.
func Dial(path string) (*Client, error) {
	conn, err := net.DialTimeout("unix", path, 2*time.Second)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}
	_ = conn.Close()
	return NewClient(path), nil
}

// NewClient returns a client without probing the socket.
func NewClient(path string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", path)
		},
	}
	return &Client{socket: path, http: &http.Client{Transport: transport}, timeout: defaultTimeout}
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.http.CloseIdleConnections()
	return nil
}

// Status returns the agent status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.call(ctx, http.MethodGet, "/api/status", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Queue returns the pending operations.
func (c *Client) Queue(ctx context.Context) (*QueueResponse, error) {
	var resp QueueResponse
	if err := c.call(ctx, http.MethodGet, "/api/queue", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Capabilities returns the capability states.
func (c *Client) Capabilities(ctx context.Context) (*CapabilitiesResponse, error) {
	var resp CapabilitiesResponse
	if err := c.call(ctx, http.MethodGet, "/api/capabilities", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Refresh requests a new reconciliation cycle.
func (c *Client) Refresh(ctx context.Context, source string) (*RefreshResponse, error) {
	var resp RefreshResponse
	if err := c.call(ctx, http.MethodPost, "/api/refresh", RefreshRequest{Source: source}, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Resume re-enters the flow.
func (c *Client) Resume(ctx context.Context) (*ResumeResponse, error) {
	var resp ResumeResponse
	if err := c.call(ctx, http.MethodPost, "/api/resume", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Decide answers the pending failure with DecisionRetry or DecisionSkip.
func (c *Client) Decide(ctx context.Context, action string) error {
	return c.call(ctx, http.MethodPost, "/api/decision", DecisionRequest{Action: action}, &OKResponse{})
}

// SetDeviceID stores a new device id.
func (c *Client) SetDeviceID(ctx context.Context, id string) error {
	return c.call(ctx, http.MethodPost, "/api/device-id", DeviceIDRequest{DeviceID: id}, &OKResponse{})
}

// Reset clears the device identity and cached configuration.
func (c *Client) Reset(ctx context.Context) error {
	return c.call(ctx, http.MethodPost, "/api/reset", nil, &OKResponse{})
}

// Decline refuses a capability.
func (c *Client) Decline(ctx context.Context, capability string) error {
	return c.call(ctx, http.MethodPost, "/api/capabilities/"+url.PathEscape(capability)+"/decline", nil, &OKResponse{})
}

// CompleteInstall delivers an install outcome for pkg.
func (c *Client) CompleteInstall(ctx context.Context, pkg string, st installer.Status) error {
	return c.call(ctx, http.MethodPost, "/api/installs/"+url.PathEscape(pkg)+"/complete", InstallCompleteRequest(st), &OKResponse{})
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, "http://fleetagent"+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		var opErr *net.OpError
		if errors.As(err, &opErr) && opErr.Op == "dial" {
			return fmt.Errorf("%w: %s", ErrUnavailable, c.socket)
		}
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusMultipleChoices {
		var apiErr ErrorResponse
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if jsonErr := json.Unmarshal(payload, &apiErr); jsonErr != nil || apiErr.Error == "" {
			apiErr.Error = strings.TrimSpace(string(payload))
			if apiErr.Error == "" {
				apiErr.Error = resp.Status
			}
		}
		return &APIError{Status: resp.StatusCode, Message: apiErr.Error, Category: apiErr.Category}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
