package mdmserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fleetagent/internal/services"
	"fleetagent/internal/version"
)

const maxResponseBytes = 16 << 20

// HTTPDoer describes the HTTP client used by the authority client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Endpoint is one authority base URL plus the project (tenant) path.
type Endpoint struct {
	BaseURL string
	Project string
}

func (e Endpoint) String() string {
	return e.url("")
}

func (e Endpoint) url(suffix string) string {
	base := strings.TrimRight(strings.TrimSpace(e.BaseURL), "/")
	project := strings.Trim(strings.TrimSpace(e.Project), "/")
	if project != "" {
		base += "/" + project
	}
	return base + suffix
}

// Confirmation actions.
const (
	ConfirmReset    = "reset"
	ConfirmReboot   = "reboot"
	ConfirmPassword = "password"
)

// Envelope is the authority response wrapper.
type Envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Client talks to the authority.
type Client struct {
	doer    HTTPDoer
	timeout time.Duration
}

// New constructs a client. timeout bounds each request; zero leaves the
// caller's context in charge.
func New(doer HTTPDoer, timeout time.Duration) *Client {
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{doer: doer, timeout: timeout}
}

// FetchConfiguration returns the raw desired-state document for deviceID.
func (c *Client) FetchConfiguration(ctx context.Context, ep Endpoint, deviceID string) ([]byte, error) {
	if strings.TrimSpace(deviceID) == "" {
		return nil, services.Wrap(services.ErrAuth, "mdmserver", "fetch configuration", "device id not set", nil)
	}
	target := ep.url("/rest/public/sync/configuration/" + url.PathEscape(deviceID))
	env, err := c.do(ctx, http.MethodGet, target, nil, "fetch configuration")
	if err != nil {
		return nil, err
	}
	if len(env.Data) == 0 || string(env.Data) == "null" {
		return nil, services.Wrap(services.ErrNetwork, "mdmserver", "fetch configuration", "response carried no configuration", nil)
	}
	return env.Data, nil
}

// SendInfo posts a device-info report.
func (c *Client) SendInfo(ctx context.Context, ep Endpoint, report DeviceReport) error {
	_, err := c.postJSON(ctx, ep.url("/rest/public/sync/info"), report, "send info")
	return err
}

// Confirm reports the outcome of an escalation action. The report carries
// the escalation outcome.
func (c *Client) Confirm(ctx context.Context, ep Endpoint, action string, report DeviceReport) error {
	switch action {
	case ConfirmReset, ConfirmReboot, ConfirmPassword:
	default:
		return services.Wrap(services.ErrValidation, "mdmserver", "confirm", fmt.Sprintf("unknown action %q", action), nil)
	}
	target := ep.url("/rest/public/sync/confirm/" + action + "/" + url.PathEscape(report.DeviceID))
	_, err := c.postJSON(ctx, target, report, "confirm "+action)
	return err
}

// SendLogs posts remote log lines for deviceID.
func (c *Client) SendLogs(ctx context.Context, ep Endpoint, deviceID string, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	target := ep.url("/rest/plugins/devicelog/log/" + url.PathEscape(deviceID))
	_, err := c.postJSON(ctx, target, entries, "send logs")
	return err
}

func (c *Client) postJSON(ctx context.Context, target string, body any, operation string) (Envelope, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return Envelope{}, services.Wrap(services.ErrValidation, "mdmserver", operation, "encode request", err)
	}
	return c.do(ctx, http.MethodPost, target, data, operation)
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, operation string) (Envelope, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return Envelope{}, services.Wrap(services.ErrNetwork, "mdmserver", operation, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", version.UserAgent())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.doer.Do(req)
	if err != nil {
		return Envelope{}, services.Wrap(services.ErrNetwork, "mdmserver", operation, target, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden,
		resp.StatusCode == http.StatusNotFound:
		return Envelope{}, services.Wrap(services.ErrAuth, "mdmserver", operation, fmt.Sprintf("%s returned %d", target, resp.StatusCode), nil)
	case resp.StatusCode >= http.StatusMultipleChoices:
		return Envelope{}, services.Wrap(services.ErrNetwork, "mdmserver", operation, fmt.Sprintf("%s returned %d", target, resp.StatusCode), nil)
	}

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Envelope{}, services.Wrap(services.ErrNetwork, "mdmserver", operation, "read response", err)
	}
	if len(bytes.TrimSpace(payload)) == 0 {
		if method == http.MethodPost {
			return Envelope{Status: "OK"}, nil
		}
		return Envelope{}, services.Wrap(services.ErrNetwork, "mdmserver", operation, "empty response", nil)
	}
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return Envelope{}, services.Wrap(services.ErrNetwork, "mdmserver", operation, "decode response", err)
	}
	if strings.EqualFold(env.Status, "ERROR") {
		msg := env.Message
		if msg == "" {
			msg = "authority returned ERROR"
		}
		return env, services.Wrap(services.ErrAuth, "mdmserver", operation, msg, nil)
	}
	return env, nil
}
