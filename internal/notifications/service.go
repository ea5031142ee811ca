package notifications

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"fleetagent/internal/config"
	"fleetagent/internal/version"
)

// Service defines the notification surface exposed to flow components.
type Service interface {
	NotifySkipped(ctx context.Context, queue, identity, reason string) error
	NotifyDecisionRequired(ctx context.Context, identity, reason string) error
	NotifyCapabilityRequired(ctx context.Context, capability string) error
	NotifyEscalation(ctx context.Context, action string, success bool) error
	NotifyCrashLoop(ctx context.Context, faults int, window time.Duration) error
	NotifyError(ctx context.Context, err error, context string) error
	TestNotification(ctx context.Context) error
}

// NewService builds a notification service backed by ntfy when configured.
// When no ntfy topic is configured, a noop implementation is returned.
func NewService(cfg *config.Config) Service {
	if cfg == nil {
		return noopService{}
	}
	topic := strings.TrimSpace(cfg.Notifications.NtfyTopic)
	if topic == "" {
		return noopService{}
	}

	timeout := time.Duration(cfg.Notifications.RequestTimeout) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &ntfyService{
		endpoint: topic,
		device:   strings.TrimSpace(cfg.Server.DeviceID),
		client:   &http.Client{Timeout: timeout},
	}
}

type payload struct {
	title    string
	message  string
	tags     []string
	priority string
}

type ntfyService struct {
	endpoint string
	device   string
	client   *http.Client
}

func (n *ntfyService) subject() string {
	if n.device == "" {
		return "fleetagent"
	}
	return "fleetagent " + n.device
}

func (n *ntfyService) NotifySkipped(ctx context.Context, queue, identity, reason string) error {
	message := fmt.Sprintf("Skipped %s item %s", strings.TrimSpace(queue), strings.TrimSpace(identity))
	if reason = strings.TrimSpace(reason); reason != "" {
		message += "\nReason: " + reason
	}
	return n.send(ctx, payload{
		title:   n.subject() + " - Item Skipped",
		message: message,
		tags:    []string{"fleetagent", queue, "skipped"},
	})
}

func (n *ntfyService) NotifyDecisionRequired(ctx context.Context, identity, reason string) error {
	message := fmt.Sprintf("Reconciliation paused on %s\nRun 'fleetagent retry' or 'fleetagent skip'", strings.TrimSpace(identity))
	if reason = strings.TrimSpace(reason); reason != "" {
		message = fmt.Sprintf("Reconciliation paused on %s: %s\nRun 'fleetagent retry' or 'fleetagent skip'", strings.TrimSpace(identity), reason)
	}
	return n.send(ctx, payload{
		title:    n.subject() + " - Decision Required",
		message:  message,
		tags:     []string{"fleetagent", "decision"},
		priority: "high",
	})
}

func (n *ntfyService) NotifyCapabilityRequired(ctx context.Context, capability string) error {
	return n.send(ctx, payload{
		title:   n.subject() + " - Capability Required",
		message: fmt.Sprintf("Waiting for %s to be granted on the device", strings.TrimSpace(capability)),
		tags:    []string{"fleetagent", "capability"},
	})
}

func (n *ntfyService) NotifyEscalation(ctx context.Context, action string, success bool) error {
	result := "succeeded"
	priority := "default"
	if !success {
		result = "failed"
		priority = "high"
	}
	return n.send(ctx, payload{
		title:    n.subject() + " - Escalation",
		message:  fmt.Sprintf("Escalation %s %s", strings.TrimSpace(action), result),
		tags:     []string{"fleetagent", "escalation", result},
		priority: priority,
	})
}

func (n *ntfyService) NotifyCrashLoop(ctx context.Context, faults int, window time.Duration) error {
	return n.send(ctx, payload{
		title:    n.subject() + " - Suspended",
		message:  fmt.Sprintf("%d faults within %s; automatic reconciliation suspended until 'fleetagent resume'", faults, window.Round(time.Second)),
		tags:     []string{"fleetagent", "crashloop", "alert"},
		priority: "urgent",
	})
}

func (n *ntfyService) NotifyError(ctx context.Context, err error, contextLabel string) error {
	var builder strings.Builder
	builder.WriteString("Error")
	if contextLabel = strings.TrimSpace(contextLabel); contextLabel != "" {
		builder.WriteString(" during ")
		builder.WriteString(contextLabel)
	}
	builder.WriteString(": ")
	if err != nil {
		builder.WriteString(strings.TrimSpace(err.Error()))
	} else {
		builder.WriteString("unknown")
	}

	return n.send(ctx, payload{
		title:    n.subject() + " - Error",
		message:  builder.String(),
		tags:     []string{"fleetagent", "error", "alert"},
		priority: "high",
	})
}

func (n *ntfyService) TestNotification(ctx context.Context) error {
	return n.send(ctx, payload{
		title:    n.subject() + " - Test",
		message:  "Notification system test",
		tags:     []string{"fleetagent", "test"},
		priority: "low",
	})
}

func (n *ntfyService) send(ctx context.Context, data payload) error {
	if n == nil || n.client == nil {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, strings.NewReader(data.message))
	if err != nil {
		return fmt.Errorf("build ntfy request: %w", err)
	}
	req.Header.Set("User-Agent", version.UserAgent())
	req.Header.Set("Content-Type", "text/plain; charset=utf-8")
	if data.title != "" {
		req.Header.Set("Title", data.title)
	}
	if len(data.tags) > 0 {
		req.Header.Set("Tags", strings.Join(data.tags, ","))
	}
	if data.priority != "" && data.priority != "default" {
		req.Header.Set("Priority", data.priority)
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send ntfy notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("ntfy returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

type noopService struct{}

func (noopService) NotifySkipped(context.Context, string, string, string) error  { return nil }
func (noopService) NotifyDecisionRequired(context.Context, string, string) error { return nil }
func (noopService) NotifyCapabilityRequired(context.Context, string) error       { return nil }
func (noopService) NotifyEscalation(context.Context, string, bool) error         { return nil }
func (noopService) NotifyCrashLoop(context.Context, int, time.Duration) error    { return nil }
func (noopService) NotifyError(context.Context, error, string) error             { return nil }
func (noopService) TestNotification(context.Context) error                       { return nil }
