// Package webhook delivers turn triggers to the agent host. Transport
// errors and 5xx responses retry with exponential backoff; 4xx responses are
// the host refusing the turn and never retry.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/pulsedaemon/pulse/internal/config"
)

const (
	backoffInitial = 500 * time.Millisecond
	backoffMax     = 5 * time.Second
)

// Delivery outcome statuses.
const (
	StatusDelivered = "delivered" // 2xx
	StatusRejected  = "rejected"  // 4xx, no retry
	StatusFailed    = "failed"    // transport error or 5xx after retries
)

// TriggerPayload is the body POSTed to the agent webhook.
type TriggerPayload struct {
	ID            string  `json:"id"`
	Message       string  `json:"message"`
	Drive         string  `json:"drive"`
	Reason        string  `json:"reason"`
	Pressure      float64 `json:"pressure"`
	TotalPressure float64 `json:"total_pressure"`
	Timestamp     int64   `json:"timestamp"` // unix seconds
}

// Result describes one delivery attempt chain.
type Result struct {
	Status     string        `json:"status"`
	HTTPStatus int           `json:"http_status,omitempty"`
	Attempts   int           `json:"attempts"`
	Auth       string        `json:"auth"` // "bearer" or "missing"
	Duration   time.Duration `json:"-"`
	Error      string        `json:"error,omitempty"`
}

// Delivered reports whether the agent accepted the turn.
func (r Result) Delivered() bool { return r.Status == StatusDelivered }

// Client posts triggers to the configured agent host.
type Client struct {
	cfg    config.AgentConfig
	client *http.Client
	logger *slog.Logger
}

// NewClient creates a webhook client from agent config.
func NewClient(cfg config.AgentConfig, logger *slog.Logger) *Client {
	return &Client{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout.Std()},
		logger: logger.With("component", "webhook"),
	}
}

// Wake delivers a trigger payload to the agent webhook.
func (c *Client) Wake(ctx context.Context, payload TriggerPayload) Result {
	if payload.Message == "" {
		payload.Message = fmt.Sprintf("%s %s", c.cfg.MessagePrefix, payload.Reason)
	}
	return c.post(ctx, c.cfg.WebhookURL, payload)
}

// Ping sends a minimal liveness nudge to the host's wake endpoint. The wake
// URL shares scheme and host with the webhook URL; the path is fixed, so a
// webhook URL that happens to contain "/hooks/agent" elsewhere in a query
// string is never corrupted by substring surgery.
func (c *Client) Ping(ctx context.Context) Result {
	wakeURL, err := c.wakeURL()
	if err != nil {
		return Result{Status: StatusFailed, Auth: c.authLabel(), Error: err.Error()}
	}
	return c.post(ctx, wakeURL, map[string]any{
		"source":    "pulse",
		"timestamp": time.Now().Unix(),
	})
}

func (c *Client) wakeURL() (string, error) {
	u, err := url.Parse(c.cfg.WebhookURL)
	if err != nil {
		return "", fmt.Errorf("parse webhook url: %w", err)
	}
	return (&url.URL{Scheme: u.Scheme, Host: u.Host, Path: "/hooks/wake"}).String(), nil
}

func (c *Client) authLabel() string {
	if c.cfg.Token == "" {
		return "missing"
	}
	return "bearer"
}

func (c *Client) post(ctx context.Context, target string, payload any) Result {
	start := time.Now()
	result := Result{Auth: c.authLabel()}

	body, err := json.Marshal(payload)
	if err != nil {
		result.Status = StatusFailed
		result.Error = fmt.Sprintf("encode payload: %v", err)
		return result
	}

	maxAttempts := c.cfg.MaxRetries + 1
	backoff := backoffInitial
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		result.Attempts = attempt

		status, err := c.once(ctx, target, body)
		result.HTTPStatus = status
		switch {
		case err == nil && status >= 200 && status < 300:
			result.Status = StatusDelivered
			result.Error = ""
			result.Duration = time.Since(start)
			return result
		case err == nil && status >= 400 && status < 500:
			// The host heard us and said no. Retrying the same request
			// would get the same answer.
			result.Status = StatusRejected
			result.Error = fmt.Sprintf("agent rejected with %d", status)
			result.Duration = time.Since(start)
			return result
		case err != nil:
			result.Error = err.Error()
		default:
			result.Error = fmt.Sprintf("agent returned %d", status)
		}

		if attempt < maxAttempts {
			c.logger.Debug("webhook attempt failed, backing off",
				"attempt", attempt, "backoff", backoff, "error", result.Error)
			select {
			case <-ctx.Done():
				result.Status = StatusFailed
				result.Error = ctx.Err().Error()
				result.Duration = time.Since(start)
				return result
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > backoffMax {
				backoff = backoffMax
			}
		}
	}

	result.Status = StatusFailed
	result.Duration = time.Since(start)
	return result
}

func (c *Client) once(ctx context.Context, target string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		header := c.cfg.AuthHeader
		if header == "" {
			header = "Authorization"
		}
		req.Header.Set(header, "Bearer "+c.cfg.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("post webhook: %w", err)
	}
	resp.Body.Close()
	return resp.StatusCode, nil
}
