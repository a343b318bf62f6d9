package report

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPClientConfig configures both backend clients.
type HTTPClientConfig struct {
	BaseURL   string
	AuthToken string
	Timeout   time.Duration
}

func newHTTPClient(cfg HTTPClientConfig) *http.Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}

// AnalyticsClient is the HTTP AnalyticsService implementation.
type AnalyticsClient struct {
	cfg    HTTPClientConfig
	client *http.Client
}

// NewAnalyticsClient creates a client for the analytics collaborator.
func NewAnalyticsClient(cfg HTTPClientConfig) *AnalyticsClient {
	return &AnalyticsClient{cfg: cfg, client: newHTTPClient(cfg)}
}

// LogSuspiciousActivity implements AnalyticsService.
func (c *AnalyticsClient) LogSuspiciousActivity(ctx context.Context, ev SuspiciousActivity) error {
	return postJSON(ctx, c.client, c.cfg, c.cfg.BaseURL+"/api/analytics/suspicious-activity", ev, nil)
}

// StudentClient is the HTTP StudentService implementation.
type StudentClient struct {
	cfg    HTTPClientConfig
	client *http.Client
}

// NewStudentClient creates a client for the student-service collaborator.
func NewStudentClient(cfg HTTPClientConfig) *StudentClient {
	return &StudentClient{cfg: cfg, client: newHTTPClient(cfg)}
}

// SubmitWebcamMonitorEvent implements StudentService.
func (c *StudentClient) SubmitWebcamMonitorEvent(ctx context.Context, attemptID string, ev MonitorEvent) (*MonitorAck, error) {
	var ack MonitorAck
	url := fmt.Sprintf("%s/api/attempts/%s/webcam-monitor-events", c.cfg.BaseURL, attemptID)
	if err := postJSON(ctx, c.client, c.cfg, url, ev, &ack); err != nil {
		return nil, err
	}
	return &ack, nil
}

func postJSON(ctx context.Context, client *http.Client, cfg HTTPClientConfig, url string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("report: marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("report: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("report: %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("report: %s: status %d: %s", url, resp.StatusCode, string(b))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("report: decode response: %w", err)
		}
	}
	return nil
}
