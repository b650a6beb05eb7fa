package wake

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ControlPlaneOrchestratorConfig holds settings for control plane wake/stop
// requests.
type ControlPlaneOrchestratorConfig struct {
	// URL is the base URL of the control plane API.
	URL string

	// ServiceAccountToken authenticates the gateway to the control plane.
	ServiceAccountToken string

	// RequestTimeout bounds a single request.
	RequestTimeout time.Duration
}

// ControlPlaneOrchestrator starts and stops backends through the control
// plane API.
type ControlPlaneOrchestrator struct {
	cfg    ControlPlaneOrchestratorConfig
	client *http.Client
	logger *slog.Logger
}

// NewControlPlaneOrchestrator creates an orchestrator client.
func NewControlPlaneOrchestrator(cfg ControlPlaneOrchestratorConfig, logger *slog.Logger) *ControlPlaneOrchestrator {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &ControlPlaneOrchestrator{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}
}

// Start implements Orchestrator.
func (o *ControlPlaneOrchestrator) Start(ctx context.Context, backendID string) error {
	return o.post(ctx, backendID, "start")
}

// Stop implements Orchestrator.
func (o *ControlPlaneOrchestrator) Stop(ctx context.Context, backendID string) error {
	return o.post(ctx, backendID, "stop")
}

func (o *ControlPlaneOrchestrator) post(ctx context.Context, backendID, action string) error {
	endpoint := fmt.Sprintf("%s/api/v1/internal/backends/%s/%s",
		o.cfg.URL, url.PathEscape(backendID), action)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if o.cfg.ServiceAccountToken != "" {
		req.Header.Set("Authorization", "Bearer "+o.cfg.ServiceAccountToken)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to %s backend: %w", action, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s request failed with status %d: %s", action, resp.StatusCode, string(body))
	}

	// Responses carry an optional status message worth logging at debug.
	var result struct {
		Message string `json:"message,omitempty"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && result.Message != "" {
		o.logger.Debug("orchestrator response", "backend_id", backendID, "action", action, "message", result.Message)
	}
	return nil
}
