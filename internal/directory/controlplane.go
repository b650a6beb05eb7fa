package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// ControlPlaneConfig holds settings for control plane directory lookups.
type ControlPlaneConfig struct {
	// URL is the base URL of the control plane API.
	URL string

	// APIKey authenticates the gateway to the control plane.
	APIKey string

	// Timeout for a single request.
	Timeout time.Duration

	// RetryCount is the number of retries for failed requests.
	RetryCount int

	// RetryDelay is the delay between retries.
	RetryDelay time.Duration
}

// ControlPlaneDirectory resolves accounts through the control plane API.
type ControlPlaneDirectory struct {
	cfg    ControlPlaneConfig
	client *http.Client
	logger *slog.Logger
}

// NewControlPlaneDirectory creates a directory backed by the control plane.
func NewControlPlaneDirectory(cfg ControlPlaneConfig, logger *slog.Logger) *ControlPlaneDirectory {
	return &ControlPlaneDirectory{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger,
	}
}

// LookupAccount implements Directory.
func (d *ControlPlaneDirectory) LookupAccount(ctx context.Context, database, organization, username string) (*FarmAccount, error) {
	q := url.Values{
		"database": {database},
		"username": {username},
	}
	if organization != "" {
		q.Set("organization", organization)
	}
	endpoint := fmt.Sprintf("%s/api/v1/internal/accounts?%s", d.cfg.URL, q.Encode())

	var lastErr error
	for attempt := 0; attempt <= d.cfg.RetryCount; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(d.cfg.RetryDelay):
			}
		}

		account, err := d.fetch(ctx, endpoint)
		if err == nil {
			return account, nil
		}
		lastErr = err

		// Not-found is authoritative, never retried.
		if errors.Is(err, ErrAccountNotFound) {
			return nil, err
		}
		d.logger.Warn("account lookup failed, retrying",
			"database", database,
			"organization", organization,
			"username", username,
			"attempt", attempt+1,
			"error", err)
	}
	return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, lastErr)
}

func (d *ControlPlaneDirectory) fetch(ctx context.Context, endpoint string) (*FarmAccount, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var account FarmAccount
		if err := json.NewDecoder(resp.Body).Decode(&account); err != nil {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
		return &account, nil

	case http.StatusNotFound:
		return nil, ErrAccountNotFound

	default:
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}
}

// ListRunningBackends implements BackendLister through the control plane.
func (d *ControlPlaneDirectory) ListRunningBackends(ctx context.Context) ([]BackendRecord, error) {
	endpoint := d.cfg.URL + "/api/v1/internal/backends?state=RUN"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if d.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+d.cfg.APIKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDirectoryUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(body))
	}

	var result struct {
		Backends []BackendRecord `json:"backends"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return result.Backends, nil
}
