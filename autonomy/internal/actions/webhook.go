package actions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"
)

type WebhookClientConfig struct {
	Timeout time.Duration
	Retries int
	// RatePerSecond caps outbound calls across all runs. Zero disables the cap.
	RatePerSecond float64
	HTTPClient    *http.Client
}

// WebhookClient posts JSON to tenant-configured URLs. Transport errors and 5xx
// responses are retried; other non-2xx responses fail immediately.
type WebhookClient struct {
	client  *http.Client
	timeout time.Duration
	retries int
	limiter *rate.Limiter
}

var errWebhookRejected = errors.New("webhook rejected")

func NewWebhookClient(cfg WebhookClientConfig) *WebhookClient {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	retries := cfg.Retries
	if retries < 0 {
		retries = 0
	}
	limiter := rate.NewLimiter(rate.Inf, 0)
	if cfg.RatePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), max(1, int(cfg.RatePerSecond)))
	}
	return &WebhookClient{client: client, timeout: timeout, retries: retries, limiter: limiter}
}

func (c *WebhookClient) Post(ctx context.Context, target string, payload any) (int, error) {
	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return 0, fmt.Errorf("webhook url %q must be an absolute http(s) url", target)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("webhook marshal payload: %w", err)
	}

	attempts := c.retries + 1
	var lastErr error
	for i := 0; i < attempts; i++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return 0, err
		}
		status, err := c.post(ctx, u.String(), body)
		if err == nil {
			return status, nil
		}
		if errors.Is(err, errWebhookRejected) || ctx.Err() != nil {
			return status, err
		}
		lastErr = err
		if i < attempts-1 {
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-time.After(time.Duration(i+1) * 100 * time.Millisecond):
			}
		}
	}
	return 0, fmt.Errorf("webhook failed after %d attempts: %w", attempts, lastErr)
}

func (c *WebhookClient) post(ctx context.Context, target string, body []byte) (int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("webhook build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "zettelhub-automations/1")
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	switch {
	case resp.StatusCode >= 500:
		return resp.StatusCode, fmt.Errorf("webhook unavailable: %s", resp.Status)
	case resp.StatusCode >= 300:
		return resp.StatusCode, fmt.Errorf("%w: %s", errWebhookRejected, resp.Status)
	}
	return resp.StatusCode, nil
}
