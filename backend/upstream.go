package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/enesunal-m/webcall"
)

// UpstreamCreatePath is the upstream endpoint that mints web call tokens.
const UpstreamCreatePath = "/v2/create-web-call"

// UpstreamError is a failed upstream exchange. StatusCode is 0 for
// transport errors.
type UpstreamError struct {
	StatusCode int
	Body       string
	Cause      error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream status %d: %s", e.StatusCode, e.Body)
	}
	return fmt.Sprintf("upstream request failed: %v", e.Cause)
}

func (e *UpstreamError) Unwrap() error { return e.Cause }

// Retryable reports whether repeating the request may succeed. Only
// transport errors and 5xx qualify; a 4xx will fail the same way again.
func (e *UpstreamError) Retryable() bool {
	return e.StatusCode == 0 || e.StatusCode >= 500
}

// WebCall is the minted call returned to the browser or CLI.
type WebCall struct {
	AccessToken string `json:"access_token"`
	CallID      string `json:"call_id,omitempty"`
	AgentID     string `json:"agent_id"`
}

// Minter creates web calls on the upstream platform.
type Minter struct {
	url    string
	apiKey string
	client *http.Client
	retry  webcall.RetryConfig
	log    *webcall.Logger
}

// NewMinter builds a Minter from cfg.
func NewMinter(cfg Config) *Minter {
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	retry := cfg.retry()
	retry.RetryableErrors = isRetryable
	return &Minter{
		url:    cfg.upstreamURL() + UpstreamCreatePath,
		apiKey: cfg.APIKey,
		client: client,
		retry:  retry,
		log:    cfg.Logger,
	}
}

func isRetryable(err error) bool {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.Retryable()
	}
	return false
}

// Mint creates one web call, retrying transient upstream failures. No token
// exists until an attempt succeeds, so retries never hand out two tokens.
func (m *Minter) Mint(ctx context.Context, req webcall.RegisterCallRequest) (WebCall, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return WebCall{}, err
	}

	var wc WebCall
	attempt := 0
	err = webcall.WithRetry(ctx, m.retry, func() error {
		attempt++
		var err error
		wc, err = m.mintOnce(ctx, body)
		if err != nil && m.log != nil {
			m.log.Warn("upstream_attempt_failed", map[string]any{"attempt": attempt, "err": err})
		}
		return err
	})
	if err != nil {
		return WebCall{}, err
	}
	if wc.AgentID == "" {
		wc.AgentID = req.AgentID
	}
	return wc, nil
}

func (m *Minter) mintOnce(ctx context.Context, body []byte) (WebCall, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.url, bytes.NewReader(body))
	if err != nil {
		return WebCall{}, err
	}
	req.Header.Set("Authorization", "Bearer "+m.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return WebCall{}, &UpstreamError{Cause: err}
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return WebCall{}, &UpstreamError{Cause: err}
	}
	if resp.StatusCode/100 != 2 {
		return WebCall{}, &UpstreamError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var wc WebCall
	if err := json.Unmarshal(b, &wc); err != nil {
		return WebCall{}, fmt.Errorf("decode upstream response: %w", err)
	}
	if wc.AccessToken == "" {
		return WebCall{}, errors.New("upstream response missing access_token")
	}
	return wc, nil
}
