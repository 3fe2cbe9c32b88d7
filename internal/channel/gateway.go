package channel

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
)

type GatewayConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// GatewaySender posts messages to an HTTP SMS or mobile push provider.
type GatewaySender struct {
	url    string
	apiKey string
	client *http.Client
}

type gatewayRequest struct {
	To        string    `json:"to"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	ActionURL string    `json:"action_url,omitempty"`
	Reference uuid.UUID `json:"reference"`
}

func NewGatewaySender(cfg GatewayConfig) *GatewaySender {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &GatewaySender{
		url:    cfg.URL,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: timeout},
	}
}

func (s *GatewaySender) Send(ctx context.Context, msg Message) error {
	if msg.Address == "" {
		return Permanent(ErrNoAddress)
	}

	body, err := json.Marshal(gatewayRequest{
		To:        msg.Address,
		Title:     msg.Title,
		Body:      msg.Body,
		ActionURL: msg.ActionURL,
		Reference: msg.DeliveryRecordID,
	})
	if err != nil {
		return Permanent(fmt.Errorf("failed to encode gateway request: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return Permanent(fmt.Errorf("failed to build gateway request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}
	// lets the provider drop retried duplicates
	req.Header.Set("Idempotency-Key", msg.DeliveryRecordID.String())

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, snippet)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return Permanent(fmt.Errorf("gateway rejected message with %d: %s", resp.StatusCode, snippet))
	default:
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, snippet)
	}
}
