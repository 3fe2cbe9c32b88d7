package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jwalitptl/notification-hub/internal/model"
	"github.com/jwalitptl/notification-hub/pkg/client/offline"
)

const apiPrefix = "/api/v1"

// APIError is a non-2xx answer from the server.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned %d", e.Status)
	}
	return fmt.Sprintf("server returned %d: %s", e.Status, e.Message)
}

func (e *APIError) HTTPStatus() int { return e.Status }

type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// API is a thin client for the notification REST endpoints a recipient uses.
type API struct {
	httpClient *http.Client
	baseURL    string
	token      string
}

func NewAPI(baseURL, token string, timeout time.Duration) *API {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &API{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
	}
}

func (a *API) GetPendingSince(ctx context.Context, since time.Time, limit int) ([]*model.PendingNotification, error) {
	q := url.Values{}
	if !since.IsZero() {
		q.Set("since", since.UTC().Format(time.RFC3339Nano))
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	path := "/notifications/pending"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var pending []*model.PendingNotification
	if err := a.doJSON(ctx, http.MethodGet, path, nil, &pending); err != nil {
		return nil, err
	}
	return pending, nil
}

func (a *API) MarkRead(ctx context.Context, deliveryRecordID uuid.UUID, at time.Time) error {
	var body interface{}
	if !at.IsZero() {
		body = map[string]time.Time{"read_at": at.UTC()}
	}
	return a.doJSON(ctx, http.MethodPost, "/deliveries/"+deliveryRecordID.String()+"/read", body, nil)
}

func (a *API) Confirm(ctx context.Context, deliveryRecordID uuid.UUID) error {
	return a.doJSON(ctx, http.MethodPost, "/deliveries/"+deliveryRecordID.String()+"/confirm", nil, nil)
}

func (a *API) UnreadCount(ctx context.Context) (int, error) {
	var out struct {
		Unread int `json:"unread"`
	}
	if err := a.doJSON(ctx, http.MethodGet, "/notifications/unread-count", nil, &out); err != nil {
		return 0, err
	}
	return out.Unread, nil
}

// Ping measures a round trip to the liveness endpoint.
func (a *API) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	if err := a.doJSON(ctx, http.MethodGet, "/health/live", nil, nil); err != nil {
		return 0, err
	}
	return time.Since(start), nil
}

// Execute replays a queued offline action against the server.
func (a *API) Execute(ctx context.Context, action *offline.Action) error {
	switch action.Operation {
	case offline.OpMarkRead:
		p, err := action.Record()
		if err != nil {
			return err
		}
		return a.MarkRead(ctx, p.DeliveryRecordID, p.At)
	case offline.OpConfirm:
		p, err := action.Record()
		if err != nil {
			return err
		}
		return a.Confirm(ctx, p.DeliveryRecordID)
	}
	return fmt.Errorf("unsupported offline operation %q", action.Operation)
}

// WebSocketURL is the real-time endpoint with the token attached, since browsers
// and most ws clients cannot set headers on the upgrade.
func (a *API) WebSocketURL() (string, error) {
	u, err := url.Parse(a.baseURL + apiPrefix + "/ws")
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.RawQuery = url.Values{"access_token": {a.token}}.Encode()
	return u.String(), nil
}

func (a *API) doJSON(ctx context.Context, method, path string, body, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		bodyReader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+apiPrefix+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var env envelope
	if resp.StatusCode != http.StatusNoContent {
		raw, err := io.ReadAll(resp.Body)
		if err != nil {
			return err
		}
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &env)
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{Status: resp.StatusCode, Message: env.Message}
	}
	if result != nil && len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}
