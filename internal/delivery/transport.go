package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/headlessly/analytics-go/pkg/event"
)

// Transport performs one confirmable delivery of a batch.
type Transport interface {
	Send(ctx context.Context, events []event.Event) error
}

// BeaconTransport is the unconfirmable, unload-safe delivery path. Sends are
// fire-and-forget: no confirmation, no retry.
type BeaconTransport interface {
	SendBeacon(events []event.Event)
}

// StatusError reports a non-2xx collector response.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector responded with status %d", e.Code)
}

// Retryable reports whether the response status warrants another attempt.
// 4xx means the payload itself was rejected and will never succeed.
func (e *StatusError) Retryable() bool {
	return e.Code < 400 || e.Code >= 500
}

type batchBody struct {
	Events []event.Event `json:"events"`
}

// HTTPTransport delivers batches to the collector endpoint. It implements
// both Transport and BeaconTransport against the same URL.
type HTTPTransport struct {
	endpoint string
	apiKey   string
	client   *http.Client
	log      *zap.Logger
}

// NewHTTPTransport creates a transport for the given collector endpoint.
// A nil client gets a default with a 10 second timeout.
func NewHTTPTransport(endpoint, apiKey string, client *http.Client, log *zap.Logger) *HTTPTransport {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &HTTPTransport{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   client,
		log:      log,
	}
}

// Send posts the batch with the delivery credential attached. A 2xx response
// is success; anything else is a *StatusError.
func (t *HTTPTransport) Send(ctx context.Context, events []event.Event) error {
	body, err := json.Marshal(batchBody{Events: events})
	if err != nil {
		return fmt.Errorf("failed to encode batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+t.apiKey)

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode}
	}
	return nil
}

// SendBeacon posts the batch without headers or confirmation. Used for
// last-effort unload flushes where the outcome cannot be observed.
func (t *HTTPTransport) SendBeacon(events []event.Event) {
	body, err := json.Marshal(batchBody{Events: events})
	if err != nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint, bytes.NewReader(body))
	if err != nil {
		return
	}

	resp, err := t.client.Do(req)
	if err != nil {
		t.log.Debug("beacon send failed", zap.Error(err))
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
