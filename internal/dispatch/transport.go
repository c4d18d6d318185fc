package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ncol/publisher-service/internal/models"
)

// maxResponseBody bounds how much of the endpoint's answer we keep for diagnostics
const maxResponseBody = 64 << 10

// Request is one outbound dispatch
type Request struct {
	URL       string
	APIKey    string
	RequestID string
	Payload   models.DispatchPayload
}

// Response is what the endpoint answered
type Response struct {
	StatusCode int
	Body       []byte
}

// Transport delivers a dispatch request. A returned error means nothing usable
// came back; any HTTP status is reported through Response.
type Transport interface {
	Send(ctx context.Context, req Request) (*Response, error)
}

// Transports that address the endpoint some other way than Request.URL
// implement this and return false.
type urlRequirer interface {
	RequiresURL() bool
}

func requiresURL(t Transport) bool {
	if r, ok := t.(urlRequirer); ok {
		return r.RequiresURL()
	}
	return true
}

// HTTPTransport posts the payload to the API Gateway endpoint
type HTTPTransport struct {
	httpClient *http.Client
}

// NewHTTPTransport creates a transport with a fixed request timeout
func NewHTTPTransport(timeout time.Duration) *HTTPTransport {
	return &HTTPTransport{
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// Send performs a single POST without retries
func (t *HTTPTransport) Send(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Err: fmt.Errorf("failed to create request: %w", err)}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.APIKey)
	if req.RequestID != "" {
		httpReq.Header.Set("X-Request-ID", req.RequestID)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	// the status decides the outcome, a truncated body is fine
	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	return &Response{StatusCode: resp.StatusCode, Body: respBody}, nil
}
