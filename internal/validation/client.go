// Package validation implements the client for the remote action validation
// API. Every queued action must be validated by the backend before it is
// considered synchronized.
package validation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// ActionType classifies an action submitted for validation.
type ActionType string

// Action types accepted by the validation API.
const (
	ActionChat        ActionType = "chat"
	ActionAppointment ActionType = "appointment"
	ActionEmergency   ActionType = "emergency"
)

// RiskLevel is the backend's triage assessment of an action.
type RiskLevel string

// Risk levels returned by the validation API.
const (
	RiskLow     RiskLevel = "low"
	RiskMedium  RiskLevel = "medium"
	RiskHigh    RiskLevel = "high"
	RiskUnknown RiskLevel = "unknown"
)

// Request is the payload sent to the validation endpoint.
type Request struct {
	Type    ActionType      `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Response is the backend's validation verdict.
type Response struct {
	// IsValid reports whether the backend accepted the action.
	IsValid bool `json:"isValid"`

	// Confidence is the backend's confidence in the verdict, in [0, 1].
	// Nil when the backend did not report one.
	Confidence *float64 `json:"confidence,omitempty"`

	// RiskLevel is the triage assessment; empty maps to unknown.
	RiskLevel RiskLevel `json:"risk_level,omitempty"`

	// Message is a human-readable explanation of the verdict.
	Message string `json:"message,omitempty"`
}

// GetRiskLevel returns the risk level, normalizing absent values to unknown.
func (r *Response) GetRiskLevel() RiskLevel {
	if r.RiskLevel == "" {
		return RiskUnknown
	}
	return r.RiskLevel
}

// Error is returned when a validation call fails. Transient errors indicate
// transport or server-side failures that may succeed on a later attempt;
// non-transient errors are definitive rejections of the request itself.
type Error struct {
	// StatusCode is the HTTP status, or 0 for transport failures.
	StatusCode int

	// Transient reports whether retrying the same request may succeed.
	Transient bool

	Err error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("validation request failed with status %d: %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("validation request failed: %v", e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// IsTransient reports whether err is a validation error worth retrying.
func IsTransient(err error) bool {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Transient
	}
	// Errors outside the taxonomy (context cancellation, codec failures on
	// our side of the wire) are treated as transport-level.
	return true
}

//go:generate mockgen -destination=mocks/mock_validator.go -package=mocks -source=client.go Validator

// Validator validates actions against the backend.
type Validator interface {
	// Validate submits a single action and returns the backend's verdict.
	// The returned error, when non-nil, is always a *Error.
	Validate(ctx context.Context, req *Request) (*Response, error)
}

const (
	validatePath = "/api/validate"
	userAgent    = "dentaflow-sync-agent"

	// maxResponseSize bounds how much of a response body we will read.
	maxResponseSize = 1 << 20
)

// Client is the HTTP implementation of Validator.
type Client struct {
	endpoint   string
	httpClient *http.Client
	maxTries   uint
	retryDelay time.Duration
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient overrides the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithRetry configures the in-call retry policy for transient failures.
func WithRetry(attempts int, initialDelay time.Duration) ClientOption {
	return func(c *Client) {
		if attempts > 0 {
			c.maxTries = uint(attempts)
		}
		if initialDelay > 0 {
			c.retryDelay = initialDelay
		}
	}
}

// NewClient creates a validation client for the given API endpoint.
func NewClient(endpoint string, timeout time.Duration, opts ...ClientOption) *Client {
	c := &Client{
		endpoint: endpoint,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		maxTries:   3,
		retryDelay: time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Validate implements Validator. Transient failures (transport errors and
// 5xx responses) are retried with exponential backoff within the call;
// definitive rejections (4xx) return immediately.
func (c *Client) Validate(ctx context.Context, req *Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, &Error{Transient: false, Err: fmt.Errorf("encoding request: %w", err)}
	}

	operation := func() (*Response, error) {
		return c.doValidate(ctx, body)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retryDelay

	resp, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(c.maxTries),
	)
	if err != nil {
		var verr *Error
		if errors.As(err, &verr) {
			return nil, verr
		}
		return nil, &Error{Transient: true, Err: err}
	}
	return resp, nil
}

func (c *Client) doValidate(ctx context.Context, body []byte) (*Response, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.endpoint+validatePath, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(&Error{Transient: false, Err: err})
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("User-Agent", userAgent)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &Error{Transient: true, Err: err}
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseSize))
	if err != nil {
		return nil, &Error{Transient: true, Err: fmt.Errorf("reading response: %w", err)}
	}

	switch {
	case httpResp.StatusCode >= 500:
		return nil, &Error{
			StatusCode: httpResp.StatusCode,
			Transient:  true,
			Err:        fmt.Errorf("server error"),
		}
	case httpResp.StatusCode >= 400:
		// Definitive rejection of this request; retrying cannot help.
		return nil, backoff.Permanent(&Error{
			StatusCode: httpResp.StatusCode,
			Transient:  false,
			Err:        fmt.Errorf("request rejected"),
		})
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		return nil, &Error{Transient: true, Err: fmt.Errorf("decoding response: %w", err)}
	}
	return &resp, nil
}
