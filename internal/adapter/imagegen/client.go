// Package imagegen provides an HTTP client for the image generation service.
package imagegen

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Driftwald/ReelStudio/internal/port/generator"
	"github.com/Driftwald/ReelStudio/internal/resilience"
)

// Client talks to the generation service's stylize endpoint.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	breaker    *resilience.Breaker
}

// NewClient creates a new generation client. The timeout bounds a single
// stylize call; per-phase deadlines belong to the caller's context.
func NewClient(baseURL, model, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL: baseURL,
		model:   model,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// SetBreaker attaches a circuit breaker to all outgoing HTTP calls.
func (c *Client) SetBreaker(b *resilience.Breaker) {
	c.breaker = b
}

type generateRequest struct {
	Model       string `json:"model"`
	Image       string `json:"image"` // base64
	ContentType string `json:"content_type"`
	Style       string `json:"style"`
}

type generateResponse struct {
	Image       string `json:"image"` // base64
	ContentType string `json:"content_type"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Generate produces one stylized variant of the source image. All failures
// come back as *generator.Failure so the scheduler can decide whether a retry
// is worthwhile.
func (c *Client) Generate(ctx context.Context, req generator.Request) (*generator.Result, error) {
	body, err := json.Marshal(generateRequest{
		Model:       c.model,
		Image:       base64.StdEncoding.EncodeToString(req.Image),
		ContentType: req.ContentType,
		Style:       req.Style,
	})
	if err != nil {
		return nil, &generator.Failure{Kind: generator.FailInvalidInput, Message: fmt.Sprintf("marshal request: %v", err)}
	}

	var result *generator.Result
	call := func() error {
		httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/generate", bytes.NewReader(body))
		if err != nil {
			return &generator.Failure{Kind: generator.FailInvalidInput, Message: fmt.Sprintf("create request: %v", err)}
		}
		httpReq.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			kind := generator.FailUpstreamError
			var netErr net.Error
			if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
				kind = generator.FailTimeout
			}
			return &generator.Failure{Kind: kind, Message: fmt.Sprintf("http request: %v", err)}
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return &generator.Failure{Kind: generator.FailUpstreamError, Message: fmt.Sprintf("read response: %v", err)}
		}

		if resp.StatusCode >= 400 {
			return classifyHTTPError(resp, data)
		}

		var gen generateResponse
		if err := json.Unmarshal(data, &gen); err != nil {
			return &generator.Failure{Kind: generator.FailUpstreamError, Message: fmt.Sprintf("unmarshal response: %v", err)}
		}
		image, err := base64.StdEncoding.DecodeString(gen.Image)
		if err != nil {
			return &generator.Failure{Kind: generator.FailUpstreamError, Message: fmt.Sprintf("decode image: %v", err)}
		}
		if len(image) == 0 {
			return &generator.Failure{Kind: generator.FailUpstreamError, Message: "empty image in response"}
		}

		contentType := gen.ContentType
		if contentType == "" {
			contentType = "image/png"
		}
		result = &generator.Result{Image: image, ContentType: contentType}
		return nil
	}

	if c.breaker != nil {
		err = c.breaker.Execute(call)
	} else {
		err = call()
	}
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			return nil, &generator.Failure{Kind: generator.FailUpstreamError, Message: "generation service unavailable: circuit open"}
		}
		var failure *generator.Failure
		if errors.As(err, &failure) {
			return nil, failure
		}
		return nil, &generator.Failure{Kind: generator.FailUpstreamError, Message: err.Error()}
	}
	return result, nil
}

// Health checks whether the generation service is reachable.
func (c *Client) Health(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 400 {
		return false, fmt.Errorf("generation service unhealthy: %d", resp.StatusCode)
	}
	return true, nil
}

// classifyHTTPError maps an upstream error status to a typed failure. The
// upstream's own error code wins over the status-derived kind when it names
// one we know.
func classifyHTTPError(resp *http.Response, data []byte) *generator.Failure {
	message := string(data)
	var body errorResponse
	if err := json.Unmarshal(data, &body); err == nil && body.Error.Message != "" {
		message = body.Error.Message
	}

	var kind generator.FailureKind
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		kind = generator.FailRateLimited
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		kind = generator.FailTimeout
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		kind = generator.FailInvalidInput
	default:
		kind = generator.FailUpstreamError
	}
	switch body.Error.Code {
	case "rate_limited":
		kind = generator.FailRateLimited
	case "timeout":
		kind = generator.FailTimeout
	case "invalid_input":
		kind = generator.FailInvalidInput
	case "upstream_error":
		kind = generator.FailUpstreamError
	}

	failure := &generator.Failure{Kind: kind, Message: message}
	if kind == generator.FailRateLimited {
		failure.RetryAfter = parseRetryAfter(resp.Header.Get("Retry-After"))
	}
	return failure
}

// parseRetryAfter understands both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string) time.Duration {
	if value == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(value); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
