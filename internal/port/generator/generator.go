// Package generator defines the port for the external image generation capability.
package generator

import (
	"context"
	"fmt"
	"time"
)

// FailureKind classifies a generation failure.
type FailureKind string

const (
	FailRateLimited   FailureKind = "rate_limited"
	FailInvalidInput  FailureKind = "invalid_input"
	FailUpstreamError FailureKind = "upstream_error"
	FailTimeout       FailureKind = "timeout"
)

// Failure is a typed generation error returned by Generate.
type Failure struct {
	Kind    FailureKind
	Message string
	// RetryAfter is a backoff hint from rate-limit responses; zero when the
	// upstream provided none.
	RetryAfter time.Duration
}

func (f *Failure) Error() string {
	return fmt.Sprintf("generation %s: %s", f.Kind, f.Message)
}

// Transient reports whether a retry may succeed. Rate limits and timeouts are
// transient; invalid input and upstream errors are permanent.
func (f *Failure) Transient() bool {
	return f.Kind == FailRateLimited || f.Kind == FailTimeout
}

// Request describes one stylize call. No ordering or statefulness is assumed
// between calls.
type Request struct {
	Image       []byte
	ContentType string
	Style       string
}

// Result is one successfully generated image.
type Result struct {
	Image       []byte
	ContentType string
}

// Generator is the port interface for the image generation capability.
type Generator interface {
	// Generate produces a stylized variant of the source image. Failures are
	// returned as *Failure so callers can classify them.
	Generate(ctx context.Context, req Request) (*Result, error)
}
