package verify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/miradorstack/mirador-audit/internal/models"
	"github.com/miradorstack/mirador-audit/internal/utils"
)

// Request is one chat completion sent to a verifier backend.
type Request struct {
	Kind        models.VerificationKind
	Model       string
	System      string
	User        string
	Temperature float64
	MaxTokens   int64
	// Input is the structured payload the prompt was rendered from.
	Input PromptInput
}

// Response carries the raw completion text and token accounting.
type Response struct {
	Content string
	Usage   models.TokenUsage
}

// Provider is a verifier backend.
type Provider interface {
	Name() string
	// Metered reports whether calls count against the daily quota.
	Metered() bool
	Complete(ctx context.Context, req Request) (Response, error)
}

// StatusError is an HTTP-level failure from a provider.
type StatusError struct {
	StatusCode int
	Err        error
}

func (e *StatusError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("provider returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("provider returned status %d: %v", e.StatusCode, e.Err)
}

func (e *StatusError) Unwrap() error { return e.Err }

// failure is a classified provider error.
type failure struct {
	code      utils.Code
	retryable bool
	// delivered is false when the request provably never reached the provider.
	delivered bool
}

// classify maps an attempt error to an error code. parent is the caller's
// context; attempt deadlines are reported as timeouts, parent cancellation
// as cancelled.
func classify(parent context.Context, err error) failure {
	if parent.Err() != nil {
		if errors.Is(parent.Err(), context.DeadlineExceeded) {
			return failure{code: utils.CodeLLMTimeout, delivered: true}
		}
		return failure{code: utils.CodeLLMCancelled, delivered: true}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return failure{code: utils.CodeLLMTimeout, retryable: true, delivered: true}
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusTooManyRequests:
			return failure{code: utils.CodeLLMRateLimited, retryable: true, delivered: true}
		case statusErr.StatusCode == http.StatusRequestTimeout || statusErr.StatusCode == http.StatusGatewayTimeout:
			return failure{code: utils.CodeLLMTimeout, retryable: true, delivered: true}
		case statusErr.StatusCode >= 500:
			return failure{code: utils.CodeLLMUpstream, retryable: true, delivered: true}
		case statusErr.StatusCode >= 400:
			return failure{code: utils.CodeLLMBadRequest, delivered: true}
		}
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) && opErr.Op == "dial" {
		return failure{code: utils.CodeLLMRequest, retryable: true, delivered: false}
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return failure{code: utils.CodeLLMRequest, retryable: true, delivered: false}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return failure{code: utils.CodeLLMTimeout, retryable: true, delivered: true}
		}
		return failure{code: utils.CodeLLMRequest, retryable: true, delivered: true}
	}
	return failure{code: utils.CodeLLMRequest, delivered: true}
}
