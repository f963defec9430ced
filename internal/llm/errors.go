package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
	"google.golang.org/api/googleapi"

	apperrors "llm-field-tools/internal/common/errors"
)

// errEmptyResponse is returned when a provider answers without any text.
var errEmptyResponse = errors.New("empty response from model")

// statusCode extracts the HTTP status from the provider SDK error types.
func statusCode(err error) int {
	var oe *openai.Error
	if errors.As(err, &oe) {
		return oe.StatusCode
	}
	var ae *anthropic.Error
	if errors.As(err, &ae) {
		return ae.StatusCode
	}
	var ge *googleapi.Error
	if errors.As(err, &ge) {
		return ge.Code
	}
	return 0
}

var transientPatterns = []string{
	"timeout",
	"connection reset",
	"connection refused",
	"temporarily unavailable",
	"overloaded",
	"too many requests",
	"rate limit",
	"resource_exhausted",
	"unavailable",
}

// mapError converts a provider failure to a StandardError. Cancellation of the
// caller's context is returned unchanged so the executor can tell it apart.
func mapError(providerName string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var std *apperrors.StandardError
	if errors.As(err, &std) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewModelTimeoutError(providerName, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperrors.NewModelTimeoutError(providerName, err)
	}

	switch code := statusCode(err); {
	case code == http.StatusTooManyRequests:
		return apperrors.NewRateLimitedError(providerName, err)
	case code == http.StatusRequestTimeout:
		return apperrors.NewModelTimeoutError(providerName, err)
	case code >= 500:
		return apperrors.NewModelInvocationError(providerName, true, err)
	case code >= 400:
		return apperrors.NewModelInvocationError(providerName, false, err)
	}

	lower := strings.ToLower(err.Error())
	for _, p := range transientPatterns {
		if strings.Contains(lower, p) {
			return apperrors.NewModelInvocationError(providerName, true, err)
		}
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return apperrors.NewModelInvocationError(providerName, true, err)
	}
	return apperrors.NewModelInvocationError(providerName, false, err)
}

// isTransient reports whether a mapped error is worth another attempt.
func isTransient(err error) bool {
	std := apperrors.AsStandard(err)
	return std != nil && std.Retryable
}
