// internal/resilience/retry_policy.go
package resilience

import (
	"context"
	"errors"
	"net"
	"syscall"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
)

// IsRetryable reports whether err is a transient failure worth another attempt.
// Domain outcomes (validation, duplicate, state, not found) never are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if isDomainOutcome(err) || errors.Is(err, context.Canceled) {
		return false
	}
	// the provider adapter knows its own error codes; its verdict wins
	var pe *derrors.ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return errors.Is(err, derrors.ErrDatabase) ||
		errors.Is(err, context.DeadlineExceeded) ||
		isRetryableNetworkError(err) ||
		isRetryableSystemError(err)
}

func isDomainOutcome(err error) bool {
	return errors.Is(err, derrors.ErrValidation) ||
		errors.Is(err, derrors.ErrDuplicate) ||
		errors.Is(err, derrors.ErrInvalidState) ||
		errors.Is(err, derrors.ErrNotFound)
}

func isRetryableNetworkError(err error) bool {
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isRetryableSystemError(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
