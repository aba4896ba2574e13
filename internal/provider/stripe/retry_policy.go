package stripe

import (
	"errors"
	"net/http"

	"github.com/stripe/stripe-go/v79"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
	"github.com/Tanmoy095/PaySynapse/internal/resilience"
)

// mapError converts stripe-go errors into domain errors so the SDK does not
// leak past this package. The retryable flag drives the resilience policy.
func mapError(op string, err error) error {
	if err == nil {
		return nil
	}
	var stripeErr *stripe.Error
	if !errors.As(err, &stripeErr) {
		// transport failure: timeouts and resets are worth another attempt
		return derrors.Provider(op, resilience.IsRetryable(err), err)
	}
	if stripeErr.Code == stripe.ErrorCodeResourceMissing || stripeErr.HTTPStatusCode == http.StatusNotFound {
		return derrors.NotFound("stripe object", stripeErr.RequestID)
	}
	return derrors.Provider(op, isRetryableStripeError(stripeErr), err)
}

func isRetryableStripeError(e *stripe.Error) bool {
	// 5xx: Stripe is having trouble, try again
	if e.HTTPStatusCode >= 500 && e.HTTPStatusCode < 600 {
		return true
	}
	switch e.Code {
	case stripe.ErrorCodeRateLimit, stripe.ErrorCodeLockTimeout:
		return true
	case stripe.ErrorCodeCardDeclined,
		stripe.ErrorCodeExpiredCard,
		stripe.ErrorCodeIncorrectCVC,
		stripe.ErrorCodeBalanceInsufficient:
		return false
	}
	return e.HTTPStatusCode == http.StatusTooManyRequests
}
