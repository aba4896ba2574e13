package webhook

import "github.com/Tanmoy095/PaySynapse/internal/payment"

// Processor authenticates a raw provider notification and decodes it.
// Event types the service has no use for decode with an empty Type-specific
// payload; the Dispatcher acknowledges them without work.
type Processor interface {
	Provider() string
	VerifyAndParse(
		payload []byte, // raw request body, unmodified
		headers map[string]string, // carries the provider signature
	) (*payment.ProviderEvent, error)
}
