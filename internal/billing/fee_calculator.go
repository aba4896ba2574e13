// internal/billing/fee_calculator.go
package billing

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	derrors "github.com/Tanmoy095/PaySynapse/internal/domain/errors"
)

// DefaultPlatformFeeRate is 1% of the payment total.
var DefaultPlatformFeeRate = decimal.RequireFromString("0.01")

// moneyPlaces is the number of decimal places amounts are stored with.
const moneyPlaces = 2

// FeeLookup resolves the provider fee (major units) for the payment being calculated.
// It is called at most once per Calculate.
type FeeLookup func(ctx context.Context) (decimal.Decimal, error)

// Breakdown is the money split of a single payment.
type Breakdown struct {
	Total       decimal.Decimal
	ProviderFee decimal.Decimal
	PlatformFee decimal.Decimal
	Net         decimal.Decimal
}

// FeeCalculator turns a raw provider amount into a validated Breakdown.
// It never touches storage, so a rejected breakdown aborts the operation before any write.
type FeeCalculator struct {
	platformFeeRate decimal.Decimal
}

func NewFeeCalculator(platformFeeRate decimal.Decimal) (*FeeCalculator, error) {
	if platformFeeRate.IsNegative() || platformFeeRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return nil, derrors.Validation("platform_fee_rate", "must be in [0, 1), got %s", platformFeeRate)
	}
	return &FeeCalculator{platformFeeRate: platformFeeRate}, nil
}

func (fc *FeeCalculator) PlatformFeeRate() decimal.Decimal { return fc.platformFeeRate }

// Calculate computes total, fees and net for rawAmountMinorUnits.
// net = total - providerFee - platformFee and must be strictly positive.
func (fc *FeeCalculator) Calculate(ctx context.Context, rawAmountMinorUnits int64, lookup FeeLookup) (Breakdown, error) {
	if rawAmountMinorUnits <= 0 {
		return Breakdown{}, derrors.Validation("amount", "must be positive, got %d", rawAmountMinorUnits)
	}
	total := FromMinorUnits(rawAmountMinorUnits)

	providerFee := decimal.Zero
	if lookup != nil {
		fee, err := lookup(ctx)
		if err != nil {
			return Breakdown{}, fmt.Errorf("provider fee lookup: %w", err)
		}
		providerFee = fee.Round(moneyPlaces)
	}
	if providerFee.IsNegative() {
		return Breakdown{}, derrors.Validation("provider_fee", "must not be negative, got %s", providerFee)
	}

	platformFee := total.Mul(fc.platformFeeRate).Round(moneyPlaces)
	net := total.Sub(providerFee).Sub(platformFee)

	b := Breakdown{Total: total, ProviderFee: providerFee, PlatformFee: platformFee, Net: net}
	if err := b.Validate(); err != nil {
		return Breakdown{}, err
	}
	return b, nil
}

// Validate checks the amount invariant. The ledger calls it again before commit.
func (b Breakdown) Validate() error {
	if !b.Net.Equal(b.Total.Sub(b.ProviderFee).Sub(b.PlatformFee)) {
		return derrors.Validation("net", "net %s != total %s - provider fee %s - platform fee %s",
			b.Net, b.Total, b.ProviderFee, b.PlatformFee)
	}
	if !b.Net.IsPositive() {
		return derrors.Validation("net", "net amount must be positive, got %s (total %s, provider fee %s, platform fee %s)",
			b.Net, b.Total, b.ProviderFee, b.PlatformFee)
	}
	return nil
}

// FromMinorUnits converts cents-style integers to a major-unit decimal (10000 -> 100.00).
func FromMinorUnits(v int64) decimal.Decimal {
	return decimal.New(v, -moneyPlaces)
}

// FixedFee is a FeeLookup for a fee already known in minor units.
func FixedFee(minor int64) FeeLookup {
	return func(context.Context) (decimal.Decimal, error) {
		return FromMinorUnits(minor), nil
	}
}
