// Package fee grosses a payee target amount up so that, after the platform
// commission and the processor's cut, the payee receives the target exactly.
package fee

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/herdpay/internal/config"
)

// MaxAmount caps targets so every intermediate value stays well inside int64.
const MaxAmount int64 = 1_000_000_000_000

var (
	ErrInvalidAmount = errors.New("invalid_amount")
	ErrInvalidRate   = errors.New("invalid_rate")
)

// Rates are fractions (0.05 = 5%); the fixed fee is in minor units.
type Rates struct {
	PlatformRate      float64
	ProcessorRate     float64
	ProcessorFixedFee int64
}

func RatesFromConfig(cfg config.FeeConfig) Rates {
	return Rates{
		PlatformRate:      cfg.PlatformRate,
		ProcessorRate:     cfg.ProcessorRate,
		ProcessorFixedFee: cfg.ProcessorFixedFee,
	}
}

// Breakdown is expressed in integer minor units.
type Breakdown struct {
	Target       int64 `json:"amount"`
	PlatformFee  int64 `json:"platform_fee"`
	Subtotal     int64 `json:"subtotal"`
	ProcessorFee int64 `json:"processor_fee"`
	Total        int64 `json:"total_amount"`
}

// Calculate computes
//
//	platformFee  = round(target * platformRate)
//	subtotal     = target + platformFee
//	total        = ceil((subtotal + fixedFee) / (1 - processorRate))
//	processorFee = total - subtotal
//
// The division is exact; any remainder rounds the total up.
func Calculate(target int64, rates Rates) (Breakdown, error) {
	if target <= 0 || target > MaxAmount {
		return Breakdown{}, ErrInvalidAmount
	}
	if err := validateRates(rates); err != nil {
		return Breakdown{}, err
	}

	amount := decimal.NewFromInt(target)
	platformFee := amount.Mul(decimal.NewFromFloat(rates.PlatformRate)).Round(0)
	subtotal := amount.Add(platformFee)

	numerator := subtotal.Add(decimal.NewFromInt(rates.ProcessorFixedFee))
	denominator := decimal.NewFromInt(1).Sub(decimal.NewFromFloat(rates.ProcessorRate))

	quotient, remainder := numerator.QuoRem(denominator, 0)
	if remainder.Sign() > 0 {
		quotient = quotient.Add(decimal.NewFromInt(1))
	}

	total := quotient.IntPart()
	return Breakdown{
		Target:       target,
		PlatformFee:  platformFee.IntPart(),
		Subtotal:     subtotal.IntPart(),
		ProcessorFee: total - subtotal.IntPart(),
		Total:        total,
	}, nil
}

func validateRates(rates Rates) error {
	for _, rate := range []float64{rates.PlatformRate, rates.ProcessorRate} {
		if math.IsNaN(rate) || math.IsInf(rate, 0) {
			return ErrInvalidRate
		}
		if rate < 0 || rate >= 1 {
			return ErrInvalidRate
		}
	}
	if rates.ProcessorFixedFee < 0 || rates.ProcessorFixedFee > MaxAmount {
		return ErrInvalidRate
	}
	return nil
}
