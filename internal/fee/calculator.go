package fee

import (
	"github.com/smallbiznis/herdpay/internal/config"
	"go.uber.org/fx"
)

var Module = fx.Module("fee",
	fx.Provide(NewCalculator),
)

// Calculator applies the currently loaded fee schedule.
type Calculator struct {
	holder *config.FeeConfigHolder
}

func NewCalculator(holder *config.FeeConfigHolder) *Calculator {
	return &Calculator{holder: holder}
}

func (c *Calculator) Rates() Rates {
	if c == nil || c.holder == nil {
		return RatesFromConfig(config.DefaultFeeConfig())
	}
	return RatesFromConfig(c.holder.Get())
}

func (c *Calculator) Quote(target int64) (Breakdown, error) {
	return Calculate(target, c.Rates())
}
