package config

import (
	"errors"
	"math"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// FeeConfig carries the escrow fee schedule. Rates are fractions (0.05 = 5%),
// the fixed processor fee is in minor currency units.
type FeeConfig struct {
	PlatformRate      float64 `mapstructure:"platformRate"`
	ProcessorRate     float64 `mapstructure:"processorRate"`
	ProcessorFixedFee int64   `mapstructure:"processorFixedFee"`
}

func DefaultFeeConfig() FeeConfig {
	return FeeConfig{
		PlatformRate:      0.05,
		ProcessorRate:     0.029,
		ProcessorFixedFee: 30,
	}
}

type FeeConfigHolder struct {
	current atomic.Value // holds FeeConfig
}

// NewStaticFeeConfigHolder returns a holder that never reloads.
func NewStaticFeeConfigHolder(cfg FeeConfig) *FeeConfigHolder {
	holder := &FeeConfigHolder{}
	holder.current.Store(cfg)
	return holder
}

func NewFeeConfigHolder(log *zap.Logger) (*FeeConfigHolder, error) {
	return loadFeeConfigHolder(log, "/etc/herdpay", ".")
}

func loadFeeConfigHolder(log *zap.Logger, paths ...string) (*FeeConfigHolder, error) {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config.fees")

	v := viper.New()
	v.SetConfigName("fees")
	v.SetConfigType("yml")
	for _, path := range paths {
		v.AddConfigPath(path)
	}

	v.SetEnvPrefix("HERDPAY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	defaults := DefaultFeeConfig()
	v.SetDefault("fees.platformRate", defaults.PlatformRate)
	v.SetDefault("fees.processorRate", defaults.ProcessorRate)
	v.SetDefault("fees.processorFixedFee", defaults.ProcessorFixedFee)

	fileFound := true
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		fileFound = false
	}

	var cfg FeeConfig
	if err := v.UnmarshalKey("fees", &cfg); err != nil {
		return nil, err
	}
	if err := ValidateFeeConfig(cfg); err != nil {
		return nil, err
	}

	holder := NewStaticFeeConfigHolder(cfg)
	if !fileFound {
		return holder, nil
	}

	v.WatchConfig()
	v.OnConfigChange(func(e fsnotify.Event) {
		var updated FeeConfig
		if err := v.UnmarshalKey("fees", &updated); err != nil {
			log.Warn("fee config reload failed", zap.Error(err))
			return
		}
		if err := ValidateFeeConfig(updated); err != nil {
			log.Warn("invalid fee config ignored", zap.Error(err))
			return
		}
		holder.current.Store(updated)
		log.Info("fee config reloaded", zap.String("file", e.Name))
	})

	return holder, nil
}

func (h *FeeConfigHolder) Get() FeeConfig {
	return h.current.Load().(FeeConfig)
}

func ValidateFeeConfig(cfg FeeConfig) error {
	if !finite(cfg.PlatformRate) || cfg.PlatformRate < 0 || cfg.PlatformRate >= 1 {
		return errors.New("fees.platformRate must be in [0, 1)")
	}
	if !finite(cfg.ProcessorRate) || cfg.ProcessorRate < 0 || cfg.ProcessorRate >= 1 {
		return errors.New("fees.processorRate must be in [0, 1)")
	}
	if cfg.ProcessorFixedFee < 0 {
		return errors.New("fees.processorFixedFee cannot be negative")
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
