package config

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestLoadFeeConfigDefaultsWhenFileMissing(t *testing.T) {
	holder, err := loadFeeConfigHolder(zap.NewNop(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, DefaultFeeConfig(), holder.Get())
}

func TestLoadFeeConfigFromFile(t *testing.T) {
	dir := t.TempDir()
	content := []byte("fees:\n  platformRate: 0.1\n  processorRate: 0.03\n  processorFixedFee: 25\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fees.yml"), content, 0o600))

	holder, err := loadFeeConfigHolder(zap.NewNop(), dir)
	require.NoError(t, err)

	got := holder.Get()
	assert.InDelta(t, 0.1, got.PlatformRate, 1e-9)
	assert.InDelta(t, 0.03, got.ProcessorRate, 1e-9)
	assert.Equal(t, int64(25), got.ProcessorFixedFee)
}

func TestLoadFeeConfigRejectsInvalidRate(t *testing.T) {
	dir := t.TempDir()
	content := []byte("fees:\n  platformRate: 0.05\n  processorRate: 1\n  processorFixedFee: 30\n")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "fees.yml"), content, 0o600))

	_, err := loadFeeConfigHolder(zap.NewNop(), dir)
	require.Error(t, err)
}

func TestValidateFeeConfig(t *testing.T) {
	cases := []struct {
		name    string
		cfg     FeeConfig
		wantErr bool
	}{
		{name: "defaults", cfg: DefaultFeeConfig()},
		{name: "zero", cfg: FeeConfig{}},
		{name: "nan_platform", cfg: FeeConfig{PlatformRate: math.NaN()}, wantErr: true},
		{name: "inf_processor", cfg: FeeConfig{ProcessorRate: math.Inf(1)}, wantErr: true},
		{name: "negative_fixed", cfg: FeeConfig{ProcessorFixedFee: -1}, wantErr: true},
		{name: "processor_one", cfg: FeeConfig{ProcessorRate: 1}, wantErr: true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateFeeConfig(tc.cfg)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}
