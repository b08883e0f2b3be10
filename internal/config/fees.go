package config

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v2"

	"github.com/c50bossio/hybrid-payments/internal/model"
	"github.com/c50bossio/hybrid-payments/internal/money"
)

// FeeSchedule holds the processing fee assumed for each processor when estimating
// routing fees and optimization scenarios.
type FeeSchedule struct {
	Version    string                            `yaml:"version"`
	Platform   money.Fee                         `yaml:"platform"`
	Processors map[model.ProcessorType]money.Fee `yaml:"processors"`
}

func DefaultFeeSchedule() *FeeSchedule {
	return &FeeSchedule{
		Version:  "default",
		Platform: money.Fee{Percent: decimal.RequireFromString("0.029"), Fixed: 30},
		Processors: map[model.ProcessorType]money.Fee{
			model.ProcessorStripe: {Percent: decimal.RequireFromString("0.029"), Fixed: 30},
			model.ProcessorSquare: {Percent: decimal.RequireFromString("0.026"), Fixed: 10},
			model.ProcessorPayPal: {Percent: decimal.RequireFromString("0.0349"), Fixed: 49},
		},
	}
}

// LoadFeeSchedule reads the YAML schedule at path. Processors missing from the file keep
// their defaults.
func LoadFeeSchedule(path string) (*FeeSchedule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fee schedule: %w", err)
	}
	return ParseFeeSchedule(data)
}

func ParseFeeSchedule(data []byte) (*FeeSchedule, error) {
	fs := DefaultFeeSchedule()
	var parsed FeeSchedule
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("parse fee schedule: %w", err)
	}

	if parsed.Version != "" {
		fs.Version = parsed.Version
	}
	if !parsed.Platform.Percent.IsZero() || parsed.Platform.Fixed != 0 {
		fs.Platform = parsed.Platform
	}
	for t, fee := range parsed.Processors {
		if _, err := model.ParseProcessorType(string(t)); err != nil {
			return nil, fmt.Errorf("fee schedule: %w", err)
		}
		if fee.Percent.IsNegative() || fee.Fixed < 0 {
			return nil, fmt.Errorf("fee schedule: negative fee for %s", t)
		}
		fs.Processors[t] = fee
	}
	return fs, nil
}

// For returns the fee for a processor; the platform processor uses Platform.
func (fs *FeeSchedule) For(t model.ProcessorType) money.Fee {
	if t == model.ProcessorPlatform {
		return fs.Platform
	}
	if fee, ok := fs.Processors[t]; ok {
		return fee
	}
	return fs.Platform
}
