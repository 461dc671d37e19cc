package service

import (
	"context"

	"github.com/MWANGAZA-LAB/SatsConnect-sub001/config"
)

// StaticRateProvider implements ports.RateProvider from configuration. The
// rate is captured once per transaction at creation time, so a configured
// rate keeps conversions deterministic across retries of the same job.
type StaticRateProvider struct {
	kesPerBTC float64
}

// NewStaticRateProvider creates a rate provider pinned to the configured
// KES-per-BTC rate.
func NewStaticRateProvider(cfg config.RateConfig) *StaticRateProvider {
	return &StaticRateProvider{kesPerBTC: cfg.KesPerBTC}
}

// KesPerBTC returns the configured exchange rate.
func (p *StaticRateProvider) KesPerBTC(_ context.Context) (float64, error) {
	return p.kesPerBTC, nil
}
