package ingest

import (
	"fmt"
	"math"
	"strings"
	"time"

	"expense-ingest/pkg/config"

	"github.com/shopspring/decimal"
)

// ExtractionWeights weight the field sub-scores of a text extraction. They
// must sum to 1.
type ExtractionWeights struct {
	Amount      float64
	Currency    float64
	Description float64
	Category    float64
	Method      float64
}

func (w ExtractionWeights) sum() float64 {
	return w.Amount + w.Currency + w.Description + w.Category + w.Method
}

// Config holds every tunable constant of the pipeline. It is passed in at
// construction time; nothing reads globals.
type Config struct {
	AutoAcceptThreshold     float64
	MinAcceptableThreshold  float64
	FallbackPenalty         float64
	HomeCurrency            string
	DefaultSpeechConfidence float64
	DefaultParserConfidence float64
	SpeechWeight            float64
	ExtractionWeight        float64
	Weights                 ExtractionWeights
	ProviderTimeout         time.Duration
	MaxAmount               decimal.Decimal
	MaxTextLength           int
	DescriptionMaxRunes     int
	CategoryRulesPath       string
}

func DefaultConfig() Config {
	return Config{
		AutoAcceptThreshold:     0.85,
		MinAcceptableThreshold:  0.5,
		FallbackPenalty:         0.9,
		HomeCurrency:            "USD",
		DefaultSpeechConfidence: 0.95,
		DefaultParserConfidence: 0.6,
		SpeechWeight:            0.30,
		ExtractionWeight:        0.70,
		Weights: ExtractionWeights{
			Amount:      0.30,
			Currency:    0.20,
			Description: 0.20,
			Category:    0.15,
			Method:      0.15,
		},
		ProviderTimeout:     60 * time.Second,
		MaxAmount:           decimal.NewFromInt(10_000_000),
		MaxTextLength:       4000,
		DescriptionMaxRunes: 100,
	}
}

// ConfigFrom overlays the environment-driven settings on the defaults.
func ConfigFrom(c *config.IngestConfig) Config {
	cfg := DefaultConfig()
	cfg.AutoAcceptThreshold = c.AutoAcceptThreshold
	cfg.MinAcceptableThreshold = c.MinAcceptableThreshold
	cfg.FallbackPenalty = c.FallbackPenalty
	cfg.HomeCurrency = strings.ToUpper(c.HomeCurrency)
	cfg.DefaultSpeechConfidence = c.DefaultSpeechConfidence
	cfg.DefaultParserConfidence = c.DefaultParserConfidence
	cfg.CategoryRulesPath = c.CategoryRulesPath
	if c.ProviderTimeout > 0 {
		cfg.ProviderTimeout = c.ProviderTimeout
	}
	if c.MaxTextLength > 0 {
		cfg.MaxTextLength = c.MaxTextLength
	}
	return cfg
}

func (c Config) Validate() error {
	if c.MinAcceptableThreshold < 0 || c.AutoAcceptThreshold > 1 || c.MinAcceptableThreshold > c.AutoAcceptThreshold {
		return fmt.Errorf("invalid thresholds: min %.2f, auto-accept %.2f", c.MinAcceptableThreshold, c.AutoAcceptThreshold)
	}
	if c.FallbackPenalty <= 0 || c.FallbackPenalty > 1 {
		return fmt.Errorf("fallback penalty must be in (0, 1], got %.2f", c.FallbackPenalty)
	}
	if !IsKnownCurrency(c.HomeCurrency) {
		return fmt.Errorf("home currency %q is not a known ISO 4217 code", c.HomeCurrency)
	}
	if math.Abs(c.SpeechWeight+c.ExtractionWeight-1) > 1e-9 {
		return fmt.Errorf("audio weights must sum to 1, got %.2f", c.SpeechWeight+c.ExtractionWeight)
	}
	if math.Abs(c.Weights.sum()-1) > 1e-9 {
		return fmt.Errorf("extraction weights must sum to 1, got %.2f", c.Weights.sum())
	}
	if c.DescriptionMaxRunes < 4 {
		return fmt.Errorf("description limit too small: %d", c.DescriptionMaxRunes)
	}
	return nil
}
