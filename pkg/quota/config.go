package quota

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Cadence is the free-pool replenishment period.
type Cadence string

const (
	CadenceDaily  Cadence = "daily"
	CadenceWeekly Cadence = "weekly"
)

const (
	defaultFreeAllotment           int64 = 10
	defaultPromoCodeLength               = 8
	defaultPromoValidityDays             = 30
	defaultPromoRequests           int64 = 10
	defaultServiceCodeRequests     int64 = 50
	defaultFallbackUnitsPerRequest int64 = 4
	defaultMaxUpdateAttempts             = 5
	defaultUpdateBackoff                 = 25 * time.Millisecond
	defaultMaxGenerationAttempts         = 5
)

// Config aggregates the engine's runtime settings. It is read once at
// process start and treated as immutable afterwards.
type Config struct {
	FreeAllotment           int64
	ResetCadence            Cadence
	PromoCodeLength         int
	PromoValidityDays       int
	DefaultPromoRequests    int64
	ServiceCodeRequests     int64
	Pricing                 map[int64]int64
	FallbackUnitsPerRequest int64
	MaxUpdateAttempts       int
	UpdateBackoff           time.Duration
	MaxGenerationAttempts   int
}

// DefaultPricing returns the built-in payment-unit to granted-request tiers.
func DefaultPricing() map[int64]int64 {
	return map[int64]int64{45: 10, 80: 20}
}

// Validate fills defaults and rejects unusable values.
func (cfg *Config) Validate() error {
	if cfg.FreeAllotment == 0 {
		cfg.FreeAllotment = defaultFreeAllotment
	}
	if cfg.FreeAllotment < 0 {
		return fmt.Errorf("%w: free allotment must be positive", ErrInvalidServiceConfig)
	}
	if cfg.ResetCadence == "" {
		cfg.ResetCadence = CadenceDaily
	}
	if cfg.ResetCadence != CadenceDaily && cfg.ResetCadence != CadenceWeekly {
		return fmt.Errorf("%w: %q", ErrInvalidCadence, cfg.ResetCadence)
	}
	if cfg.PromoCodeLength == 0 {
		cfg.PromoCodeLength = defaultPromoCodeLength
	}
	if cfg.PromoCodeLength < 4 {
		return fmt.Errorf("%w: promo code length must be at least 4", ErrInvalidServiceConfig)
	}
	if cfg.PromoValidityDays == 0 {
		cfg.PromoValidityDays = defaultPromoValidityDays
	}
	if cfg.PromoValidityDays < 0 {
		return fmt.Errorf("%w: promo validity days must be positive", ErrInvalidServiceConfig)
	}
	if cfg.DefaultPromoRequests == 0 {
		cfg.DefaultPromoRequests = defaultPromoRequests
	}
	if cfg.DefaultPromoRequests < 0 {
		return fmt.Errorf("%w: default promo requests must be positive", ErrInvalidServiceConfig)
	}
	if cfg.ServiceCodeRequests == 0 {
		cfg.ServiceCodeRequests = defaultServiceCodeRequests
	}
	if cfg.ServiceCodeRequests < 0 {
		return fmt.Errorf("%w: service code requests must be positive", ErrInvalidServiceConfig)
	}
	if cfg.Pricing == nil {
		cfg.Pricing = DefaultPricing()
	}
	for units, requests := range cfg.Pricing {
		if units <= 0 || requests <= 0 {
			return fmt.Errorf("%w: tier %d=%d", ErrInvalidPricing, units, requests)
		}
	}
	if cfg.FallbackUnitsPerRequest == 0 {
		cfg.FallbackUnitsPerRequest = defaultFallbackUnitsPerRequest
	}
	if cfg.FallbackUnitsPerRequest < 0 {
		return fmt.Errorf("%w: fallback units per request must be positive", ErrInvalidServiceConfig)
	}
	if cfg.MaxUpdateAttempts <= 0 {
		cfg.MaxUpdateAttempts = defaultMaxUpdateAttempts
	}
	if cfg.UpdateBackoff <= 0 {
		cfg.UpdateBackoff = defaultUpdateBackoff
	}
	if cfg.MaxGenerationAttempts <= 0 {
		cfg.MaxGenerationAttempts = defaultMaxGenerationAttempts
	}
	return nil
}

// RequestsForPayment converts a confirmed payment amount into granted
// requests: configured tiers first, otherwise the fallback ratio. Amounts
// that are non-positive or too small to grant anything are invalid rather
// than a silent no-op.
func (cfg Config) RequestsForPayment(amountUnits int64) (int64, error) {
	if amountUnits <= 0 {
		return 0, fmt.Errorf("%w: %d units", ErrInvalidAmount, amountUnits)
	}
	if requests, ok := cfg.Pricing[amountUnits]; ok {
		return requests, nil
	}
	requests := amountUnits / cfg.FallbackUnitsPerRequest
	if requests <= 0 {
		return 0, fmt.Errorf("%w: %d units below minimum tier", ErrInvalidAmount, amountUnits)
	}
	return requests, nil
}

// ParsePricingTable parses a comma-delimited "units=requests" list.
func ParsePricingTable(raw string) (map[int64]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	pricing := make(map[int64]int64)
	for _, part := range strings.Split(raw, ",") {
		trimmed := strings.TrimSpace(part)
		if trimmed == "" {
			continue
		}
		pair := strings.SplitN(trimmed, "=", 2)
		if len(pair) != 2 {
			return nil, fmt.Errorf("%w: tier %q", ErrInvalidPricing, trimmed)
		}
		units, err := strconv.ParseInt(strings.TrimSpace(pair[0]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: tier %q", ErrInvalidPricing, trimmed)
		}
		requests, err := strconv.ParseInt(strings.TrimSpace(pair[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: tier %q", ErrInvalidPricing, trimmed)
		}
		if units <= 0 || requests <= 0 {
			return nil, fmt.Errorf("%w: tier %q", ErrInvalidPricing, trimmed)
		}
		pricing[units] = requests
	}
	return pricing, nil
}
