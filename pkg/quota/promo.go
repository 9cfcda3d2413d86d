package quota

import (
	"context"
	"crypto/rand"
	"fmt"
	"math/big"
)

// PromoRegistry issues and redeems one-time-use promo codes.
type PromoRegistry struct {
	store Store
	cfg   Config
	operations
}

// NewPromoRegistry wires a promo registry.
func NewPromoRegistry(store Store, cfg Config, options ...Option) (*PromoRegistry, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &PromoRegistry{store: store, cfg: cfg, operations: newOperations(options...)}, nil
}

// Generate produces an unused uppercase-alphanumeric code of the given
// length (configured default when length is zero). Collisions against
// stored codes are regenerated, never silently ignored.
func (registry *PromoRegistry) Generate(ctx context.Context, length int) (string, error) {
	if length <= 0 {
		length = registry.cfg.PromoCodeLength
	}
	for attempt := 0; attempt < registry.cfg.MaxGenerationAttempts; attempt++ {
		code, err := randomCode(length)
		if err != nil {
			return "", err
		}
		exists, err := registry.store.PromoCodeExists(ctx, code)
		if err != nil {
			return "", err
		}
		if !exists {
			return code, nil
		}
	}
	return "", WrapError(operationCreatePromo, "code", "collision_budget", ErrGenerationCollision)
}

// Create persists a new active code granting the given request count.
// Zero arguments fall back to the configured defaults.
func (registry *PromoRegistry) Create(ctx context.Context, requests int64, issuer string, validityDays int) (PromoCode, error) {
	if requests == 0 {
		requests = registry.cfg.DefaultPromoRequests
	}
	if requests < 0 {
		return PromoCode{}, fmt.Errorf("%w: %d requests", ErrInvalidAmount, requests)
	}
	if validityDays <= 0 {
		validityDays = registry.cfg.PromoValidityDays
	}
	var promo PromoCode
	var operationError error
	for attempt := 0; attempt < registry.cfg.MaxGenerationAttempts; attempt++ {
		code, err := registry.Generate(ctx, 0)
		if err != nil {
			operationError = err
			break
		}
		nowUnixUTC := registry.now()
		promo = PromoCode{
			Code:             code,
			Requests:         requests,
			CreatedBy:        issuer,
			CreatedUnixUTC:   nowUnixUTC,
			ExpiresAtUnixUTC: nowUnixUTC + int64(validityDays)*secondsPerDay,
			IsActive:         true,
		}
		operationError = registry.store.InsertPromoCode(ctx, promo)
		if !IsTransient(operationError) {
			break
		}
	}
	if IsTransient(operationError) {
		operationError = fmt.Errorf("%w: %v", ErrTemporarilyUnavailable, operationError)
	}
	registry.logOperation(ctx, OperationLog{
		Operation: operationCreatePromo,
		UserID:    issuer,
		Code:      promo.Code,
		Amount:    requests,
		Error:     operationError,
	})
	if operationError != nil {
		return PromoCode{}, operationError
	}
	return promo, nil
}

// Redeem consumes a code for a user: at most one concurrent redeemer ever
// succeeds; the rest observe AlreadyUsed or NotFound.
func (registry *PromoRegistry) Redeem(ctx context.Context, rawCode string, rawUserID string) (RedeemResult, error) {
	code, err := NormalizePromoCode(rawCode)
	if err != nil {
		return RedeemResult{}, err
	}
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return RedeemResult{}, err
	}
	var result RedeemResult
	operationError := runWithRetry(ctx, registry.cfg.MaxUpdateAttempts, registry.cfg.UpdateBackoff, func() error {
		return registry.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			promo, err := registry.claim(ctx, txStore, code, userID)
			if err != nil {
				return err
			}
			result = RedeemResult{Code: promo.Code, RequestsGranted: promo.Requests}
			return nil
		})
	})
	registry.logOperation(ctx, OperationLog{
		Operation: operationRedeemPromo,
		UserID:    userID,
		Code:      code,
		Amount:    result.RequestsGranted,
		Error:     operationError,
	})
	if operationError != nil {
		return RedeemResult{}, operationError
	}
	return result, nil
}

// claim performs the checked one-shot transition inside the caller's
// transaction. Check order: missing, already used, revoked, expired. A
// redeemed code carries used_by and deactivates, so the used check has to
// run first for later attempts to report AlreadyUsed rather than NotFound.
func (registry *PromoRegistry) claim(ctx context.Context, txStore Store, code string, userID string) (PromoCode, error) {
	promo, err := txStore.GetPromoCodeForUpdate(ctx, code)
	if err != nil {
		return PromoCode{}, err
	}
	if promo.UsedBy != "" {
		return PromoCode{}, fmt.Errorf("%w: %s", ErrAlreadyUsed, code)
	}
	if !promo.IsActive {
		return PromoCode{}, fmt.Errorf("%w: promo code %s", ErrNotFound, code)
	}
	nowUnixUTC := registry.now()
	if promo.ExpiresAtUnixUTC <= nowUnixUTC {
		return PromoCode{}, fmt.Errorf("%w: %s", ErrExpired, code)
	}
	claimed, err := txStore.ClaimPromoCode(ctx, code, userID, nowUnixUTC)
	if err != nil {
		return PromoCode{}, err
	}
	if !claimed {
		return PromoCode{}, fmt.Errorf("%w: %s", ErrAlreadyUsed, code)
	}
	promo.UsedBy = userID
	promo.UsedAtUnixUTC = nowUnixUTC
	promo.IsActive = false
	return promo, nil
}

// ListActive returns unredeemed, unexpired codes for administrative review.
func (registry *PromoRegistry) ListActive(ctx context.Context) ([]PromoCode, error) {
	return registry.store.ListActivePromoCodes(ctx, registry.now())
}

// Revoke administratively deactivates a code before redemption.
func (registry *PromoRegistry) Revoke(ctx context.Context, rawCode string) error {
	code, err := NormalizePromoCode(rawCode)
	if err != nil {
		return err
	}
	deactivated, operationError := registry.store.DeactivatePromoCode(ctx, code)
	if operationError == nil && !deactivated {
		operationError = fmt.Errorf("%w: promo code %s", ErrNotFound, code)
	}
	registry.logOperation(ctx, OperationLog{
		Operation: operationRevokePromo,
		Code:      code,
		Error:     operationError,
	})
	return operationError
}

// SweepExpired deactivates codes past their validity window. Redemption
// does not depend on the sweep; expiry is enforced at claim time.
func (registry *PromoRegistry) SweepExpired(ctx context.Context) (int64, error) {
	swept, operationError := registry.store.DeactivateExpiredPromoCodes(ctx, registry.now())
	registry.logOperation(ctx, OperationLog{
		Operation: operationSweepExpired,
		Amount:    swept,
		Error:     operationError,
	})
	return swept, operationError
}

func randomCode(length int) (string, error) {
	alphabetSize := big.NewInt(int64(len(promoAlphabet)))
	buf := make([]byte, length)
	for i := range buf {
		index, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", fmt.Errorf("promo code randomness: %w", err)
		}
		buf[i] = promoAlphabet[index.Int64()]
	}
	return string(buf), nil
}
