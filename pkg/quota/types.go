package quota

import (
	"context"
	"fmt"
	"strings"
)

// Pool names one of the two independent credit balances.
type Pool string

const (
	PoolFree Pool = "free"
	PoolPaid Pool = "paid"
)

// String returns the pool name.
func (pool Pool) String() string {
	return string(pool)
}

// Account is the per-user balance record.
type Account struct {
	UserID            string
	FreeRequests      int64
	PaidRequests      int64
	TotalRequestsUsed int64
	LastResetUnixUTC  int64
	ResetCounter      int64
	UsedPromoCodes    []string
	IsPremium         bool
	CreatedUnixUTC    int64
}

// HasUsedPromo reports whether the account already redeemed the given code.
func (account Account) HasUsedPromo(code string) bool {
	for _, used := range account.UsedPromoCodes {
		if used == code {
			return true
		}
	}
	return false
}

// PromoCode is a one-time-use credit grant record.
type PromoCode struct {
	Code             string
	Requests         int64
	CreatedBy        string
	CreatedUnixUTC   int64
	ExpiresAtUnixUTC int64
	UsedBy           string
	UsedAtUnixUTC    int64
	IsActive         bool
}

// PaymentEvent records a consumed payment confirmation for dedup.
type PaymentEvent struct {
	TransactionID   string
	UserID          string
	AmountUnits     int64
	RequestsGranted int64
	CreatedUnixUTC  int64
}

// BalanceSnapshot is the read view handed to the dispatch layer.
type BalanceSnapshot struct {
	UserID           string
	FreeRequests     int64
	PaidRequests     int64
	TotalUsed        int64
	LastResetUnixUTC int64
	ResetCounter     int64
	IsPremium        bool
}

// ConsumptionResult reports which pool a consume call debited.
type ConsumptionResult struct {
	PoolDebited   Pool
	RemainingFree int64
	RemainingPaid int64
}

// RedeemResult reports a successful promo redemption.
type RedeemResult struct {
	Code            string
	RequestsGranted int64
	NewPaidBalance  int64
}

// PromoCounts aggregates promo code totals for administrative review.
type PromoCounts struct {
	Total  int64
	Used   int64
	Active int64
}

// UsageStats is the system-wide snapshot behind the admin stats view.
type UsageStats struct {
	TotalAccounts    int64
	ActiveToday      int64
	TotalPromoCodes  int64
	UsedPromoCodes   int64
	ActivePromoCodes int64
	FreeAllotment    int64
	ResetCadence     Cadence
	PricingTiers     int
}

// PaymentCredit reports the outcome of applying a payment confirmation.
type PaymentCredit struct {
	TransactionID   string
	RequestsGranted int64
	NewPaidBalance  int64
	AlreadyApplied  bool
}

// NormalizeUserID validates an opaque user identifier.
func NormalizeUserID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidUserID)
	}
	return trimmed, nil
}

// NormalizePromoCode validates and canonicalizes a promo code.
func NormalizePromoCode(raw string) (string, error) {
	trimmed := strings.ToUpper(strings.TrimSpace(raw))
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidPromoCode)
	}
	return trimmed, nil
}

// NormalizeTransactionID validates a payment-provider transaction id.
func NormalizeTransactionID(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty value", ErrInvalidTransactionID)
	}
	return trimmed, nil
}

// Store is the persistence contract used by the engine. Implementations
// must serialize read-modify-write cycles per account row; ClaimPromoCode
// must be a conditional one-shot transition reporting whether it won.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error
	GetOrCreateAccount(ctx context.Context, seed Account) (Account, error)
	GetAccountForUpdate(ctx context.Context, userID string) (Account, error)
	SaveAccount(ctx context.Context, account Account) error
	InsertPromoCode(ctx context.Context, promo PromoCode) error
	GetPromoCodeForUpdate(ctx context.Context, code string) (PromoCode, error)
	PromoCodeExists(ctx context.Context, code string) (bool, error)
	ClaimPromoCode(ctx context.Context, code string, userID string, usedAtUnixUTC int64) (bool, error)
	DeactivatePromoCode(ctx context.Context, code string) (bool, error)
	ListActivePromoCodes(ctx context.Context, nowUnixUTC int64) ([]PromoCode, error)
	DeactivateExpiredPromoCodes(ctx context.Context, nowUnixUTC int64) (int64, error)
	GetPaymentEvent(ctx context.Context, transactionID string) (PaymentEvent, error)
	InsertPaymentEvent(ctx context.Context, event PaymentEvent) error
	CountAccounts(ctx context.Context) (int64, error)
	CountAccountsActiveSince(ctx context.Context, sinceUnixUTC int64) (int64, error)
	CountPromoCodes(ctx context.Context) (PromoCounts, error)
}
