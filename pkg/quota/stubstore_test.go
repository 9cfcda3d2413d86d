package quota

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

// stubStore is an in-memory Store. A transaction mutex serializes WithTx
// bodies so concurrent redemption tests exercise the real claim ordering.
type stubStore struct {
	txMu sync.Mutex
	mu   sync.Mutex

	accounts map[string]Account
	promos   map[string]PromoCode
	payments map[string]PaymentEvent

	saveAccountErr  error
	collideAllCodes bool
}

func newStubStore(test *testing.T) *stubStore {
	test.Helper()
	return &stubStore{
		accounts: make(map[string]Account),
		promos:   make(map[string]PromoCode),
		payments: make(map[string]PaymentEvent),
	}
}

func (store *stubStore) WithTx(ctx context.Context, fn func(ctx context.Context, txStore Store) error) error {
	store.txMu.Lock()
	defer store.txMu.Unlock()
	return fn(ctx, store)
}

func (store *stubStore) GetOrCreateAccount(ctx context.Context, seed Account) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if existing, ok := store.accounts[seed.UserID]; ok {
		return existing, nil
	}
	store.accounts[seed.UserID] = seed
	return seed, nil
}

func (store *stubStore) GetAccountForUpdate(ctx context.Context, userID string) (Account, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID]
	if !ok {
		return Account{}, fmt.Errorf("%w: account %s", ErrNotFound, userID)
	}
	return account, nil
}

func (store *stubStore) SaveAccount(ctx context.Context, account Account) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.saveAccountErr != nil {
		return store.saveAccountErr
	}
	if _, ok := store.accounts[account.UserID]; !ok {
		return fmt.Errorf("%w: account %s", ErrNotFound, account.UserID)
	}
	store.accounts[account.UserID] = account
	return nil
}

func (store *stubStore) InsertPromoCode(ctx context.Context, promo PromoCode) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.promos[promo.Code]; ok {
		return fmt.Errorf("%w: %s", ErrGenerationCollision, promo.Code)
	}
	store.promos[promo.Code] = promo
	return nil
}

func (store *stubStore) GetPromoCodeForUpdate(ctx context.Context, code string) (PromoCode, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	promo, ok := store.promos[code]
	if !ok {
		return PromoCode{}, fmt.Errorf("%w: promo code %s", ErrNotFound, code)
	}
	return promo, nil
}

func (store *stubStore) PromoCodeExists(ctx context.Context, code string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	if store.collideAllCodes {
		return true, nil
	}
	_, ok := store.promos[code]
	return ok, nil
}

func (store *stubStore) ClaimPromoCode(ctx context.Context, code string, userID string, usedAtUnixUTC int64) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	promo, ok := store.promos[code]
	if !ok || !promo.IsActive || promo.UsedBy != "" {
		return false, nil
	}
	promo.UsedBy = userID
	promo.UsedAtUnixUTC = usedAtUnixUTC
	promo.IsActive = false
	store.promos[code] = promo
	return true, nil
}

func (store *stubStore) DeactivatePromoCode(ctx context.Context, code string) (bool, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	promo, ok := store.promos[code]
	if !ok || !promo.IsActive {
		return false, nil
	}
	promo.IsActive = false
	store.promos[code] = promo
	return true, nil
}

func (store *stubStore) ListActivePromoCodes(ctx context.Context, nowUnixUTC int64) ([]PromoCode, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var active []PromoCode
	for _, promo := range store.promos {
		if promo.IsActive && promo.ExpiresAtUnixUTC > nowUnixUTC {
			active = append(active, promo)
		}
	}
	return active, nil
}

func (store *stubStore) DeactivateExpiredPromoCodes(ctx context.Context, nowUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var swept int64
	for code, promo := range store.promos {
		if promo.IsActive && promo.ExpiresAtUnixUTC <= nowUnixUTC {
			promo.IsActive = false
			store.promos[code] = promo
			swept++
		}
	}
	return swept, nil
}

func (store *stubStore) GetPaymentEvent(ctx context.Context, transactionID string) (PaymentEvent, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	event, ok := store.payments[transactionID]
	if !ok {
		return PaymentEvent{}, fmt.Errorf("%w: payment %s", ErrNotFound, transactionID)
	}
	return event, nil
}

func (store *stubStore) InsertPaymentEvent(ctx context.Context, event PaymentEvent) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	if _, ok := store.payments[event.TransactionID]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicatePayment, event.TransactionID)
	}
	store.payments[event.TransactionID] = event
	return nil
}

func (store *stubStore) CountAccounts(ctx context.Context) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	return int64(len(store.accounts)), nil
}

func (store *stubStore) CountAccountsActiveSince(ctx context.Context, sinceUnixUTC int64) (int64, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var count int64
	for _, account := range store.accounts {
		if account.LastResetUnixUTC >= sinceUnixUTC {
			count++
		}
	}
	return count, nil
}

func (store *stubStore) CountPromoCodes(ctx context.Context) (PromoCounts, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	var counts PromoCounts
	for _, promo := range store.promos {
		counts.Total++
		if promo.UsedBy != "" {
			counts.Used++
		}
		if promo.IsActive && promo.UsedBy == "" {
			counts.Active++
		}
	}
	return counts, nil
}

func (store *stubStore) mustAccount(test *testing.T, userID string) Account {
	test.Helper()
	store.mu.Lock()
	defer store.mu.Unlock()
	account, ok := store.accounts[userID]
	if !ok {
		test.Fatalf("account %s not stored", userID)
	}
	return account
}

func (store *stubStore) putAccount(account Account) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.accounts[account.UserID] = account
}

func (store *stubStore) putPromo(promo PromoCode) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.promos[promo.Code] = promo
}

var testNow = time.Date(2026, time.March, 15, 12, 30, 0, 0, time.UTC)

func fixedClock(at time.Time) Option {
	return WithClock(func() int64 { return at.UTC().Unix() })
}

func testConfig() Config {
	return Config{
		FreeAllotment:           10,
		ResetCadence:            CadenceDaily,
		PromoCodeLength:         8,
		PromoValidityDays:       30,
		DefaultPromoRequests:    10,
		ServiceCodeRequests:     50,
		Pricing:                 map[int64]int64{45: 10, 80: 20},
		FallbackUnitsPerRequest: 4,
		MaxUpdateAttempts:       3,
		UpdateBackoff:           time.Millisecond,
		MaxGenerationAttempts:   5,
	}
}

func mustNewService(test *testing.T, store Store, options ...Option) *Service {
	test.Helper()
	service, err := NewService(store, testConfig(), options...)
	if err != nil {
		test.Fatalf("new service: %v", err)
	}
	return service
}

func mustNewRegistry(test *testing.T, store Store, options ...Option) *PromoRegistry {
	test.Helper()
	registry, err := NewPromoRegistry(store, testConfig(), options...)
	if err != nil {
		test.Fatalf("new promo registry: %v", err)
	}
	return registry
}

func mustNewProcessor(test *testing.T, store Store, registry *PromoRegistry, options ...Option) *TopUpProcessor {
	test.Helper()
	processor, err := NewTopUpProcessor(store, testConfig(), registry, options...)
	if err != nil {
		test.Fatalf("new topup processor: %v", err)
	}
	return processor
}

func dayStamp(at time.Time) int64 {
	return dayStartUTC(at.UTC().Unix()).Unix()
}
