package quota

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
)

func TestGenerateProducesAlphabetCode(test *testing.T) {
	test.Parallel()
	registry := mustNewRegistry(test, newStubStore(test))

	code, err := registry.Generate(context.Background(), 0)
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	if len(code) != 8 {
		test.Fatalf("code length = %d, want configured default 8", len(code))
	}
	for _, char := range code {
		if !strings.ContainsRune(promoAlphabet, char) {
			test.Fatalf("code %q contains %q outside the allowed alphabet", code, char)
		}
	}
}

func TestGenerateHonorsExplicitLength(test *testing.T) {
	test.Parallel()
	registry := mustNewRegistry(test, newStubStore(test))

	code, err := registry.Generate(context.Background(), 12)
	if err != nil {
		test.Fatalf("generate: %v", err)
	}
	if len(code) != 12 {
		test.Fatalf("code length = %d, want 12", len(code))
	}
}

func TestGenerateExhaustsCollisionBudget(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.collideAllCodes = true
	registry := mustNewRegistry(test, store)

	if _, err := registry.Generate(context.Background(), 0); !errors.Is(err, ErrGenerationCollision) {
		test.Fatalf("expected ErrGenerationCollision, got %v", err)
	}
}

func TestCreateSurfacesCollisionBudgetAsOutage(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.collideAllCodes = true
	registry := mustNewRegistry(test, store)

	if _, err := registry.Create(context.Background(), 10, "admin-1", 0); !errors.Is(err, ErrTemporarilyUnavailable) {
		test.Fatalf("expected ErrTemporarilyUnavailable, got %v", err)
	}
}

func TestCreateStoresActiveCodeWithDefaults(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	registry := mustNewRegistry(test, store, fixedClock(testNow))

	promo, err := registry.Create(context.Background(), 0, "admin-1", 0)
	if err != nil {
		test.Fatalf("create: %v", err)
	}
	if promo.Requests != 10 {
		test.Fatalf("requests = %d, want configured default 10", promo.Requests)
	}
	if !promo.IsActive {
		test.Fatal("created code must start active")
	}
	if promo.CreatedBy != "admin-1" {
		test.Fatalf("created by = %q, want admin-1", promo.CreatedBy)
	}
	wantExpiry := testNow.Unix() + 30*secondsPerDay
	if promo.ExpiresAtUnixUTC != wantExpiry {
		test.Fatalf("expires = %d, want %d", promo.ExpiresAtUnixUTC, wantExpiry)
	}
	if _, ok := store.promos[promo.Code]; !ok {
		test.Fatalf("code %s not persisted", promo.Code)
	}
}

func TestCreateRejectsNegativeGrant(test *testing.T) {
	test.Parallel()
	registry := mustNewRegistry(test, newStubStore(test))
	if _, err := registry.Create(context.Background(), -5, "admin-1", 0); !errors.Is(err, ErrInvalidAmount) {
		test.Fatalf("expected ErrInvalidAmount, got %v", err)
	}
}

func TestRedeemHappyPath(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.putPromo(PromoCode{
		Code:             "SAVE20AB",
		Requests:         20,
		ExpiresAtUnixUTC: testNow.AddDate(0, 0, 10).Unix(),
		IsActive:         true,
	})
	registry := mustNewRegistry(test, store, fixedClock(testNow))

	result, err := registry.Redeem(context.Background(), "save20ab", "redeemer-1")
	if err != nil {
		test.Fatalf("redeem: %v", err)
	}
	if result.Code != "SAVE20AB" {
		test.Fatalf("code = %q, want canonical uppercase SAVE20AB", result.Code)
	}
	if result.RequestsGranted != 20 {
		test.Fatalf("granted = %d, want 20", result.RequestsGranted)
	}
	stored, err := store.GetPromoCodeForUpdate(context.Background(), "SAVE20AB")
	if err != nil {
		test.Fatalf("stored promo: %v", err)
	}
	if stored.UsedBy != "redeemer-1" || stored.IsActive {
		test.Fatalf("stored promo = %+v, want claimed by redeemer-1 and inactive", stored)
	}
	if stored.UsedAtUnixUTC != testNow.Unix() {
		test.Fatalf("used at = %d, want %d", stored.UsedAtUnixUTC, testNow.Unix())
	}
}

func TestRedeemUnknownCode(test *testing.T) {
	test.Parallel()
	registry := mustNewRegistry(test, newStubStore(test), fixedClock(testNow))
	if _, err := registry.Redeem(context.Background(), "NOPE1234", "redeemer-1"); !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRedeemUsedCode(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.putPromo(PromoCode{
		Code:             "USEDCODE",
		Requests:         10,
		ExpiresAtUnixUTC: testNow.AddDate(0, 0, 10).Unix(),
		UsedBy:           "earlier-user",
		IsActive:         true,
	})
	registry := mustNewRegistry(test, store, fixedClock(testNow))
	if _, err := registry.Redeem(context.Background(), "USEDCODE", "late-user"); !errors.Is(err, ErrAlreadyUsed) {
		test.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
}

func TestRedeemAfterRedemptionReportsAlreadyUsed(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.putPromo(PromoCode{
		Code:             "TWICE001",
		Requests:         10,
		ExpiresAtUnixUTC: testNow.AddDate(0, 0, 10).Unix(),
		IsActive:         true,
	})
	registry := mustNewRegistry(test, store, fixedClock(testNow))

	if _, err := registry.Redeem(context.Background(), "TWICE001", "first-user"); err != nil {
		test.Fatalf("first redeem: %v", err)
	}
	// Redemption leaves used_by set and is_active false; later attempts
	// must still classify as AlreadyUsed, not NotFound.
	if _, err := registry.Redeem(context.Background(), "TWICE001", "second-user"); !errors.Is(err, ErrAlreadyUsed) {
		test.Fatalf("expected ErrAlreadyUsed, got %v", err)
	}
}

func TestRedeemExpiredCode(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.putPromo(PromoCode{
		Code:             "OLDCODE1",
		Requests:         10,
		ExpiresAtUnixUTC: testNow.AddDate(0, 0, -1).Unix(),
		IsActive:         true,
	})
	registry := mustNewRegistry(test, store, fixedClock(testNow))
	if _, err := registry.Redeem(context.Background(), "OLDCODE1", "late-user"); !errors.Is(err, ErrExpired) {
		test.Fatalf("expected ErrExpired, got %v", err)
	}
}

func TestRedeemRevokedCodeReportsNotFound(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.putPromo(PromoCode{
		Code:             "REVOKED1",
		Requests:         10,
		ExpiresAtUnixUTC: testNow.AddDate(0, 0, 10).Unix(),
		IsActive:         false,
	})
	registry := mustNewRegistry(test, store, fixedClock(testNow))
	if _, err := registry.Redeem(context.Background(), "REVOKED1", "redeemer-1"); !errors.Is(err, ErrNotFound) {
		test.Fatalf("expected ErrNotFound for a revoked code, got %v", err)
	}
}

func TestRedeemConcurrentExactlyOneWinner(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.putPromo(PromoCode{
		Code:             "RACECODE",
		Requests:         10,
		ExpiresAtUnixUTC: testNow.AddDate(0, 0, 10).Unix(),
		IsActive:         true,
	})
	registry := mustNewRegistry(test, store, fixedClock(testNow))

	const redeemers = 16
	results := make([]error, redeemers)
	var wait sync.WaitGroup
	for i := 0; i < redeemers; i++ {
		wait.Add(1)
		go func(index int) {
			defer wait.Done()
			_, results[index] = registry.Redeem(context.Background(), "RACECODE", "racer")
		}(i)
	}
	wait.Wait()

	var winners, losers int
	for _, err := range results {
		switch {
		case err == nil:
			winners++
		case errors.Is(err, ErrAlreadyUsed):
			losers++
		default:
			test.Fatalf("unexpected redeem error: %v", err)
		}
	}
	if winners != 1 {
		test.Fatalf("winners = %d, want exactly 1", winners)
	}
	if losers != redeemers-1 {
		test.Fatalf("losers = %d, want %d", losers, redeemers-1)
	}
}

func TestRevokeDeactivatesCode(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.putPromo(PromoCode{
		Code:             "KILLME01",
		Requests:         10,
		ExpiresAtUnixUTC: testNow.AddDate(0, 0, 10).Unix(),
		IsActive:         true,
	})
	registry := mustNewRegistry(test, store, fixedClock(testNow))

	if err := registry.Revoke(context.Background(), "killme01"); err != nil {
		test.Fatalf("revoke: %v", err)
	}
	stored, err := store.GetPromoCodeForUpdate(context.Background(), "KILLME01")
	if err != nil {
		test.Fatalf("stored promo: %v", err)
	}
	if stored.IsActive {
		test.Fatal("revoked code must be inactive")
	}
	if err := registry.Revoke(context.Background(), "KILLME01"); !errors.Is(err, ErrNotFound) {
		test.Fatalf("second revoke expected ErrNotFound, got %v", err)
	}
}

func TestSweepExpiredDeactivatesOnlyStaleCodes(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	store.putPromo(PromoCode{
		Code:             "FRESH001",
		ExpiresAtUnixUTC: testNow.AddDate(0, 0, 5).Unix(),
		IsActive:         true,
	})
	store.putPromo(PromoCode{
		Code:             "STALE001",
		ExpiresAtUnixUTC: testNow.AddDate(0, 0, -5).Unix(),
		IsActive:         true,
	})
	registry := mustNewRegistry(test, store, fixedClock(testNow))

	swept, err := registry.SweepExpired(context.Background())
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		test.Fatalf("swept = %d, want 1", swept)
	}
	active, err := registry.ListActive(context.Background())
	if err != nil {
		test.Fatalf("list active: %v", err)
	}
	if len(active) != 1 || active[0].Code != "FRESH001" {
		test.Fatalf("active = %+v, want only FRESH001", active)
	}
}
