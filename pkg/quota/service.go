package quota

import (
	"context"
	"fmt"
)

// Service decides which credit pool a unit of use debits. It applies the
// reset policy on every account read, inside the account's critical section.
type Service struct {
	store Store
	cfg   Config
	operations
}

// NewService wires a consumption service.
func NewService(store Store, cfg Config, options ...Option) (*Service, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Service{store: store, cfg: cfg, operations: newOperations(options...)}, nil
}

// Balance returns the account snapshot, creating the account on first
// reference and persisting a pending reset.
func (service *Service) Balance(ctx context.Context, rawUserID string) (BalanceSnapshot, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return BalanceSnapshot{}, err
	}
	var snapshot BalanceSnapshot
	operationError := runWithRetry(ctx, service.cfg.MaxUpdateAttempts, service.cfg.UpdateBackoff, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			account, reset, err := settleAccount(ctx, txStore, userID, service.cfg, service.now())
			if err != nil {
				return err
			}
			if reset {
				if err := txStore.SaveAccount(ctx, account); err != nil {
					return err
				}
			}
			snapshot = snapshotOf(account)
			return nil
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationBalance,
		UserID:    userID,
		Error:     operationError,
	})
	if operationError != nil {
		return BalanceSnapshot{}, operationError
	}
	return snapshot, nil
}

// Consume debits exactly one request from the account. Paid credits are
// debited first whenever any paid balance exists; otherwise the free pool
// is used. Both pools empty after the reset check fails the call and
// leaves the record untouched.
func (service *Service) Consume(ctx context.Context, rawUserID string) (ConsumptionResult, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return ConsumptionResult{}, err
	}
	var result ConsumptionResult
	operationError := runWithRetry(ctx, service.cfg.MaxUpdateAttempts, service.cfg.UpdateBackoff, func() error {
		return service.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			account, _, err := settleAccount(ctx, txStore, userID, service.cfg, service.now())
			if err != nil {
				return err
			}
			switch {
			case account.PaidRequests > 0:
				account.PaidRequests--
				result.PoolDebited = PoolPaid
			case account.FreeRequests > 0:
				account.FreeRequests--
				result.PoolDebited = PoolFree
			default:
				return ErrInsufficientBalance
			}
			account.TotalRequestsUsed++
			if err := txStore.SaveAccount(ctx, account); err != nil {
				return err
			}
			result.RemainingFree = account.FreeRequests
			result.RemainingPaid = account.PaidRequests
			return nil
		})
	})
	service.logOperation(ctx, OperationLog{
		Operation: operationConsume,
		UserID:    userID,
		Amount:    1,
		Pool:      result.PoolDebited,
		Error:     operationError,
	})
	if operationError != nil {
		return ConsumptionResult{}, operationError
	}
	return result, nil
}

// Stats aggregates system-wide usage counters for administrative review.
// "Active today" counts accounts whose free pool was settled on the
// current UTC calendar day.
func (service *Service) Stats(ctx context.Context) (UsageStats, error) {
	stats, operationError := service.collectStats(ctx)
	service.logOperation(ctx, OperationLog{
		Operation: operationStats,
		Error:     operationError,
	})
	if operationError != nil {
		return UsageStats{}, operationError
	}
	return stats, nil
}

func (service *Service) collectStats(ctx context.Context) (UsageStats, error) {
	totalAccounts, err := service.store.CountAccounts(ctx)
	if err != nil {
		return UsageStats{}, err
	}
	today := dayStartUTC(service.now()).Unix()
	activeToday, err := service.store.CountAccountsActiveSince(ctx, today)
	if err != nil {
		return UsageStats{}, err
	}
	promoCounts, err := service.store.CountPromoCodes(ctx)
	if err != nil {
		return UsageStats{}, err
	}
	return UsageStats{
		TotalAccounts:    totalAccounts,
		ActiveToday:      activeToday,
		TotalPromoCodes:  promoCounts.Total,
		UsedPromoCodes:   promoCounts.Used,
		ActivePromoCodes: promoCounts.Active,
		FreeAllotment:    service.cfg.FreeAllotment,
		ResetCadence:     service.cfg.ResetCadence,
		PricingTiers:     len(service.cfg.Pricing),
	}, nil
}

// settleAccount loads the account under row lock (creating it on first
// reference) and applies a pending reset in memory. The second return
// reports whether a reset was applied and needs persisting.
func settleAccount(ctx context.Context, txStore Store, userID string, cfg Config, nowUnixUTC int64) (Account, bool, error) {
	seed := Account{
		UserID:           userID,
		FreeRequests:     cfg.FreeAllotment,
		LastResetUnixUTC: dayStartUTC(nowUnixUTC).Unix(),
		CreatedUnixUTC:   nowUnixUTC,
	}
	if _, err := txStore.GetOrCreateAccount(ctx, seed); err != nil {
		return Account{}, false, err
	}
	account, err := txStore.GetAccountForUpdate(ctx, userID)
	if err != nil {
		return Account{}, false, err
	}
	decision := EvaluateReset(account.LastResetUnixUTC, cfg.ResetCadence, cfg.FreeAllotment, nowUnixUTC)
	if decision.NeedsReset {
		applyReset(&account, decision.NextAllotment, nowUnixUTC)
	}
	return account, decision.NeedsReset, nil
}

func snapshotOf(account Account) BalanceSnapshot {
	return BalanceSnapshot{
		UserID:           account.UserID,
		FreeRequests:     account.FreeRequests,
		PaidRequests:     account.PaidRequests,
		TotalUsed:        account.TotalRequestsUsed,
		LastResetUnixUTC: account.LastResetUnixUTC,
		ResetCounter:     account.ResetCounter,
		IsPremium:        account.IsPremium,
	}
}
