package quota

import (
	"context"
	"errors"
	"fmt"
)

// TopUpProcessor applies credit grants to the paid pool, driven by promo
// redemptions or already-validated payment confirmations.
type TopUpProcessor struct {
	store    Store
	cfg      Config
	registry *PromoRegistry
	operations
}

// NewTopUpProcessor wires a top-up processor. The registry may be nil when
// promo redemption is not routed through this processor.
func NewTopUpProcessor(store Store, cfg Config, registry *PromoRegistry, options ...Option) (*TopUpProcessor, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: store dependency is nil", ErrInvalidServiceConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &TopUpProcessor{store: store, cfg: cfg, registry: registry, operations: newOperations(options...)}, nil
}

// CreditPromo adds a grant to the paid pool and returns the new balance.
// Also backs direct administrative grants.
func (processor *TopUpProcessor) CreditPromo(ctx context.Context, rawUserID string, requests int64) (int64, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return 0, err
	}
	if requests <= 0 {
		return 0, fmt.Errorf("%w: %d requests", ErrInvalidAmount, requests)
	}
	var newBalance int64
	operationError := runWithRetry(ctx, processor.cfg.MaxUpdateAttempts, processor.cfg.UpdateBackoff, func() error {
		return processor.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			balance, err := creditPaid(ctx, txStore, userID, requests, processor.cfg, processor.now(), "")
			if err != nil {
				return err
			}
			newBalance = balance
			return nil
		})
	})
	processor.logOperation(ctx, OperationLog{
		Operation: operationCreditPromo,
		UserID:    userID,
		Amount:    requests,
		Pool:      PoolPaid,
		Error:     operationError,
	})
	if operationError != nil {
		return 0, operationError
	}
	return newBalance, nil
}

// RedeemPromo claims a code and credits its grant in one transaction, so a
// crash can never leave a claimed code without its credit.
func (processor *TopUpProcessor) RedeemPromo(ctx context.Context, rawUserID string, rawCode string) (RedeemResult, error) {
	if processor.registry == nil {
		return RedeemResult{}, fmt.Errorf("%w: promo registry not wired", ErrInvalidServiceConfig)
	}
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return RedeemResult{}, err
	}
	code, err := NormalizePromoCode(rawCode)
	if err != nil {
		return RedeemResult{}, err
	}
	var result RedeemResult
	operationError := runWithRetry(ctx, processor.cfg.MaxUpdateAttempts, processor.cfg.UpdateBackoff, func() error {
		return processor.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			promo, err := processor.registry.claim(ctx, txStore, code, userID)
			if err != nil {
				return err
			}
			newBalance, err := creditPaid(ctx, txStore, userID, promo.Requests, processor.cfg, processor.now(), code)
			if err != nil {
				return err
			}
			result = RedeemResult{
				Code:            promo.Code,
				RequestsGranted: promo.Requests,
				NewPaidBalance:  newBalance,
			}
			return nil
		})
	})
	processor.logOperation(ctx, OperationLog{
		Operation: operationRedeemPromo,
		UserID:    userID,
		Code:      code,
		Amount:    result.RequestsGranted,
		Pool:      PoolPaid,
		Error:     operationError,
	})
	if operationError != nil {
		return RedeemResult{}, operationError
	}
	return result, nil
}

// CreditPayment applies a confirmed payment. The transaction id keys a
// dedup record so duplicate delivery of the same confirmation is a no-op
// that reports the balance already in place.
func (processor *TopUpProcessor) CreditPayment(ctx context.Context, rawUserID string, rawTransactionID string, amountUnits int64) (PaymentCredit, error) {
	userID, err := NormalizeUserID(rawUserID)
	if err != nil {
		return PaymentCredit{}, err
	}
	transactionID, err := NormalizeTransactionID(rawTransactionID)
	if err != nil {
		return PaymentCredit{}, err
	}
	requests, err := processor.cfg.RequestsForPayment(amountUnits)
	if err != nil {
		return PaymentCredit{}, err
	}
	var result PaymentCredit
	operationError := runWithRetry(ctx, processor.cfg.MaxUpdateAttempts, processor.cfg.UpdateBackoff, func() error {
		return processor.store.WithTx(ctx, func(ctx context.Context, txStore Store) error {
			applied, err := txStore.GetPaymentEvent(ctx, transactionID)
			if err == nil {
				balance, balanceErr := currentPaidBalance(ctx, txStore, userID, processor.cfg, processor.now())
				if balanceErr != nil {
					return balanceErr
				}
				result = PaymentCredit{
					TransactionID:   transactionID,
					RequestsGranted: applied.RequestsGranted,
					NewPaidBalance:  balance,
					AlreadyApplied:  true,
				}
				return nil
			}
			if !errors.Is(err, ErrNotFound) {
				return err
			}
			nowUnixUTC := processor.now()
			insertErr := txStore.InsertPaymentEvent(ctx, PaymentEvent{
				TransactionID:   transactionID,
				UserID:          userID,
				AmountUnits:     amountUnits,
				RequestsGranted: requests,
				CreatedUnixUTC:  nowUnixUTC,
			})
			if errors.Is(insertErr, ErrDuplicatePayment) {
				// Lost the insert race; the retry sees the recorded event.
				return fmt.Errorf("%w: %v", ErrConcurrentUpdate, insertErr)
			}
			if insertErr != nil {
				return insertErr
			}
			balance, err := creditPaid(ctx, txStore, userID, requests, processor.cfg, nowUnixUTC, "")
			if err != nil {
				return err
			}
			result = PaymentCredit{
				TransactionID:   transactionID,
				RequestsGranted: requests,
				NewPaidBalance:  balance,
			}
			return nil
		})
	})
	processor.logOperation(ctx, OperationLog{
		Operation: operationCreditPayment,
		UserID:    userID,
		Code:      transactionID,
		Amount:    result.RequestsGranted,
		Pool:      PoolPaid,
		Error:     operationError,
	})
	if operationError != nil {
		return PaymentCredit{}, operationError
	}
	return result, nil
}

// creditPaid settles the account and adds a grant to the paid pool inside
// the caller's transaction. usedCode, when set, is appended to the
// account's redeemed-code set.
func creditPaid(ctx context.Context, txStore Store, userID string, requests int64, cfg Config, nowUnixUTC int64, usedCode string) (int64, error) {
	account, _, err := settleAccount(ctx, txStore, userID, cfg, nowUnixUTC)
	if err != nil {
		return 0, err
	}
	if usedCode != "" {
		if account.HasUsedPromo(usedCode) {
			return 0, fmt.Errorf("%w: %s", ErrAlreadyUsed, usedCode)
		}
		account.UsedPromoCodes = append(account.UsedPromoCodes, usedCode)
	}
	account.PaidRequests += requests
	if err := txStore.SaveAccount(ctx, account); err != nil {
		return 0, err
	}
	return account.PaidRequests, nil
}

func currentPaidBalance(ctx context.Context, txStore Store, userID string, cfg Config, nowUnixUTC int64) (int64, error) {
	account, reset, err := settleAccount(ctx, txStore, userID, cfg, nowUnixUTC)
	if err != nil {
		return 0, err
	}
	if reset {
		if err := txStore.SaveAccount(ctx, account); err != nil {
			return 0, err
		}
	}
	return account.PaidRequests, nil
}
