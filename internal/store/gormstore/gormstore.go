package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/MarkoPoloResearchLab/quota/pkg/quota"
	gosqlite "github.com/glebarez/go-sqlite"
	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	pgUniqueViolationCode      = "23505"
	pgSerializationFailureCode = "40001"
	pgDeadlockDetectedCode     = "40P01"
	sqliteConstraintCode       = 19
	sqliteBusyCode             = 5
	sqliteLockedCode           = 6
	emptyJSONArray             = "[]"

	errorOperationStore  = "store"
	errorSubjectAccount  = "account"
	errorSubjectPromo    = "promo_code"
	errorSubjectPayment  = "payment_event"
	errorCodeCreate      = "create"
	errorCodeGet         = "get"
	errorCodeSave        = "save"
	errorCodeClaim       = "claim"
	errorCodeDeactivate  = "deactivate"
	errorCodeList        = "list"
	errorCodeCount       = "count"
	errorCodeLookup      = "lookup"
	errorCodeInvalid     = "invalid"
	errorCodeInsert      = "insert"
	errorCodeTransaction = "transaction"
)

// Store implements quota.Store using GORM.
type Store struct {
	db *gorm.DB
}

// New returns a Store backed by gorm.DB.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// Migrate creates or updates the schema for drivers without managed
// migrations (sqlite deployments and tests).
func Migrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &PromoCode{}, &PaymentEvent{})
}

// WithTx executes fn within a transaction. Serialization failures at
// commit classify as transient conflicts for the engine's retry loop.
func (store *Store) WithTx(ctx context.Context, fn func(ctx context.Context, txStore quota.Store) error) error {
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		return fn(ctx, &Store{db: transaction})
	})
	if err != nil && isSerializationConflict(err) {
		return wrapStoreError(errorSubjectAccount, errorCodeTransaction, quota.ErrConcurrentUpdate)
	}
	return err
}

func (store *Store) GetOrCreateAccount(ctx context.Context, seed quota.Account) (quota.Account, error) {
	model, err := toAccountModel(seed)
	if err != nil {
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	err = store.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "user_id"}}, DoNothing: true}).
		FirstOrCreate(&model, Account{UserID: seed.UserID}).Error
	if err != nil {
		if isDuplicateKey(err) {
			// Lost a first-reference race; the caller's retry re-reads.
			return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, quota.ErrConcurrentUpdate)
		}
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeLookup, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) GetAccountForUpdate(ctx context.Context, userID string) (quota.Account, error) {
	var model Account
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("user_id = ?", userID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, quota.ErrNotFound)
		}
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeGet, err)
	}
	account, err := mapAccount(model)
	if err != nil {
		return quota.Account{}, wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	return account, nil
}

func (store *Store) SaveAccount(ctx context.Context, account quota.Account) error {
	model, err := toAccountModel(account)
	if err != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeInvalid, err)
	}
	result := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("user_id = ?", account.UserID).
		Updates(map[string]interface{}{
			"free_requests":       model.FreeRequests,
			"paid_requests":       model.PaidRequests,
			"total_requests_used": model.TotalRequestsUsed,
			"last_reset":          model.LastReset,
			"reset_counter":       model.ResetCounter,
			"used_promo_codes":    model.UsedPromoCodes,
			"is_premium":          model.IsPremium,
		})
	if result.Error != nil {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, result.Error)
	}
	if result.RowsAffected == 0 {
		return wrapStoreError(errorSubjectAccount, errorCodeSave, quota.ErrNotFound)
	}
	return nil
}

func (store *Store) InsertPromoCode(ctx context.Context, promo quota.PromoCode) error {
	model := toPromoModel(promo)
	err := store.db.WithContext(ctx).Create(&model).Error
	if isDuplicateKey(err) {
		return wrapStoreError(errorSubjectPromo, errorCodeCreate, quota.ErrGenerationCollision)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPromo, errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetPromoCodeForUpdate(ctx context.Context, code string) (quota.PromoCode, error) {
	var model PromoCode
	err := store.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("code = ?", code).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.PromoCode{}, wrapStoreError(errorSubjectPromo, errorCodeGet, quota.ErrNotFound)
		}
		return quota.PromoCode{}, wrapStoreError(errorSubjectPromo, errorCodeGet, err)
	}
	return mapPromoCode(model), nil
}

func (store *Store) PromoCodeExists(ctx context.Context, code string) (bool, error) {
	var count int64
	err := store.db.WithContext(ctx).
		Model(&PromoCode{}).
		Where("code = ?", code).
		Count(&count).Error
	if err != nil {
		return false, wrapStoreError(errorSubjectPromo, errorCodeLookup, err)
	}
	return count > 0, nil
}

// ClaimPromoCode is the one-shot redemption transition. The WHERE clause
// guards the unused state, so exactly one concurrent claimant wins.
func (store *Store) ClaimPromoCode(ctx context.Context, code string, userID string, usedAtUnixUTC int64) (bool, error) {
	usedAt := time.Unix(usedAtUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&PromoCode{}).
		Where("code = ? AND is_active = ? AND used_by IS NULL", code, true).
		Updates(map[string]interface{}{
			"used_by":   userID,
			"used_at":   usedAt,
			"is_active": false,
		})
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPromo, errorCodeClaim, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) DeactivatePromoCode(ctx context.Context, code string) (bool, error) {
	result := store.db.WithContext(ctx).
		Model(&PromoCode{}).
		Where("code = ? AND is_active = ?", code, true).
		Update("is_active", false)
	if result.Error != nil {
		return false, wrapStoreError(errorSubjectPromo, errorCodeDeactivate, result.Error)
	}
	return result.RowsAffected > 0, nil
}

func (store *Store) ListActivePromoCodes(ctx context.Context, nowUnixUTC int64) ([]quota.PromoCode, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	var rows []PromoCode
	err := store.db.WithContext(ctx).
		Where("is_active = ? AND used_by IS NULL AND expires_at > ?", true, at).
		Order("created_at DESC").
		Find(&rows).Error
	if err != nil {
		return nil, wrapStoreError(errorSubjectPromo, errorCodeList, err)
	}
	codes := make([]quota.PromoCode, 0, len(rows))
	for _, row := range rows {
		codes = append(codes, mapPromoCode(row))
	}
	return codes, nil
}

func (store *Store) DeactivateExpiredPromoCodes(ctx context.Context, nowUnixUTC int64) (int64, error) {
	at := time.Unix(nowUnixUTC, 0).UTC()
	result := store.db.WithContext(ctx).
		Model(&PromoCode{}).
		Where("is_active = ? AND expires_at <= ?", true, at).
		Update("is_active", false)
	if result.Error != nil {
		return 0, wrapStoreError(errorSubjectPromo, errorCodeDeactivate, result.Error)
	}
	return result.RowsAffected, nil
}

func (store *Store) GetPaymentEvent(ctx context.Context, transactionID string) (quota.PaymentEvent, error) {
	var model PaymentEvent
	err := store.db.WithContext(ctx).
		Where("transaction_id = ?", transactionID).
		Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return quota.PaymentEvent{}, wrapStoreError(errorSubjectPayment, errorCodeGet, quota.ErrNotFound)
		}
		return quota.PaymentEvent{}, wrapStoreError(errorSubjectPayment, errorCodeGet, err)
	}
	return mapPaymentEvent(model), nil
}

func (store *Store) InsertPaymentEvent(ctx context.Context, event quota.PaymentEvent) error {
	model := PaymentEvent{
		TransactionID:   event.TransactionID,
		UserID:          event.UserID,
		AmountUnits:     event.AmountUnits,
		RequestsGranted: event.RequestsGranted,
		CreatedAt:       time.Unix(event.CreatedUnixUTC, 0).UTC(),
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isDuplicateKey(err) {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, quota.ErrDuplicatePayment)
	}
	if err != nil {
		return wrapStoreError(errorSubjectPayment, errorCodeInsert, err)
	}
	return nil
}

func (store *Store) CountAccounts(ctx context.Context) (int64, error) {
	var count int64
	err := store.db.WithContext(ctx).Model(&Account{}).Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CountAccountsActiveSince(ctx context.Context, sinceUnixUTC int64) (int64, error) {
	since := time.Unix(sinceUnixUTC, 0).UTC()
	var count int64
	err := store.db.WithContext(ctx).
		Model(&Account{}).
		Where("last_reset >= ?", since).
		Count(&count).Error
	if err != nil {
		return 0, wrapStoreError(errorSubjectAccount, errorCodeCount, err)
	}
	return count, nil
}

func (store *Store) CountPromoCodes(ctx context.Context) (quota.PromoCounts, error) {
	var counts quota.PromoCounts
	err := store.db.WithContext(ctx).Model(&PromoCode{}).Count(&counts.Total).Error
	if err != nil {
		return quota.PromoCounts{}, wrapStoreError(errorSubjectPromo, errorCodeCount, err)
	}
	err = store.db.WithContext(ctx).
		Model(&PromoCode{}).
		Where("used_by IS NOT NULL").
		Count(&counts.Used).Error
	if err != nil {
		return quota.PromoCounts{}, wrapStoreError(errorSubjectPromo, errorCodeCount, err)
	}
	err = store.db.WithContext(ctx).
		Model(&PromoCode{}).
		Where("is_active = ? AND used_by IS NULL", true).
		Count(&counts.Active).Error
	if err != nil {
		return quota.PromoCounts{}, wrapStoreError(errorSubjectPromo, errorCodeCount, err)
	}
	return counts, nil
}

func wrapStoreError(subject string, code string, err error) error {
	return quota.WrapError(errorOperationStore, subject, code, err)
}

func toAccountModel(account quota.Account) (Account, error) {
	usedCodes := account.UsedPromoCodes
	if usedCodes == nil {
		usedCodes = []string{}
	}
	raw, err := json.Marshal(usedCodes)
	if err != nil {
		return Account{}, err
	}
	createdAt := time.Unix(account.CreatedUnixUTC, 0).UTC()
	if account.CreatedUnixUTC == 0 {
		createdAt = time.Now().UTC()
	}
	return Account{
		UserID:            account.UserID,
		FreeRequests:      account.FreeRequests,
		PaidRequests:      account.PaidRequests,
		TotalRequestsUsed: account.TotalRequestsUsed,
		LastReset:         time.Unix(account.LastResetUnixUTC, 0).UTC(),
		ResetCounter:      account.ResetCounter,
		UsedPromoCodes:    datatypes.JSON(raw),
		IsPremium:         account.IsPremium,
		CreatedAt:         createdAt,
	}, nil
}

func mapAccount(model Account) (quota.Account, error) {
	usedCodes := []string{}
	if len(model.UsedPromoCodes) > 0 {
		if err := json.Unmarshal(model.UsedPromoCodes, &usedCodes); err != nil {
			return quota.Account{}, err
		}
	}
	return quota.Account{
		UserID:            model.UserID,
		FreeRequests:      model.FreeRequests,
		PaidRequests:      model.PaidRequests,
		TotalRequestsUsed: model.TotalRequestsUsed,
		LastResetUnixUTC:  model.LastReset.UTC().Unix(),
		ResetCounter:      model.ResetCounter,
		UsedPromoCodes:    usedCodes,
		IsPremium:         model.IsPremium,
		CreatedUnixUTC:    model.CreatedAt.UTC().Unix(),
	}, nil
}

func toPromoModel(promo quota.PromoCode) PromoCode {
	model := PromoCode{
		Code:      promo.Code,
		Requests:  promo.Requests,
		CreatedBy: promo.CreatedBy,
		CreatedAt: time.Unix(promo.CreatedUnixUTC, 0).UTC(),
		ExpiresAt: time.Unix(promo.ExpiresAtUnixUTC, 0).UTC(),
		IsActive:  promo.IsActive,
	}
	if promo.UsedBy != "" {
		usedBy := promo.UsedBy
		model.UsedBy = &usedBy
		usedAt := time.Unix(promo.UsedAtUnixUTC, 0).UTC()
		model.UsedAt = &usedAt
	}
	return model
}

func mapPromoCode(model PromoCode) quota.PromoCode {
	promo := quota.PromoCode{
		Code:             model.Code,
		Requests:         model.Requests,
		CreatedBy:        model.CreatedBy,
		CreatedUnixUTC:   model.CreatedAt.UTC().Unix(),
		ExpiresAtUnixUTC: model.ExpiresAt.UTC().Unix(),
		IsActive:         model.IsActive,
	}
	if model.UsedBy != nil {
		promo.UsedBy = *model.UsedBy
	}
	if model.UsedAt != nil {
		promo.UsedAtUnixUTC = model.UsedAt.UTC().Unix()
	}
	return promo
}

func mapPaymentEvent(model PaymentEvent) quota.PaymentEvent {
	return quota.PaymentEvent{
		TransactionID:   model.TransactionID,
		UserID:          model.UserID,
		AmountUnits:     model.AmountUnits,
		RequestsGranted: model.RequestsGranted,
		CreatedUnixUTC:  model.CreatedAt.UTC().Unix(),
	}
}

func isDuplicateKey(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolationCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()&0xFF == sqliteConstraintCode
	}
	return false
}

func isSerializationConflict(err error) bool {
	if err == nil {
		return false
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgSerializationFailureCode || pgErr.Code == pgDeadlockDetectedCode
	}
	var sqliteErr *gosqlite.Error
	if errors.As(err, &sqliteErr) {
		code := sqliteErr.Code() & 0xFF
		return code == sqliteBusyCode || code == sqliteLockedCode
	}
	return false
}
