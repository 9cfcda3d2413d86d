package gormstore

import (
	"time"

	"gorm.io/datatypes"
)

// Account represents the accounts table.
type Account struct {
	UserID            string         `gorm:"primaryKey"`
	FreeRequests      int64          `gorm:"not null"`
	PaidRequests      int64          `gorm:"not null"`
	TotalRequestsUsed int64          `gorm:"not null"`
	LastReset         time.Time      `gorm:"not null"`
	ResetCounter      int64          `gorm:"not null"`
	UsedPromoCodes    datatypes.JSON `gorm:"not null"`
	IsPremium         bool           `gorm:"not null"`
	CreatedAt         time.Time      `gorm:"not null"`
}

func (Account) TableName() string { return "accounts" }

// PromoCode mirrors the promo_codes table. Rows are kept for audit after
// redemption; is_active flips false exactly once.
type PromoCode struct {
	Code      string     `gorm:"primaryKey"`
	Requests  int64      `gorm:"not null"`
	CreatedBy string     `gorm:"not null"`
	CreatedAt time.Time  `gorm:"not null"`
	ExpiresAt time.Time  `gorm:"not null;index:idx_promo_active_expiry,priority:2"`
	UsedBy    *string    `gorm:""`
	UsedAt    *time.Time `gorm:""`
	IsActive  bool       `gorm:"not null;index:idx_promo_active_expiry,priority:1"`
}

func (PromoCode) TableName() string { return "promo_codes" }

// PaymentEvent mirrors the payment_events table, keyed by the provider
// transaction id so a re-delivered confirmation cannot credit twice.
type PaymentEvent struct {
	TransactionID   string    `gorm:"primaryKey"`
	UserID          string    `gorm:"not null;index:idx_payment_events_user"`
	AmountUnits     int64     `gorm:"not null"`
	RequestsGranted int64     `gorm:"not null"`
	CreatedAt       time.Time `gorm:"not null"`
}

func (PaymentEvent) TableName() string { return "payment_events" }
