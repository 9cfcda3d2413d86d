package botapi

// BalancePayload is the balance snapshot handed to the dispatcher.
type BalancePayload struct {
	UserID       string `json:"user_id"`
	FreeRequests int64  `json:"free_requests"`
	PaidRequests int64  `json:"paid_requests"`
	TotalUsed    int64  `json:"total_used"`
	LastReset    string `json:"last_reset"`
	ResetCounter int64  `json:"reset_counter"`
	IsPremium    bool   `json:"is_premium"`
}

// ConsumeEnvelope reports a consumption outcome plus the updated balance.
type ConsumeEnvelope struct {
	Status        string         `json:"status"`
	PoolDebited   string         `json:"pool_debited,omitempty"`
	RemainingFree int64          `json:"remaining_free"`
	RemainingPaid int64          `json:"remaining_paid"`
	ItemToken     string         `json:"item_token,omitempty"`
	Balance       BalancePayload `json:"balance"`
}

// RedeemEnvelope reports a successful promo redemption.
type RedeemEnvelope struct {
	Code            string `json:"code"`
	RequestsGranted int64  `json:"requests_granted"`
	PaidRequests    int64  `json:"paid_requests"`
}

// PaymentEnvelope reports the outcome of a payment confirmation.
type PaymentEnvelope struct {
	TransactionID   string `json:"transaction_id"`
	RequestsGranted int64  `json:"requests_granted"`
	PaidRequests    int64  `json:"paid_requests"`
	AlreadyApplied  bool   `json:"already_applied"`
}

// PromoPayload mirrors a promo code record for administrative views.
type PromoPayload struct {
	Code             string `json:"code"`
	Requests         int64  `json:"requests"`
	CreatedBy        string `json:"created_by"`
	CreatedUnixUTC   int64  `json:"created_unix_utc"`
	ExpiresAtUnixUTC int64  `json:"expires_at_unix_utc"`
	IsActive         bool   `json:"is_active"`
}

// ItemEnvelope confirms a registered pending item.
type ItemEnvelope struct {
	UserID    string `json:"user_id"`
	ItemToken string `json:"item_token"`
	TTLSecs   int64  `json:"ttl_seconds"`
}

// StatsPayload is the system-wide usage view for administrators.
type StatsPayload struct {
	TotalUsers    int64  `json:"total_users"`
	ActiveToday   int64  `json:"active_today"`
	TotalPromos   int64  `json:"total_promos"`
	UsedPromos    int64  `json:"used_promos"`
	ActivePromos  int64  `json:"active_promos"`
	FreeAllotment int64  `json:"free_allotment"`
	ResetCadence  string `json:"reset_cadence"`
	PricingTiers  int    `json:"pricing_tiers"`
}

// ErrorEnvelope encodes API errors.
type ErrorEnvelope struct {
	Error ErrorPayload `json:"error"`
}

// ErrorPayload contains the code and message for user-visible errors.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type userRequest struct {
	UserID string `json:"user_id"`
}

type itemRequest struct {
	UserID    string `json:"user_id"`
	ItemToken string `json:"item_token"`
}

type redeemRequest struct {
	UserID string `json:"user_id"`
	Code   string `json:"code"`
}

type paymentRequest struct {
	UserID        string `json:"user_id"`
	TransactionID string `json:"transaction_id"`
	AmountUnits   int64  `json:"amount_units"`
}

type createPromoRequest struct {
	Requests     int64 `json:"requests"`
	ValidityDays int   `json:"validity_days"`
}

type revokePromoRequest struct {
	Code string `json:"code"`
}

type grantRequest struct {
	UserID   string `json:"user_id"`
	Requests int64  `json:"requests"`
}
