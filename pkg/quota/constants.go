package quota

const (
	operationBalance       = "balance"
	operationConsume       = "consume"
	operationCreatePromo   = "create_promo"
	operationRedeemPromo   = "redeem_promo"
	operationRevokePromo   = "revoke_promo"
	operationSweepExpired  = "sweep_expired"
	operationCreditPromo   = "credit_promo"
	operationCreditPayment = "credit_payment"
	operationStats         = "stats"

	operationStatusOK    = "ok"
	operationStatusError = "error"

	promoAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	secondsPerDay = 24 * 60 * 60
)
