package bonus

const (
	operationAppend        = "append"
	operationPaymentGrant  = "payment_grant"
	operationWelcomeGrant  = "welcome_grant"
	operationAdminCredit   = "admin_credit"
	operationAdminDebit    = "admin_debit"
	operationSessionUse    = "session_use"
	operationRewardCredit  = "reward_credit"
	operationStatusOK      = "ok"
	operationStatusError   = "error"
	operationStatusSkipped = "skipped"

	welcomeNote = "automatic welcome bonus"
)
