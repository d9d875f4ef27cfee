package errcode

// API 4xx/5xx 响应附带的机器可读原因码。
const (
	Unauthenticated  = "unauthenticated"
	InvalidInput     = "invalid_input"
	NotFound         = "not_found"
	QuotaExceeded    = "quota_exceeded"
	SessionMismatch  = "session_user_mismatch"
	SignatureInvalid = "signature_invalid"
	RateLimited      = "rate_limited"
	NoSubscription   = "no_subscription"
	Internal         = "internal_error"
)
