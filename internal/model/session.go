package model

// SessionState is the per-user conversation state enum (spec §4.1). Absence
// of a session row means StateIdle.
type SessionState string

const (
	StateIdle                SessionState = "IDLE"
	StateOTPConfirm          SessionState = "OTP_CONFIRM"
	StateExecuting           SessionState = "EXECUTING"
	StateAwaitingOTP         SessionState = "AWAITING_OTP"
	StateAwaitingCredential  SessionState = "AWAITING_CREDENTIAL"
	StateInvoiceSent         SessionState = "INVOICE_SENT"
)

// Session is per-user conversational state; at most one per user.
type Session struct {
	UserNpub    string
	State       SessionState
	JobID       string // empty means no current job
	OTPAttempts int
}

// IsBusy reports whether the session is anything other than idle.
func (s *Session) IsBusy() bool {
	return s != nil && s.State != StateIdle
}
