package model

import "time"

// TimerType enumerates the timer queue's event classes (spec §3/§4.2).
type TimerType string

const (
	TimerOutreach     TimerType = "OUTREACH"
	TimerLastChance   TimerType = "LAST_CHANCE"
	TimerImpliedSkip  TimerType = "IMPLIED_SKIP"
	TimerOTPTimeout   TimerType = "OTP_TIMEOUT"
	TimerPaymentExpiry TimerType = "PAYMENT_EXPIRY"
)

// Timer is a scheduled event. The composite key (Type, TargetID) is unique:
// scheduling a timer with the same key supersedes any unfired prior instance.
type Timer struct {
	Type     TimerType
	TargetID string
	FireAt   time.Time
	Fired    bool
	Payload  string // opaque, JSON-encoded when present
}
