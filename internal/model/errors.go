package model

import "errors"

// Sentinel errors mirroring the error taxonomy of spec.md §7. Callers match
// these with errors.Is; call sites that need extra context wrap with %w.
var (
	ErrTransport         = errors.New("transport error")
	ErrUpstreamRejection = errors.New("upstream rejected the request")
	ErrWorkerCapacity    = errors.New("worker at capacity")
	ErrCredentialInvalid = errors.New("credential rejected by target service")
	ErrNeedHuman         = errors.New("automation needs a human")
	ErrCaptcha           = errors.New("automation hit a captcha")
	ErrStuck             = errors.New("automation appears stuck")
	ErrOTPTimeout        = errors.New("otp was not supplied in time")
	ErrPaymentExpired    = errors.New("invoice expired unpaid")

	// State/consistency errors, not part of the taxonomy table but needed
	// to keep state-machine callers honest.
	ErrSessionNotFound  = errors.New("no session for user")
	ErrSessionBusy      = errors.New("session is not idle")
	ErrJobNotFound      = errors.New("job not found")
	ErrJobTerminal      = errors.New("job is already in a terminal status")
	ErrNoPendingFuture  = errors.New("no pending otp/credential request for job")
)

// IsRetryable reports whether err represents a transient condition worth
// retrying with backoff (spec §7 "transport_error" disposition).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
