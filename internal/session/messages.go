package session

import "fmt"

// User-facing DM copy. Exact wording is not part of the wire contract
// (messaging's cryptographic envelope is out of scope, spec §2) but the
// content decisions below — what differs by error_code, what goes in a
// second operator bubble — mirror orchestrator/session.py's messages.*
// call sites.

func msgExecuting(service, action string) string {
	return fmt.Sprintf("Working on your %s %s request now.", action, service)
}

func msgNoCredentials(service, baseURL string) string {
	return fmt.Sprintf("We don't have saved login details for %s on file. Add them at %s and try again.", service, baseURL)
}

func msgErrorGeneric() string {
	return "Something went wrong on our end. Please try again in a moment."
}

func msgSessionCancelled() string {
	return "Cancelled."
}

func msgOTPNeeded(service, prompt string) string {
	if prompt != "" {
		return fmt.Sprintf("%s needs a one-time code: %s", service, prompt)
	}
	return fmt.Sprintf("%s needs a one-time code. Reply with the digits.", service)
}

func msgOTPReceived() string {
	return "Got it, continuing."
}

func msgCredentialNeeded(service, credentialName string) string {
	return fmt.Sprintf("%s needs your %s. Reply with the value.", service, credentialName)
}

func msgCredentialReceived() string {
	return "Got it, continuing."
}

func msgActionSuccessCancel(service string, accessEndDate string) string {
	if accessEndDate != "" {
		return fmt.Sprintf("Your %s subscription is cancelled. Access continues until %s.", service, accessEndDate)
	}
	return fmt.Sprintf("Your %s subscription is cancelled.", service)
}

func msgActionSuccessResume(service string) string {
	return fmt.Sprintf("Your %s subscription is back on.", service)
}

func msgActionFailedCredentials(service, action string) string {
	return fmt.Sprintf("We tried to %s %s, but your saved credentials were rejected.", action, service)
}

func msgActionFailed(service, action string) string {
	return fmt.Sprintf("We tried to %s %s but hit a snag. We've been notified and are looking into it.", action, service)
}

func msgOperatorJobFailed(jobID, service string, errText string) string {
	return fmt.Sprintf("job %s (%s) failed: %s", jobID, service, errText)
}

func msgInvoiceAmount(amountSats int64) string {
	return fmt.Sprintf("That'll be %d sats.", amountSats)
}

func msgInvoiceBolt11(bolt11 string) string {
	return bolt11
}

func msgPaymentReceived(amountSats int64) string {
	return fmt.Sprintf("Payment of %d sats received, thank you.", amountSats)
}

func msgPaymentExpired(service string, debtSats int64) string {
	return fmt.Sprintf("The invoice for %s expired unpaid. Outstanding balance: %d sats.", service, debtSats)
}

func msgOTPTimeout() string {
	return "We didn't receive the code in time, so we stopped. Reply again when you're ready to retry."
}
