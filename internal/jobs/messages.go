package jobs

import (
	"fmt"

	"github.com/unsaltedbutter/waitlist/internal/model"
)

func msgQueuedETA(etaMinutes int) string {
	return fmt.Sprintf("We're running at capacity right now, your request is queued and should start in about %d minutes.", etaMinutes)
}

func msgOutreachCancelWithDate(job *model.Job) string {
	return fmt.Sprintf("Ready to cancel your %s subscription before it renews on %s? Reply yes to start.",
		job.ServiceID, job.BillingDate.Format("Jan 2"))
}

func msgOutreachCancelNoDate(job *model.Job) string {
	return fmt.Sprintf("Ready to cancel your %s subscription? Reply yes to start.", job.ServiceID)
}

func msgOutreachResume(job *model.Job) string {
	return fmt.Sprintf("Ready to resume your %s subscription? Reply yes to start.", job.ServiceID)
}

func msgOutreachFollowup(job *model.Job) string {
	return fmt.Sprintf("Still thinking about your %s subscription? Reply yes whenever you're ready, or skip to drop it.", job.ServiceID)
}

func msgDebtBlock(debtSats int64) string {
	return fmt.Sprintf("You have an outstanding balance of %s sats. Please settle that before we can take on a new job.", formatSats(debtSats))
}

func msgSkipAck() string {
	return "Skipping this one, we won't follow up again unless you ask."
}

func msgSnoozeAck() string {
	return "Snoozed, we'll check back in 48 hours."
}

func msgLastChance(job *model.Job) string {
	days := int(job.BillingDate.Sub(timerDeadline(0)).Hours() / 24)
	if days < 0 {
		days = 0
	}
	return fmt.Sprintf("Last chance to cancel %s before it renews in %d days. Reply yes to start now.", job.ServiceID, days)
}

// formatSats renders an integer sats amount with thousands separators,
// e.g. 6000 -> "6,000".
func formatSats(amount int64) string {
	sign := ""
	if amount < 0 {
		sign = "-"
		amount = -amount
	}
	digits := fmt.Sprintf("%d", amount)
	if len(digits) <= 3 {
		return sign + digits
	}

	var out []byte
	for i, d := range []byte(digits) {
		remaining := len(digits) - i
		if i > 0 && remaining%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, d)
	}
	return sign + string(out)
}
