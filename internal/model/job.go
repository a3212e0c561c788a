// Package model holds the data types shared across the orchestrator and
// worker processes: jobs, sessions, timers, and the message log.
package model

import "time"

// JobStatus is the finite job status enum (spec data model §3).
type JobStatus string

const (
	JobPending      JobStatus = "pending"
	JobDispatched   JobStatus = "dispatched"
	JobOutreachSent JobStatus = "outreach_sent"
	JobSnoozed      JobStatus = "snoozed"
	JobActive       JobStatus = "active"

	JobCompletedPaid    JobStatus = "completed_paid"
	JobCompletedReneged JobStatus = "completed_reneged"
	JobUserSkip         JobStatus = "user_skip"
	JobImpliedSkip      JobStatus = "implied_skip"
	JobUserAbandon      JobStatus = "user_abandon"
	JobFailed           JobStatus = "failed"
)

// terminalStatuses is the absorbing subset of JobStatus; once a job reaches
// one of these, no further transition is accepted.
var terminalStatuses = map[JobStatus]bool{
	JobCompletedPaid:    true,
	JobCompletedReneged: true,
	JobUserSkip:         true,
	JobImpliedSkip:      true,
	JobUserAbandon:      true,
	JobFailed:           true,
}

// IsTerminal reports whether s is an absorbing status.
func (s JobStatus) IsTerminal() bool {
	return terminalStatuses[s]
}

// outreachEligible is the subset of live statuses a job can receive outreach in.
var outreachEligible = map[JobStatus]bool{
	JobDispatched:   true,
	JobOutreachSent: true,
	JobSnoozed:      true,
}

// IsOutreachEligible reports whether s is a live, outreach-eligible status.
func (s JobStatus) IsOutreachEligible() bool {
	return outreachEligible[s]
}

// Action is the requested automation direction.
type Action string

const (
	ActionCancel Action = "cancel"
	ActionResume Action = "resume"
)

// Trigger names how a job entered the system.
type Trigger string

const (
	TriggerOutreach     Trigger = "outreach"
	TriggerUserInitiated Trigger = "user_initiated"
	TriggerCLI          Trigger = "cli"
)

// CLIJobPrefix marks jobs dispatched by an operator CLI (spec §3); such jobs
// bypass outreach and upstream status mutation throughout the system.
const CLIJobPrefix = "cli-"

// IsCLIJob reports whether id was minted by the operator CLI.
func IsCLIJob(id string) bool {
	return len(id) >= len(CLIJobPrefix) && id[:len(CLIJobPrefix)] == CLIJobPrefix
}

// Job is the unit of work (spec §3).
type Job struct {
	ID              string
	UserNpub        string
	ServiceID       string
	Action          Action
	Trigger         Trigger
	Status          JobStatus
	BillingDate     *time.Time
	AccessEndDate   *time.Time
	OutreachCount   int
	NextOutreachAt  *time.Time
	AmountSats      *int64
	InvoiceID       *string
	PlanID          *string
	PlanDisplayName *string
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
