package model

import "time"

// MessageDirection distinguishes inbound user DMs from outbound orchestrator DMs.
type MessageDirection string

const (
	DirectionInbound  MessageDirection = "inbound"
	DirectionOutbound MessageDirection = "outbound"
)

// MessageLogEntry is an append-only record of a DM, written after automatic
// OTP-shaped redaction (spec §3, §8).
type MessageLogEntry struct {
	ID        int64
	UserNpub  string
	Direction MessageDirection
	Body      string
	CreatedAt time.Time
}
