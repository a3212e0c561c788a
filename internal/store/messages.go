package store

import (
	"fmt"
	"regexp"
	"time"

	"github.com/unsaltedbutter/waitlist/internal/model"
)

// otpLike matches anything that looks like a one-time code (spec §8: "any
// outbound user message containing a match of /\b\d{4,8}\b/ within an OTP
// context").
var otpLike = regexp.MustCompile(`\b\d{4,8}\b`)

// Redact replaces OTP-shaped digit runs with a placeholder before logging.
func Redact(body string) string {
	return otpLike.ReplaceAllString(body, "[redacted]")
}

// LogMessage appends a redacted message_log row.
func (s *Store) LogMessage(userNpub string, direction model.MessageDirection, body string) error {
	_, err := s.DB.Exec(`INSERT INTO message_log (user_npub, direction, body, created_at) VALUES (?, ?, ?, ?)`,
		userNpub, string(direction), Redact(body), time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: log message for %s: %w", userNpub, err)
	}
	return nil
}

// MessagesForUser returns the message log for a user, oldest first. Used for
// forensics and tests, not the hot path (spec §3).
func (s *Store) MessagesForUser(userNpub string) ([]*model.MessageLogEntry, error) {
	rows, err := s.DB.Query(`SELECT id, user_npub, direction, body, created_at FROM message_log
		WHERE user_npub = ? ORDER BY id ASC`, userNpub)
	if err != nil {
		return nil, fmt.Errorf("store: query messages for %s: %w", userNpub, err)
	}
	defer rows.Close()

	var out []*model.MessageLogEntry
	for rows.Next() {
		var e model.MessageLogEntry
		var direction, createdAt string
		if err := rows.Scan(&e.ID, &e.UserNpub, &direction, &e.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("store: scan message log row: %w", err)
		}
		e.Direction = model.MessageDirection(direction)
		e.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		out = append(out, &e)
	}
	return out, rows.Err()
}
