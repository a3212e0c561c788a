package store

import (
	"database/sql"
	"fmt"

	"github.com/unsaltedbutter/waitlist/internal/model"
)

// GetSession returns the session for userNpub, or ErrNotFound if the user is
// idle (spec §3: "Absence of a row means IDLE").
func (s *Store) GetSession(userNpub string) (*model.Session, error) {
	row := s.DB.QueryRow(`SELECT user_npub, state, job_id, otp_attempts FROM sessions WHERE user_npub = ?`, userNpub)
	var sess model.Session
	var state string
	if err := row.Scan(&sess.UserNpub, &state, &sess.JobID, &sess.OTPAttempts); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get session %s: %w", userNpub, err)
	}
	sess.State = model.SessionState(state)
	return &sess, nil
}

// PutSession upserts the session row (insert-or-replace semantics, since
// sessions are always fully rewritten on transition).
func (s *Store) PutSession(sess *model.Session) error {
	_, err := s.DB.Exec(`
		INSERT INTO sessions (user_npub, state, job_id, otp_attempts) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_npub) DO UPDATE SET state = excluded.state, job_id = excluded.job_id,
			otp_attempts = excluded.otp_attempts`,
		sess.UserNpub, string(sess.State), sess.JobID, sess.OTPAttempts)
	if err != nil {
		return fmt.Errorf("store: put session %s: %w", sess.UserNpub, err)
	}
	return nil
}

// DeleteSession removes a session row, returning the user to IDLE.
func (s *Store) DeleteSession(userNpub string) error {
	_, err := s.DB.Exec(`DELETE FROM sessions WHERE user_npub = ?`, userNpub)
	if err != nil {
		return fmt.Errorf("store: delete session %s: %w", userNpub, err)
	}
	return nil
}

// DeleteSessionByJobID removes any session still pointing at jobID, used
// during reconciliation (spec §4.2).
func (s *Store) DeleteSessionByJobID(jobID string) error {
	_, err := s.DB.Exec(`DELETE FROM sessions WHERE job_id = ?`, jobID)
	if err != nil {
		return fmt.Errorf("store: delete session by job %s: %w", jobID, err)
	}
	return nil
}

// UserForJob returns the user npub of whichever session currently points at
// jobID, or ErrNotFound if no session does. Worker callbacks only carry a
// job id, so this is how the state machine finds the owning user.
func (s *Store) UserForJob(jobID string) (string, error) {
	row := s.DB.QueryRow(`SELECT user_npub FROM sessions WHERE job_id = ?`, jobID)
	var userNpub string
	if err := row.Scan(&userNpub); err != nil {
		if err == sql.ErrNoRows {
			return "", ErrNotFound
		}
		return "", fmt.Errorf("store: user for job %s: %w", jobID, err)
	}
	return userNpub, nil
}
