package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/unsaltedbutter/waitlist/internal/model"
)

// ScheduleTimer inserts or supersedes the unfired timer keyed by
// (Type, TargetID) (spec §3 composite-key invariant, §8 idempotence law).
func (s *Store) ScheduleTimer(t *model.Timer) error {
	_, err := s.DB.Exec(`
		INSERT INTO timers (timer_type, target_id, fire_at, fired, payload) VALUES (?, ?, ?, 0, ?)
		ON CONFLICT(timer_type, target_id) DO UPDATE SET fire_at = excluded.fire_at,
			fired = 0, payload = excluded.payload`,
		string(t.Type), t.TargetID, t.FireAt.UTC().Format(time.RFC3339), t.Payload)
	if err != nil {
		return fmt.Errorf("store: schedule timer %s/%s: %w", t.Type, t.TargetID, err)
	}
	return nil
}

// CancelTimer marks a single (type, targetID) timer fired without dispatching it.
func (s *Store) CancelTimer(timerType model.TimerType, targetID string) error {
	_, err := s.DB.Exec(`UPDATE timers SET fired = 1 WHERE timer_type = ? AND target_id = ?`,
		string(timerType), targetID)
	if err != nil {
		return fmt.Errorf("store: cancel timer %s/%s: %w", timerType, targetID, err)
	}
	return nil
}

// CancelAllTimersForTarget marks every timer type for targetID fired — used
// on session close and reconciliation (spec §4.1/§4.2).
func (s *Store) CancelAllTimersForTarget(targetID string) error {
	_, err := s.DB.Exec(`UPDATE timers SET fired = 1 WHERE target_id = ?`, targetID)
	if err != nil {
		return fmt.Errorf("store: cancel all timers for %s: %w", targetID, err)
	}
	return nil
}

// DueTimers returns unfired timers whose fire_at is at or before now, and
// marks them fired in the same call so a crashed tick cannot redeliver them
// (spec §6: "scans WHERE fired=0 AND fire_at<=now(), marks fired, and
// dispatches").
func (s *Store) DueTimers(now time.Time) ([]*model.Timer, error) {
	tx, err := s.DB.Begin()
	if err != nil {
		return nil, fmt.Errorf("store: begin due-timers tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.Query(`SELECT timer_type, target_id, fire_at, payload FROM timers
		WHERE fired = 0 AND fire_at <= ?`, now.UTC().Format(time.RFC3339))
	if err != nil {
		return nil, fmt.Errorf("store: query due timers: %w", err)
	}

	var due []*model.Timer
	for rows.Next() {
		var t model.Timer
		var fireAt string
		if err := rows.Scan(&t.Type, &t.TargetID, &fireAt, &t.Payload); err != nil {
			rows.Close()
			return nil, fmt.Errorf("store: scan due timer: %w", err)
		}
		t.FireAt, _ = time.Parse(time.RFC3339, fireAt)
		t.Fired = true
		due = append(due, &t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate due timers: %w", err)
	}

	for _, t := range due {
		if _, err := tx.Exec(`UPDATE timers SET fired = 1 WHERE timer_type = ? AND target_id = ?`,
			string(t.Type), t.TargetID); err != nil {
			return nil, fmt.Errorf("store: mark timer fired %s/%s: %w", t.Type, t.TargetID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("store: commit due-timers tx: %w", err)
	}
	return due, nil
}

// UnfiredTimerCountForTarget reports how many unfired timers remain for a
// target id; used in tests to assert the "no surviving timers" invariant.
func (s *Store) UnfiredTimerCountForTarget(targetID string) (int, error) {
	row := s.DB.QueryRow(`SELECT COUNT(*) FROM timers WHERE target_id = ? AND fired = 0`, targetID)
	var n int
	if err := row.Scan(&n); err != nil && err != sql.ErrNoRows {
		return 0, fmt.Errorf("store: count unfired timers for %s: %w", targetID, err)
	}
	return n, nil
}
