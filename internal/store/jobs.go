package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/unsaltedbutter/waitlist/internal/model"
)

// ErrNotFound is returned by lookups that find no row.
var ErrNotFound = errors.New("store: not found")

// InsertJob persists a newly claimed or CLI-dispatched job.
func (s *Store) InsertJob(j *model.Job) error {
	now := time.Now().UTC()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	j.UpdatedAt = now

	_, err := s.DB.Exec(`
		INSERT INTO jobs (id, user_npub, service_id, action, trigger, status, billing_date,
			access_end_date, outreach_count, next_outreach_at, amount_sats, invoice_id,
			plan_id, plan_display_name, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.UserNpub, j.ServiceID, string(j.Action), string(j.Trigger), string(j.Status),
		nullableTime(j.BillingDate), nullableTime(j.AccessEndDate), j.OutreachCount,
		nullableTime(j.NextOutreachAt), nullableInt64(j.AmountSats), nullableString(j.InvoiceID),
		nullableString(j.PlanID), nullableString(j.PlanDisplayName),
		j.CreatedAt.Format(time.RFC3339), j.UpdatedAt.Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("store: insert job %s: %w", j.ID, err)
	}
	return nil
}

// GetJob fetches a job by id.
func (s *Store) GetJob(id string) (*model.Job, error) {
	row := s.DB.QueryRow(`
		SELECT id, user_npub, service_id, action, trigger, status, billing_date, access_end_date,
			outreach_count, next_outreach_at, amount_sats, invoice_id, plan_id, plan_display_name,
			created_at, updated_at
		FROM jobs WHERE id = ?`, id)
	return scanJob(row)
}

// GetActiveJobForUser returns the first outreach-eligible job for a user, if any.
func (s *Store) GetActiveJobForUser(userNpub string) (*model.Job, error) {
	rows, err := s.DB.Query(`
		SELECT id, user_npub, service_id, action, trigger, status, billing_date, access_end_date,
			outreach_count, next_outreach_at, amount_sats, invoice_id, plan_id, plan_display_name,
			created_at, updated_at
		FROM jobs WHERE user_npub = ?`, userNpub)
	if err != nil {
		return nil, fmt.Errorf("store: query active job for %s: %w", userNpub, err)
	}
	defer rows.Close()

	for rows.Next() {
		j, err := scanJobRows(rows)
		if err != nil {
			return nil, err
		}
		if j.Status.IsOutreachEligible() {
			return j, nil
		}
	}
	return nil, ErrNotFound
}

// UpdateJobStatus performs the one allowed status transition; a terminal
// status is absorbing (spec §3 invariant) — callers must check beforehand
// via model.JobStatus.IsTerminal if idempotence matters to them.
func (s *Store) UpdateJobStatus(id string, status model.JobStatus) error {
	res, err := s.DB.Exec(`UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?`,
		string(status), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("store: update job status %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordOutreach persists the post-outreach bookkeeping (spec §4.2).
func (s *Store) RecordOutreach(id string, nextOutreachAt time.Time) error {
	_, err := s.DB.Exec(`
		UPDATE jobs SET status = ?, outreach_count = outreach_count + 1,
			next_outreach_at = ?, updated_at = ? WHERE id = ?`,
		string(model.JobOutreachSent), nextOutreachAt.UTC().Format(time.RFC3339),
		time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("store: record outreach %s: %w", id, err)
	}
	return nil
}

// SetInvoice stamps a job with invoice details after a successful cancel/resume.
func (s *Store) SetInvoice(id string, amountSats int64, invoiceID string) error {
	_, err := s.DB.Exec(`UPDATE jobs SET amount_sats = ?, invoice_id = ?, updated_at = ? WHERE id = ?`,
		amountSats, invoiceID, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("store: set invoice %s: %w", id, err)
	}
	return nil
}

// SetAccessEndDate records the access end date a successful cancel reported.
func (s *Store) SetAccessEndDate(id string, end time.Time) error {
	_, err := s.DB.Exec(`UPDATE jobs SET access_end_date = ?, updated_at = ? WHERE id = ?`,
		end.UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("store: set access end date %s: %w", id, err)
	}
	return nil
}

// DeleteJob removes a job row (used by cleanup of terminal jobs).
func (s *Store) DeleteJob(id string) error {
	_, err := s.DB.Exec(`DELETE FROM jobs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("store: delete job %s: %w", id, err)
	}
	return nil
}

// NonTerminalJobIDs lists every job id whose local status is not yet
// absorbing, for the reconciliation poll to ask upstream about (spec §4.2
// "pulls the latest terminal statuses for recently-active users").
func (s *Store) NonTerminalJobIDs() ([]string, error) {
	rows, err := s.DB.Query(`
		SELECT id FROM jobs WHERE status NOT IN (?, ?, ?, ?, ?, ?)`,
		string(model.JobCompletedPaid), string(model.JobCompletedReneged),
		string(model.JobUserSkip), string(model.JobImpliedSkip),
		string(model.JobUserAbandon), string(model.JobFailed))
	if err != nil {
		return nil, fmt.Errorf("store: query non-terminal job ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("store: scan non-terminal job id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DeleteTerminalJobsOlderThan deletes terminal jobs last updated before
// cutoff, returning the count removed (spec §4.2 "Cleanup").
func (s *Store) DeleteTerminalJobsOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.DB.Exec(`
		DELETE FROM jobs WHERE updated_at < ? AND status IN (?, ?, ?, ?, ?, ?)`,
		cutoff.UTC().Format(time.RFC3339),
		string(model.JobCompletedPaid), string(model.JobCompletedReneged),
		string(model.JobUserSkip), string(model.JobImpliedSkip),
		string(model.JobUserAbandon), string(model.JobFailed))
	if err != nil {
		return 0, fmt.Errorf("store: delete terminal jobs: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	return scanJobRows(row)
}

func scanJobRows(row rowScanner) (*model.Job, error) {
	var (
		j                                          model.Job
		action, trigger, status                    string
		billingDate, accessEndDate, nextOutreachAt sql.NullString
		amountSats                                 sql.NullInt64
		invoiceID, planID, planDisplayName         sql.NullString
		createdAt, updatedAt                        string
	)
	err := row.Scan(&j.ID, &j.UserNpub, &j.ServiceID, &action, &trigger, &status,
		&billingDate, &accessEndDate, &j.OutreachCount, &nextOutreachAt, &amountSats,
		&invoiceID, &planID, &planDisplayName, &createdAt, &updatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan job: %w", err)
	}

	j.Action = model.Action(action)
	j.Trigger = model.Trigger(trigger)
	j.Status = model.JobStatus(status)
	j.BillingDate = parseNullableTime(billingDate)
	j.AccessEndDate = parseNullableTime(accessEndDate)
	j.NextOutreachAt = parseNullableTime(nextOutreachAt)
	if amountSats.Valid {
		j.AmountSats = &amountSats.Int64
	}
	if invoiceID.Valid {
		j.InvoiceID = &invoiceID.String
	}
	if planID.Valid {
		j.PlanID = &planID.String
	}
	if planDisplayName.Valid {
		j.PlanDisplayName = &planDisplayName.String
	}
	j.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	j.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return &j, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s.String)
	if err != nil {
		return nil
	}
	return &t
}

func nullableString(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableInt64(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}
