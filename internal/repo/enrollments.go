package repo

import (
	"context"
	"database/sql"
	"strings"

	"pulseline/internal/domain"
)

const enrollmentColumns = `id,instance_id,status,current_step,contact_json,created_at,updated_at`

func scanEnrollment(scan func(...any) error) (domain.Enrollment, error) {
	var e domain.Enrollment
	var contact sql.NullString
	err := scan(&e.ID, &e.InstanceID, &e.Status, &e.CurrentStep, &contact, &e.CreatedAt, &e.UpdatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if contact.Valid {
		e.ContactJSON = contact.String
	}
	return e, err
}

// InsertEnrollmentTx creates the enrollment and bumps the instance's
// total_enrolled counter in the same transaction.
func (r Repo) InsertEnrollmentTx(ctx context.Context, tx *sql.Tx, e domain.Enrollment) error {
	if _, err := tx.ExecContext(ctx, `INSERT INTO enrollments(id,instance_id,status,current_step,contact_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?)`,
		e.ID, e.InstanceID, e.Status, e.CurrentStep, nullable(e.ContactJSON), e.CreatedAt, e.UpdatedAt); err != nil {
		return err
	}
	return r.IncrementCountersTx(ctx, tx, e.InstanceID, e.CreatedAt, map[string]int64{"total_enrolled": 1})
}

func (r Repo) GetEnrollment(ctx context.Context, id string) (domain.Enrollment, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id=?`, id)
	return scanEnrollment(row.Scan)
}

func (r Repo) GetEnrollmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Enrollment, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+enrollmentColumns+` FROM enrollments WHERE id=?`, id)
	return scanEnrollment(row.Scan)
}

type EnrollmentFilters struct {
	InstanceID      string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEnrollments(ctx context.Context, f EnrollmentFilters) ([]domain.Enrollment, error) {
	var clauses []string
	var args []any
	if f.InstanceID != "" {
		clauses = append(clauses, "instance_id=?")
		args = append(args, f.InstanceID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Enrollment
	for rows.Next() {
		e, err := scanEnrollment(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) UpdateEnrollmentStatus(ctx context.Context, id, status, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE enrollments SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionEnrollmentStatusTx applies an event-implied status change,
// refusing to overwrite a terminal status. Returns false when the guard
// left the row untouched.
func (r Repo) TransitionEnrollmentStatusTx(ctx context.Context, tx *sql.Tx, id, status, now string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE enrollments SET status=?, updated_at=? WHERE id=? AND status NOT IN (?,?)`,
		status, now, id, domain.EnrollmentBounced, domain.EnrollmentUnsubscribed)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// RecordOutboundKey registers a provider-assigned send identifier for an
// enrollment. The orchestration layer calls this at-least-once after a
// send is acknowledged, so re-registration of the same pair is a no-op.
func (r Repo) RecordOutboundKey(ctx context.Context, k domain.CorrelationKey) error {
	_, err := r.DB.ExecContext(ctx,
		`INSERT INTO correlation_keys(provider,provider_key,enrollment_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(provider,provider_key) DO NOTHING`,
		k.Provider, k.Key, k.EnrollmentID, k.CreatedAt)
	return err
}

// LookupKey resolves a provider key to its enrollment. Point read, safe to
// call concurrently and repeatedly.
func (r Repo) LookupKey(ctx context.Context, provider, key string) (string, error) {
	var enrollmentID string
	err := r.DB.QueryRowContext(ctx, `SELECT enrollment_id FROM correlation_keys WHERE provider=? AND provider_key=?`, provider, key).
		Scan(&enrollmentID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	return enrollmentID, err
}

func (r Repo) ListKeys(ctx context.Context, enrollmentID string) ([]domain.CorrelationKey, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT provider,provider_key,enrollment_id,created_at FROM correlation_keys WHERE enrollment_id=? ORDER BY created_at DESC`, enrollmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CorrelationKey
	for rows.Next() {
		var k domain.CorrelationKey
		if err := rows.Scan(&k.Provider, &k.Key, &k.EnrollmentID, &k.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, k)
	}
	return res, rows.Err()
}
