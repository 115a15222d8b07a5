package repo

import (
	"context"
	"database/sql"
	"strings"

	"pulseline/internal/domain"
)

const orphanColumns = `id,provider,provider_event_id,provider_key,enrollment_id,type,channel,step_number,ts,payload_json,reason,retry_count,dead_lettered,arrived_at,updated_at`

func scanOrphan(scan func(...any) error) (domain.OrphanedEvent, error) {
	var o domain.OrphanedEvent
	var key, enrollment, payload sql.NullString
	var step sql.NullInt64
	var dead int
	err := scan(&o.ID, &o.Provider, &o.ProviderEventID, &key, &enrollment, &o.Type, &o.Channel, &step, &o.TS, &payload, &o.Reason, &o.RetryCount, &dead, &o.ArrivedAt, &o.UpdatedAt)
	if err == sql.ErrNoRows {
		return o, ErrNotFound
	}
	if key.Valid {
		o.ProviderKey = key.String
	}
	if enrollment.Valid {
		o.EnrollmentID = enrollment.String
	}
	if payload.Valid {
		o.PayloadJSON = payload.String
	}
	if step.Valid {
		s := int(step.Int64)
		o.StepNumber = &s
	}
	o.DeadLettered = dead != 0
	return o, err
}

// InsertOrphan parks an uncorrelatable event. Re-delivery of an already
// parked provider event is a no-op thanks to the uniqueness constraint;
// the returned bool reports whether a new row was written.
func (r Repo) InsertOrphan(ctx context.Context, o domain.OrphanedEvent) (bool, error) {
	res, err := r.DB.ExecContext(ctx,
		`INSERT INTO orphaned_events(id,provider,provider_event_id,provider_key,enrollment_id,type,channel,step_number,ts,payload_json,reason,retry_count,dead_lettered,arrived_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(provider,provider_event_id) DO NOTHING`,
		o.ID, o.Provider, o.ProviderEventID, nullable(o.ProviderKey), nullable(o.EnrollmentID), o.Type, o.Channel, nullableIntPtr(o.StepNumber),
		o.TS, nullable(o.PayloadJSON), o.Reason, o.RetryCount, boolInt(o.DeadLettered), o.ArrivedAt, o.UpdatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetOrphan(ctx context.Context, id string) (domain.OrphanedEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orphanColumns+` FROM orphaned_events WHERE id=?`, id)
	return scanOrphan(row.Scan)
}

// GetOrphanByProviderID resolves the parked row for a provider delivery.
func (r Repo) GetOrphanByProviderID(ctx context.Context, provider, providerEventID string) (domain.OrphanedEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+orphanColumns+` FROM orphaned_events WHERE provider=? AND provider_event_id=?`, provider, providerEventID)
	return scanOrphan(row.Scan)
}

// ListPendingOrphans returns non-dead-lettered orphans, oldest first.
func (r Repo) ListPendingOrphans(ctx context.Context, limit int) ([]domain.OrphanedEvent, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+orphanColumns+` FROM orphaned_events WHERE dead_lettered=0 ORDER BY arrived_at ASC, id ASC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrphans(rows)
}

type OrphanFilters struct {
	Provider string
	Reason   string
	Limit    int
}

// ListDeadLettered returns terminal orphans for operator review.
func (r Repo) ListDeadLettered(ctx context.Context, f OrphanFilters) ([]domain.OrphanedEvent, error) {
	clauses := []string{"dead_lettered=1"}
	var args []any
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, f.Provider)
	}
	if f.Reason != "" {
		clauses = append(clauses, "reason=?")
		args = append(args, f.Reason)
	}
	query := `SELECT ` + orphanColumns + ` FROM orphaned_events WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY arrived_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectOrphans(rows)
}

func collectOrphans(rows *sql.Rows) ([]domain.OrphanedEvent, error) {
	var res []domain.OrphanedEvent
	for rows.Next() {
		o, err := scanOrphan(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, o)
	}
	return res, rows.Err()
}

// BumpOrphanRetry increments the retry counter after a failed sweep
// attempt, dead-lettering once maxRetries is reached.
func (r Repo) BumpOrphanRetry(ctx context.Context, id string, maxRetries int, now string) error {
	res, err := r.DB.ExecContext(ctx,
		`UPDATE orphaned_events SET retry_count=retry_count+1,
dead_lettered=CASE WHEN retry_count+1 >= ? THEN 1 ELSE dead_lettered END,
updated_at=? WHERE id=?`,
		maxRetries, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteOrphan(ctx context.Context, id string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM orphaned_events WHERE id=?`, id)
	return err
}

// DeleteOrphanByProviderIDTx removes the parked copy when the same
// provider event is stored as a real CampaignEvent. Run inside the
// store-and-aggregate transaction so the event never exists in both
// tables at once.
func (r Repo) DeleteOrphanByProviderIDTx(ctx context.Context, tx *sql.Tx, provider, providerEventID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM orphaned_events WHERE provider=? AND provider_event_id=?`, provider, providerEventID)
	return err
}

// OrphanStats aggregates orphan counts by provider and state since the
// given RFC3339 timestamp (empty means all time).
func (r Repo) OrphanStats(ctx context.Context, since string) ([]domain.OrphanStat, error) {
	query := `SELECT provider, CASE WHEN dead_lettered=1 THEN 'dead_lettered' ELSE 'pending' END AS status, count(*)
FROM orphaned_events`
	var args []any
	if since != "" {
		query += ` WHERE arrived_at >= ?`
		args = append(args, since)
	}
	query += ` GROUP BY provider, dead_lettered ORDER BY provider, status`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OrphanStat
	for rows.Next() {
		var s domain.OrphanStat
		if err := rows.Scan(&s.Provider, &s.Status, &s.Count); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
