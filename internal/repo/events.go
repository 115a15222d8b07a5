package repo

import (
	"context"
	"database/sql"
	"strings"

	"pulseline/internal/domain"
)

const eventColumns = `id,enrollment_id,type,channel,step_number,ts,provider,provider_event_id,metadata_json,created_at`

func scanEvent(scan func(...any) error) (domain.CampaignEvent, error) {
	var ev domain.CampaignEvent
	var step sql.NullInt64
	var metadata sql.NullString
	err := scan(&ev.ID, &ev.EnrollmentID, &ev.Type, &ev.Channel, &step, &ev.TS, &ev.Provider, &ev.ProviderEventID, &metadata, &ev.CreatedAt)
	if err == sql.ErrNoRows {
		return ev, ErrNotFound
	}
	if step.Valid {
		s := int(step.Int64)
		ev.StepNumber = &s
	}
	if metadata.Valid {
		ev.MetadataJSON = metadata.String
	}
	return ev, err
}

// InsertEventTx appends the event, relying on the store's uniqueness
// constraint on (provider, provider_event_id) to resolve races between
// concurrent deliveries of the same provider event. A conflicting insert
// returns ErrDuplicateEvent without touching the table.
func (r Repo) InsertEventTx(ctx context.Context, tx *sql.Tx, ev domain.CampaignEvent) error {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO campaign_events(id,enrollment_id,type,channel,step_number,ts,provider,provider_event_id,metadata_json,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(provider,provider_event_id) DO NOTHING`,
		ev.ID, ev.EnrollmentID, ev.Type, ev.Channel, nullableIntPtr(ev.StepNumber), ev.TS,
		ev.Provider, ev.ProviderEventID, nullable(ev.MetadataJSON), ev.CreatedAt)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicateEvent
	}
	return nil
}

// GetEventByProviderID fetches the stored event for a provider delivery.
func (r Repo) GetEventByProviderID(ctx context.Context, provider, providerEventID string) (domain.CampaignEvent, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM campaign_events WHERE provider=? AND provider_event_id=?`, provider, providerEventID)
	return scanEvent(row.Scan)
}

type EventFilters struct {
	EnrollmentID    string
	InstanceID      string
	Type            string
	Provider        string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListEvents(ctx context.Context, f EventFilters) ([]domain.CampaignEvent, error) {
	var clauses []string
	var args []any
	if f.EnrollmentID != "" {
		clauses = append(clauses, "enrollment_id=?")
		args = append(args, f.EnrollmentID)
	}
	if f.InstanceID != "" {
		clauses = append(clauses, "enrollment_id IN (SELECT id FROM enrollments WHERE instance_id=?)")
		args = append(args, f.InstanceID)
	}
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Provider != "" {
		clauses = append(clauses, "provider=?")
		args = append(args, f.Provider)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + eventColumns + ` FROM campaign_events ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CampaignEvent
	for rows.Next() {
		ev, err := scanEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ev)
	}
	return res, rows.Err()
}

func (r Repo) CountEvents(ctx context.Context, enrollmentID string) (int64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM campaign_events WHERE enrollment_id=?`, enrollmentID).Scan(&n)
	return n, err
}
