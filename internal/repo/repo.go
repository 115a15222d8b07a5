package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"

	"pulseline/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrDuplicateEvent marks an insert that hit the (provider,
// provider_event_id) uniqueness constraint. Callers treat it as "already
// processed", never as a failure.
var ErrDuplicateEvent = errors.New("duplicate event")

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableIntPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func (r Repo) InsertTemplate(ctx context.Context, t domain.CampaignTemplate) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO campaign_templates(id,name,channel,step_count,created_at) VALUES (?,?,?,?,?)`,
		t.ID, t.Name, t.Channel, t.StepCount, t.CreatedAt)
	return err
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.CampaignTemplate, error) {
	var t domain.CampaignTemplate
	err := r.DB.QueryRowContext(ctx, `SELECT id,name,channel,step_count,created_at FROM campaign_templates WHERE id=?`, id).
		Scan(&t.ID, &t.Name, &t.Channel, &t.StepCount, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	return t, err
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.CampaignTemplate, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,channel,step_count,created_at FROM campaign_templates ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CampaignTemplate
	for rows.Next() {
		var t domain.CampaignTemplate
		if err := rows.Scan(&t.ID, &t.Name, &t.Channel, &t.StepCount, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

const instanceColumns = `id,template_id,name,status,total_enrolled,total_sent,total_delivered,total_opened,total_clicked,total_replied,created_at,updated_at`

func scanInstance(scan func(...any) error) (domain.CampaignInstance, error) {
	var ci domain.CampaignInstance
	err := scan(&ci.ID, &ci.TemplateID, &ci.Name, &ci.Status,
		&ci.TotalEnrolled, &ci.TotalSent, &ci.TotalDelivered, &ci.TotalOpened, &ci.TotalClicked, &ci.TotalReplied,
		&ci.CreatedAt, &ci.UpdatedAt)
	if err == sql.ErrNoRows {
		return ci, ErrNotFound
	}
	return ci, err
}

func (r Repo) InsertInstance(ctx context.Context, ci domain.CampaignInstance) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO campaign_instances(id,template_id,name,status,created_at,updated_at) VALUES (?,?,?,?,?,?)`,
		ci.ID, ci.TemplateID, ci.Name, ci.Status, ci.CreatedAt, ci.UpdatedAt)
	return err
}

func (r Repo) GetInstance(ctx context.Context, id string) (domain.CampaignInstance, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+instanceColumns+` FROM campaign_instances WHERE id=?`, id)
	return scanInstance(row.Scan)
}

func (r Repo) ListInstances(ctx context.Context, status string) ([]domain.CampaignInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM campaign_instances`
	var args []any
	if status != "" {
		query += ` WHERE status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CampaignInstance
	for rows.Next() {
		ci, err := scanInstance(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, ci)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInstanceStatus(ctx context.Context, id, status, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE campaign_instances SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteInstance(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaign_instances WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

var counterColumns = map[string]bool{
	"total_enrolled":  true,
	"total_sent":      true,
	"total_delivered": true,
	"total_opened":    true,
	"total_clicked":   true,
	"total_replied":   true,
}

// IncrementCountersTx applies counter deltas as a single atomic
// read-modify-write in the store. Counters only ever grow; negative
// deltas are rejected.
func (r Repo) IncrementCountersTx(ctx context.Context, tx *sql.Tx, instanceID, now string, deltas map[string]int64) error {
	if len(deltas) == 0 {
		return nil
	}
	var sets []string
	var args []any
	cols := make([]string, 0, len(deltas))
	for col := range deltas {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	for _, col := range cols {
		if !counterColumns[col] {
			return fmt.Errorf("unknown counter column %s", col)
		}
		if deltas[col] < 0 {
			return fmt.Errorf("counter %s delta must be non-negative", col)
		}
		sets = append(sets, fmt.Sprintf("%s=%s+?", col, col))
		args = append(args, deltas[col])
	}
	sets = append(sets, "updated_at=?")
	args = append(args, now, instanceID)
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE campaign_instances SET %s WHERE id=?`, strings.Join(sets, ", ")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
