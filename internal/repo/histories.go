package repo

import (
	"context"
	"database/sql"

	"taskpoints/internal/domain"
)

const historyColumns = `id,name,description,user_id,task_id,finalized,created_at,edited_at,deleted_at`

func scanHistory(row rowScanner) (domain.History, error) {
	var h domain.History
	var edited, deleted sql.NullString
	if err := row.Scan(&h.ID, &h.Name, &h.Description, &h.UserID, &h.TaskID, &h.Finalized, &h.CreatedAt, &edited, &deleted); err != nil {
		return h, notFound(err)
	}
	h.EditedAt = stringPtr(edited)
	h.DeletedAt = stringPtr(deleted)
	return h, nil
}

func (r Repo) InsertHistory(ctx context.Context, ex Querier, h domain.History) (int64, error) {
	res, err := r.q(ex).ExecContext(ctx, `INSERT INTO histories(name,description,user_id,task_id,finalized,created_at) VALUES (?,?,?,?,?,?)`,
		h.Name, h.Description, h.UserID, h.TaskID, h.Finalized, h.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetHistory(ctx context.Context, ex Querier, id int64) (domain.History, error) {
	return scanHistory(r.q(ex).QueryRowContext(ctx, `SELECT `+historyColumns+` FROM histories WHERE id=? AND deleted_at IS NULL`, id))
}

type HistoryFilters struct {
	UserID    int64
	Finalized *bool
}

func (r Repo) ListHistories(ctx context.Context, f HistoryFilters) ([]domain.History, error) {
	query := `SELECT ` + historyColumns + ` FROM histories WHERE deleted_at IS NULL`
	var args []any
	if f.UserID > 0 {
		query += ` AND user_id=?`
		args = append(args, f.UserID)
	}
	if f.Finalized != nil {
		query += ` AND finalized=?`
		args = append(args, *f.Finalized)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.History
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) UpdateHistory(ctx context.Context, ex Querier, h domain.History) error {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE histories SET name=?, description=?, finalized=?, edited_at=? WHERE id=? AND deleted_at IS NULL`,
		h.Name, h.Description, h.Finalized, nullableStringPtr(h.EditedAt), h.ID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r Repo) SoftDeleteHistory(ctx context.Context, ex Querier, id int64, ts string) error {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE histories SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, ts, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

// SumFinalizedPoints totals the points of live tasks referenced by the user's
// live, finalized histories. It is computed on every call.
func (r Repo) SumFinalizedPoints(ctx context.Context, userID int64) (int, error) {
	var total sql.NullInt64
	err := r.DB.QueryRowContext(ctx, `SELECT SUM(t.points)
FROM histories h
JOIN tasks t ON t.id = h.task_id
WHERE h.user_id=? AND h.finalized=1 AND h.deleted_at IS NULL AND t.deleted_at IS NULL`, userID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return int(total.Int64), nil
}
