package repo

import (
	"context"
	"database/sql"

	"taskpoints/internal/domain"
)

const taskColumns = `id,title,description,points,created_at,edited_at,deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var edited, deleted sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Points, &t.CreatedAt, &edited, &deleted); err != nil {
		return t, notFound(err)
	}
	t.EditedAt = stringPtr(edited)
	t.DeletedAt = stringPtr(deleted)
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, ex Querier, t domain.Task) (int64, error) {
	res, err := r.q(ex).ExecContext(ctx, `INSERT INTO tasks(title,description,points,created_at) VALUES (?,?,?,?)`,
		t.Title, t.Description, t.Points, t.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

// GetTask returns a live task.
func (r Repo) GetTask(ctx context.Context, ex Querier, id int64) (domain.Task, error) {
	return scanTask(r.q(ex).QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=? AND deleted_at IS NULL`, id))
}

func (r Repo) ListTasks(ctx context.Context) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) UpdateTask(ctx context.Context, ex Querier, t domain.Task) error {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE tasks SET title=?, description=?, points=?, edited_at=? WHERE id=? AND deleted_at IS NULL`,
		t.Title, t.Description, t.Points, nullableStringPtr(t.EditedAt), t.ID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r Repo) SoftDeleteTask(ctx context.Context, ex Querier, id int64, ts string) error {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE tasks SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, ts, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}
