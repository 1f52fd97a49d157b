package repo

import (
	"context"
	"database/sql"

	"taskpoints/internal/domain"
)

const userColumns = `id,name,age,gender,created_at,edited_at,deleted_at`

func scanUser(row rowScanner) (domain.User, error) {
	var u domain.User
	var edited, deleted sql.NullString
	if err := row.Scan(&u.ID, &u.Name, &u.Age, &u.Gender, &u.CreatedAt, &edited, &deleted); err != nil {
		return u, notFound(err)
	}
	u.EditedAt = stringPtr(edited)
	u.DeletedAt = stringPtr(deleted)
	return u, nil
}

func (r Repo) InsertUser(ctx context.Context, ex Querier, u domain.User) (int64, error) {
	res, err := r.q(ex).ExecContext(ctx, `INSERT INTO users(name,age,gender,created_at) VALUES (?,?,?,?)`,
		u.Name, u.Age, u.Gender, u.CreatedAt)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) GetUser(ctx context.Context, ex Querier, id int64) (domain.User, error) {
	return scanUser(r.q(ex).QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id=? AND deleted_at IS NULL`, id))
}

func (r Repo) ListUsers(ctx context.Context) ([]domain.User, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+userColumns+` FROM users WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, u)
	}
	return res, rows.Err()
}

func (r Repo) UpdateUser(ctx context.Context, ex Querier, u domain.User) error {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE users SET name=?, age=?, gender=?, edited_at=? WHERE id=? AND deleted_at IS NULL`,
		u.Name, u.Age, u.Gender, nullableStringPtr(u.EditedAt), u.ID)
	if err != nil {
		return err
	}
	return expectAffected(res)
}

func (r Repo) SoftDeleteUser(ctx context.Context, ex Querier, id int64, ts string) error {
	res, err := r.q(ex).ExecContext(ctx, `UPDATE users SET deleted_at=? WHERE id=? AND deleted_at IS NULL`, ts, id)
	if err != nil {
		return err
	}
	return expectAffected(res)
}
