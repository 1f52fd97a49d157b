package repo

import (
	"context"
	"database/sql"

	"taskpoints/internal/domain"
)

const rewardColumns = `id,history_id,name,description,image_url,points,created_at,deleted_at`

func scanReward(row rowScanner) (domain.Reward, error) {
	var rw domain.Reward
	var image, deleted sql.NullString
	if err := row.Scan(&rw.ID, &rw.HistoryID, &rw.Name, &rw.Description, &image, &rw.Points, &rw.CreatedAt, &deleted); err != nil {
		return rw, notFound(err)
	}
	rw.ImageURL = stringPtr(image)
	rw.DeletedAt = stringPtr(deleted)
	return rw, nil
}

// InsertRewardIfAbsent writes rw unless a reward for rw.HistoryID exists and
// reports whether a row was written. The UNIQUE(history_id) constraint makes
// the check-and-insert atomic: a concurrent loser inserts nothing.
func (r Repo) InsertRewardIfAbsent(ctx context.Context, ex Querier, rw domain.Reward) (bool, error) {
	res, err := r.q(ex).ExecContext(ctx, `INSERT INTO rewards(history_id,name,description,image_url,points,created_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(history_id) DO NOTHING`,
		rw.HistoryID, rw.Name, rw.Description, nullableStringPtr(rw.ImageURL), rw.Points, rw.CreatedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (r Repo) GetRewardByHistory(ctx context.Context, ex Querier, historyID int64) (domain.Reward, error) {
	return scanReward(r.q(ex).QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE history_id=?`, historyID))
}

func (r Repo) GetReward(ctx context.Context, id int64) (domain.Reward, error) {
	return scanReward(r.DB.QueryRowContext(ctx, `SELECT `+rewardColumns+` FROM rewards WHERE id=? AND deleted_at IS NULL`, id))
}

// ListRewards returns live rewards, optionally for a single history.
func (r Repo) ListRewards(ctx context.Context, historyID int64) ([]domain.Reward, error) {
	query := `SELECT ` + rewardColumns + ` FROM rewards WHERE deleted_at IS NULL`
	var args []any
	if historyID > 0 {
		query += ` AND history_id=?`
		args = append(args, historyID)
	}
	query += ` ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Reward
	for rows.Next() {
		rw, err := scanReward(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rw)
	}
	return res, rows.Err()
}

func (r Repo) CountRewardsForHistory(ctx context.Context, historyID int64) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM rewards WHERE history_id=?`, historyID).Scan(&n)
	return n, err
}
