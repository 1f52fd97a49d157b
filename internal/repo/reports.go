package repo

import (
	"context"
	"database/sql"

	"taskpoints/internal/domain"
)

func (r Repo) scanUserValues(ctx context.Context, query string) ([]domain.UserPoints, error) {
	rows, err := r.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.UserPoints
	for rows.Next() {
		var up domain.UserPoints
		if err := rows.Scan(&up.UserID, &up.User, &up.Value); err != nil {
			return nil, err
		}
		res = append(res, up)
	}
	return res, rows.Err()
}

// PointsByUser sums finalized points per live user.
func (r Repo) PointsByUser(ctx context.Context) ([]domain.UserPoints, error) {
	return r.scanUserValues(ctx, `SELECT u.id, u.name, SUM(t.points)
FROM users u
JOIN histories h ON h.user_id = u.id
JOIN tasks t ON t.id = h.task_id
WHERE h.finalized=1 AND h.deleted_at IS NULL AND t.deleted_at IS NULL AND u.deleted_at IS NULL
GROUP BY u.id, u.name ORDER BY u.id`)
}

// HistoriesByUser counts live histories per live user.
func (r Repo) HistoriesByUser(ctx context.Context) ([]domain.UserPoints, error) {
	return r.scanUserValues(ctx, `SELECT u.id, u.name, COUNT(h.id)
FROM users u
JOIN histories h ON h.user_id = u.id
WHERE h.deleted_at IS NULL AND u.deleted_at IS NULL
GROUP BY u.id, u.name ORDER BY u.id`)
}

// FinalizedByUser counts live finalized histories per live user.
func (r Repo) FinalizedByUser(ctx context.Context) ([]domain.UserPoints, error) {
	return r.scanUserValues(ctx, `SELECT u.id, u.name, COUNT(h.id)
FROM users u
JOIN histories h ON h.user_id = u.id
WHERE h.deleted_at IS NULL AND h.finalized=1 AND u.deleted_at IS NULL
GROUP BY u.id, u.name ORDER BY u.id`)
}

func (r Repo) TaskPoints(ctx context.Context) ([]domain.TaskPoints, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT title, points FROM tasks WHERE deleted_at IS NULL ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskPoints
	for rows.Next() {
		var tp domain.TaskPoints
		if err := rows.Scan(&tp.Title, &tp.Points); err != nil {
			return nil, err
		}
		res = append(res, tp)
	}
	return res, rows.Err()
}

// RewardCounts groups live rewards by lower-cased name.
func (r Repo) RewardCounts(ctx context.Context) ([]domain.RewardCount, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT LOWER(name), MAX(image_url), COUNT(id)
FROM rewards WHERE deleted_at IS NULL
GROUP BY LOWER(name) ORDER BY COUNT(id) DESC, LOWER(name)`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RewardCount
	for rows.Next() {
		var rc domain.RewardCount
		var image sql.NullString
		if err := rows.Scan(&rc.Name, &image, &rc.Count); err != nil {
			return nil, err
		}
		rc.ImageURL = stringPtr(image)
		res = append(res, rc)
	}
	return res, rows.Err()
}

func (r Repo) InsertSnapshot(ctx context.Context, s domain.ReportSnapshot) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO report_snapshots(taken_at,summary_json) VALUES (?,?)`, s.TakenAt, s.SummaryJSON)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (r Repo) ListSnapshots(ctx context.Context, limit int) ([]domain.ReportSnapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,taken_at,summary_json FROM report_snapshots ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReportSnapshot
	for rows.Next() {
		var s domain.ReportSnapshot
		if err := rows.Scan(&s.ID, &s.TakenAt, &s.SummaryJSON); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}
