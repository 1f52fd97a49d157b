// Package report builds dashboard aggregates, log statistics and scheduled
// summary snapshots.
package report

import (
	"context"
	"fmt"
	"time"

	"taskpoints/internal/domain"
	"taskpoints/internal/repo"
)

// Summary is the dashboard view of the workspace.
type Summary struct {
	GeneratedAt     string               `json:"generated_at" format:"date-time" xml:"generated_at"`
	PointsByUser    []domain.UserPoints  `json:"points_by_user" xml:"points_by_user"`
	HistoriesByUser []domain.UserPoints  `json:"histories_by_user" xml:"histories_by_user"`
	FinalizedByUser []domain.UserPoints  `json:"finalized_by_user" xml:"finalized_by_user"`
	Tasks           []domain.TaskPoints  `json:"tasks" xml:"tasks"`
	Rewards         []domain.RewardCount `json:"rewards" xml:"rewards"`
}

func Build(ctx context.Context, r repo.Repo, now time.Time) (Summary, error) {
	s := Summary{GeneratedAt: now.UTC().Format(time.RFC3339)}
	var err error
	if s.PointsByUser, err = r.PointsByUser(ctx); err != nil {
		return s, fmt.Errorf("points by user: %w", err)
	}
	if s.HistoriesByUser, err = r.HistoriesByUser(ctx); err != nil {
		return s, fmt.Errorf("histories by user: %w", err)
	}
	if s.FinalizedByUser, err = r.FinalizedByUser(ctx); err != nil {
		return s, fmt.Errorf("finalized by user: %w", err)
	}
	if s.Tasks, err = r.TaskPoints(ctx); err != nil {
		return s, fmt.Errorf("task points: %w", err)
	}
	if s.Rewards, err = r.RewardCounts(ctx); err != nil {
		return s, fmt.Errorf("reward counts: %w", err)
	}
	return s, nil
}
