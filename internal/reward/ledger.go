package reward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"taskpoints/internal/domain"
	"taskpoints/internal/events"
	"taskpoints/internal/logging"
	"taskpoints/internal/repo"
)

// ErrInsufficientData means the ledger refused to write: no points or no
// valid history.
var ErrInsufficientData = errors.New("insufficient information to issue reward")

type Outcome string

const (
	OutcomeIssued   Outcome = "issued"
	OutcomeExisting Outcome = "existing"
	OutcomeRejected Outcome = "rejected"
)

type IssueRequest struct {
	HistoryID int64
	Points    int
	Fields
}

// Ledger is the only writer of rewards and keeps at most one per history.
type Ledger struct {
	Repo   repo.Repo
	Events events.Writer
	Now    func() time.Time
	Logger *slog.Logger
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// Issue stores a reward for req.HistoryID, or returns the one already stored.
// The insert relies on the UNIQUE(history_id) constraint, so concurrent
// calls for one history agree on a single row.
func (l Ledger) Issue(ctx context.Context, req IssueRequest) (domain.Reward, Outcome, error) {
	log := logging.FromContext(ctx, l.Logger).With("history_id", req.HistoryID, "points", req.Points)
	if req.Points <= 0 || req.HistoryID <= 0 {
		log.Warn("ledger: reward not issued, insufficient information")
		return domain.Reward{}, OutcomeRejected, ErrInsufficientData
	}
	if _, err := l.Repo.GetHistory(ctx, nil, req.HistoryID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			log.Warn("ledger: reward not issued, history missing or deleted")
			return domain.Reward{}, OutcomeRejected, ErrInsufficientData
		}
		return domain.Reward{}, OutcomeRejected, err
	}

	rw := domain.Reward{
		HistoryID:   req.HistoryID,
		Name:        req.Name,
		Description: req.Description,
		ImageURL:    req.ImageURL,
		Points:      req.Points,
		CreatedAt:   l.now().UTC().Format(time.RFC3339),
	}
	tx, err := l.Repo.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Reward{}, OutcomeRejected, err
	}
	defer tx.Rollback()

	inserted, err := l.Repo.InsertRewardIfAbsent(ctx, tx, rw)
	if err != nil {
		return domain.Reward{}, OutcomeRejected, fmt.Errorf("insert reward: %w", err)
	}
	stored, err := l.Repo.GetRewardByHistory(ctx, tx, req.HistoryID)
	if err != nil {
		return domain.Reward{}, OutcomeRejected, fmt.Errorf("read reward: %w", err)
	}
	if inserted {
		if err := l.Events.Append(ctx, tx, "reward.issued", "reward", stored.ID, events.EventPayload{
			"history_id": stored.HistoryID,
			"name":       stored.Name,
			"points":     stored.Points,
		}); err != nil {
			return domain.Reward{}, OutcomeRejected, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.Reward{}, OutcomeRejected, err
	}
	if !inserted {
		log.Info("ledger: reward already exists", "reward_id", stored.ID)
		return stored, OutcomeExisting, nil
	}
	log.Info("ledger: reward issued", "reward_id", stored.ID, "name", stored.Name)
	return stored, OutcomeIssued, nil
}
