package reward

import "context"

// PointSource computes a user's live finalized point total.
type PointSource interface {
	SumFinalizedPoints(ctx context.Context, userID int64) (int, error)
}

// Aggregator totals a user's points from storage on every call.
type Aggregator struct {
	Source PointSource
}

func (a Aggregator) Total(ctx context.Context, userID int64) (int, error) {
	if userID <= 0 {
		return 0, nil
	}
	return a.Source.SumFinalizedPoints(ctx, userID)
}
