// Package reward issues rewards when a history is finalized.
//
// The pipeline runs Aggregator, catalog fetch, Extractor and Ledger in that
// order. Every failure is logged and absorbed: the history write that
// triggered the run has already committed and is never affected.
package reward

import (
	"context"
	"errors"
	"log/slog"

	"taskpoints/internal/catalog"
	"taskpoints/internal/domain"
	"taskpoints/internal/logging"
)

// Fetcher is the catalog lookup used by the orchestrator.
type Fetcher interface {
	Fetch(ctx context.Context, key int) (catalog.Result, error)
}

// Trigger identifies the history that reached the finalized state.
type Trigger struct {
	HistoryID int64
	UserID    int64
	TaskID    int64
}

// Stage names where a run stopped.
type Stage string

const (
	StageAggregate Stage = "aggregate"
	StageFetch     Stage = "fetch"
	StageExtract   Stage = "extract"
	StageLedger    Stage = "ledger"
	StageDone      Stage = "done"
)

// Result describes one run. Err is informational only.
type Result struct {
	Stage   Stage
	Points  int
	Outcome Outcome
	Reward  *domain.Reward
	Err     error
}

type Orchestrator struct {
	Points    Aggregator
	Catalog   Fetcher
	Extractor Extractor
	Ledger    Ledger
	Logger    *slog.Logger
}

// Finalizes reports whether moving from prev to cur is the finalize edge:
// created already finalized (prev nil) or updated from open to finalized.
func Finalizes(prev *domain.History, cur domain.History) bool {
	if !cur.Finalized {
		return false
	}
	return prev == nil || !prev.Finalized
}

// OnHistoryFinalized runs the pipeline for t. It never returns an error;
// the Result says how far it got.
func (o Orchestrator) OnHistoryFinalized(ctx context.Context, t Trigger) Result {
	log := logging.FromContext(ctx, o.Logger).With("history_id", t.HistoryID, "user_id", t.UserID)

	points, err := o.Points.Total(ctx, t.UserID)
	if err != nil {
		log.Error("reward: aggregate points failed", "stage", StageAggregate, "error", err)
		return Result{Stage: StageAggregate, Err: err}
	}
	if points == 0 {
		log.Info("reward: user has no points, nothing to issue", "stage", StageAggregate)
		return Result{Stage: StageAggregate}
	}
	log = log.With("points", points)

	fetched, err := o.Catalog.Fetch(ctx, points)
	if err != nil {
		log.Error("reward: catalog lookup failed", "stage", StageFetch, "error", err)
		return Result{Stage: StageFetch, Points: points, Err: err}
	}
	if fetched.SpeciesErr != nil {
		log.Warn("reward: catalog returned entity only", "stage", StageFetch, "error", fetched.SpeciesErr)
	}

	fields, err := o.Extractor.Extract(fetched.Entity, fetched.Species)
	if err != nil {
		if fetched.SpeciesErr != nil {
			err = errors.Join(err, fetched.SpeciesErr)
		}
		log.Error("reward: extraction failed", "stage", StageExtract, "error", err)
		return Result{Stage: StageExtract, Points: points, Err: err}
	}

	rw, outcome, err := o.Ledger.Issue(ctx, IssueRequest{HistoryID: t.HistoryID, Points: points, Fields: fields})
	if err != nil {
		log.Error("reward: ledger refused", "stage", StageLedger, "outcome", outcome, "error", err)
		return Result{Stage: StageLedger, Points: points, Outcome: outcome, Err: err}
	}
	return Result{Stage: StageDone, Points: points, Outcome: outcome, Reward: &rw}
}
