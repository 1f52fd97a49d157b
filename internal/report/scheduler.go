package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"taskpoints/internal/domain"
	"taskpoints/internal/logging"
	"taskpoints/internal/repo"
)

// Scheduler stores Summary snapshots on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	repo   repo.Repo
	logger *slog.Logger
	Now    func() time.Time
}

func NewScheduler(r repo.Repo, loc *time.Location, logger *slog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Scheduler{
		cron:   cron.New(cron.WithLocation(loc)),
		repo:   r,
		logger: logger,
		Now:    time.Now,
	}
}

// Schedule registers the snapshot job with a standard five field spec.
func (s *Scheduler) Schedule(spec string) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() {
		snap, err := s.Snapshot(context.Background())
		if err != nil {
			s.logger.Error("report: snapshot failed", "error", err)
			return
		}
		s.logger.Info("report: snapshot stored", "snapshot_id", snap.ID)
	})
}

func (s *Scheduler) Start() {
	s.cron.Start()
}

func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Snapshot builds a Summary now and stores it.
func (s *Scheduler) Snapshot(ctx context.Context) (domain.ReportSnapshot, error) {
	now := s.Now()
	sum, err := Build(ctx, s.repo, now)
	if err != nil {
		return domain.ReportSnapshot{}, err
	}
	data, err := json.Marshal(sum)
	if err != nil {
		return domain.ReportSnapshot{}, fmt.Errorf("marshal summary: %w", err)
	}
	snap := domain.ReportSnapshot{TakenAt: sum.GeneratedAt, SummaryJSON: string(data)}
	id, err := s.repo.InsertSnapshot(ctx, snap)
	if err != nil {
		return domain.ReportSnapshot{}, fmt.Errorf("store snapshot: %w", err)
	}
	snap.ID = id
	return snap, nil
}
