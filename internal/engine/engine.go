package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"taskpoints/internal/domain"
	"taskpoints/internal/events"
	"taskpoints/internal/logging"
	"taskpoints/internal/repo"
	"taskpoints/internal/reward"
)

// ErrInvalid wraps input validation failures.
var ErrInvalid = errors.New("invalid input")

// RewardIssuer is notified once a history reaches the finalized state.
type RewardIssuer interface {
	OnHistoryFinalized(ctx context.Context, t reward.Trigger) reward.Result
}

type Engine struct {
	DB      *sql.DB
	Repo    repo.Repo
	Events  events.Writer
	Rewards RewardIssuer
	Logger  *slog.Logger
	Now     func() time.Time
}

func New(db *sql.DB, rewards RewardIssuer, logger *slog.Logger) Engine {
	return Engine{
		DB:      db,
		Repo:    repo.Repo{DB: db},
		Rewards: rewards,
		Logger:  logger,
		Now:     time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) stamp() string {
	return e.now().UTC().Format(time.RFC3339)
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...))
}

func required(field, v string) error {
	if strings.TrimSpace(v) == "" {
		return invalid("%s is required", field)
	}
	return nil
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Title       string
	Description string
	Points      int
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	if err := required("title", opts.Title); err != nil {
		return domain.Task{}, err
	}
	if opts.Points < 1 {
		return domain.Task{}, invalid("points must be positive")
	}
	t := domain.Task{
		Title:       opts.Title,
		Description: opts.Description,
		Points:      opts.Points,
		CreatedAt:   e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	t.ID = id
	if err := e.Events.Append(ctx, tx, "task.created", "task", t.ID, events.EventPayload{"title": t.Title, "points": t.Points}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return e.Repo.GetTask(ctx, nil, id)
}

func (e Engine) ListTasks(ctx context.Context) ([]domain.Task, error) {
	return e.Repo.ListTasks(ctx)
}

// TaskUpdateOptions encapsulates allowed updates. Nil fields are left as is.
type TaskUpdateOptions struct {
	ID          int64
	Title       *string
	Description *string
	Points      *int
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	if opts.Title != nil {
		if err := required("title", *opts.Title); err != nil {
			return domain.Task{}, err
		}
	}
	if opts.Points != nil && *opts.Points < 1 {
		return domain.Task{}, invalid("points must be positive")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTask(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, err
	}
	changed := events.EventPayload{}
	if opts.Title != nil {
		t.Title = *opts.Title
		changed["title"] = t.Title
	}
	if opts.Description != nil {
		t.Description = *opts.Description
		changed["description"] = t.Description
	}
	if opts.Points != nil {
		changed["old_points"] = t.Points
		t.Points = *opts.Points
		changed["points"] = t.Points
	}
	now := e.stamp()
	t.EditedAt = &now
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return domain.Task{}, err
	}
	if err := e.Events.Append(ctx, tx, "task.updated", "task", t.ID, changed); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (e Engine) DeleteTask(ctx context.Context, id int64) error {
	return e.softDelete(ctx, "task", id, e.Repo.SoftDeleteTask)
}

type UserCreateOptions struct {
	Name   string
	Age    int
	Gender string
}

func (e Engine) CreateUser(ctx context.Context, opts UserCreateOptions) (domain.User, error) {
	if err := required("name", opts.Name); err != nil {
		return domain.User{}, err
	}
	if opts.Age < 0 {
		return domain.User{}, invalid("age must not be negative")
	}
	u := domain.User{
		Name:      opts.Name,
		Age:       opts.Age,
		Gender:    opts.Gender,
		CreatedAt: e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	id, err := e.Repo.InsertUser(ctx, tx, u)
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	u.ID = id
	if err := e.Events.Append(ctx, tx, "user.created", "user", u.ID, events.EventPayload{"name": u.Name}); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) GetUser(ctx context.Context, id int64) (domain.User, error) {
	return e.Repo.GetUser(ctx, nil, id)
}

func (e Engine) ListUsers(ctx context.Context) ([]domain.User, error) {
	return e.Repo.ListUsers(ctx)
}

type UserUpdateOptions struct {
	ID     int64
	Name   *string
	Age    *int
	Gender *string
}

func (e Engine) UpdateUser(ctx context.Context, opts UserUpdateOptions) (domain.User, error) {
	if opts.Name != nil {
		if err := required("name", *opts.Name); err != nil {
			return domain.User{}, err
		}
	}
	if opts.Age != nil && *opts.Age < 0 {
		return domain.User{}, invalid("age must not be negative")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.User{}, err
	}
	defer tx.Rollback()

	u, err := e.Repo.GetUser(ctx, tx, opts.ID)
	if err != nil {
		return domain.User{}, err
	}
	changed := events.EventPayload{}
	if opts.Name != nil {
		u.Name = *opts.Name
		changed["name"] = u.Name
	}
	if opts.Age != nil {
		u.Age = *opts.Age
		changed["age"] = u.Age
	}
	if opts.Gender != nil {
		u.Gender = *opts.Gender
		changed["gender"] = u.Gender
	}
	now := e.stamp()
	u.EditedAt = &now
	if err := e.Repo.UpdateUser(ctx, tx, u); err != nil {
		return domain.User{}, err
	}
	if err := e.Events.Append(ctx, tx, "user.updated", "user", u.ID, changed); err != nil {
		return domain.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.User{}, err
	}
	return u, nil
}

func (e Engine) DeleteUser(ctx context.Context, id int64) error {
	return e.softDelete(ctx, "user", id, e.Repo.SoftDeleteUser)
}

type HistoryCreateOptions struct {
	Name        string
	Description string
	UserID      int64
	TaskID      int64
	Finalized   bool
}

// CreateHistory stores a history for a live user and task. A history created
// already finalized triggers reward issuance once the insert has committed.
func (e Engine) CreateHistory(ctx context.Context, opts HistoryCreateOptions) (domain.History, error) {
	if err := required("name", opts.Name); err != nil {
		return domain.History{}, err
	}
	if opts.UserID <= 0 || opts.TaskID <= 0 {
		return domain.History{}, invalid("user_id and task_id are required")
	}
	h := domain.History{
		Name:        opts.Name,
		Description: opts.Description,
		UserID:      opts.UserID,
		TaskID:      opts.TaskID,
		Finalized:   opts.Finalized,
		CreatedAt:   e.stamp(),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.History{}, err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetUser(ctx, tx, opts.UserID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.History{}, invalid("user %d not found", opts.UserID)
		}
		return domain.History{}, err
	}
	if _, err := e.Repo.GetTask(ctx, tx, opts.TaskID); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.History{}, invalid("task %d not found", opts.TaskID)
		}
		return domain.History{}, err
	}
	id, err := e.Repo.InsertHistory(ctx, tx, h)
	if err != nil {
		return domain.History{}, fmt.Errorf("insert history: %w", err)
	}
	h.ID = id
	if err := e.Events.Append(ctx, tx, "history.created", "history", h.ID, events.EventPayload{
		"user_id":   h.UserID,
		"task_id":   h.TaskID,
		"finalized": h.Finalized,
	}); err != nil {
		return domain.History{}, err
	}
	if h.Finalized {
		if err := e.Events.Append(ctx, tx, "history.finalized", "history", h.ID, nil); err != nil {
			return domain.History{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.History{}, err
	}
	e.afterCommit(ctx, nil, h)
	return h, nil
}

func (e Engine) GetHistory(ctx context.Context, id int64) (domain.History, error) {
	return e.Repo.GetHistory(ctx, nil, id)
}

func (e Engine) ListHistories(ctx context.Context, f repo.HistoryFilters) ([]domain.History, error) {
	return e.Repo.ListHistories(ctx, f)
}

// HistoryUpdateOptions allow renaming and toggling finalized. The user and
// task of a history are fixed at creation.
type HistoryUpdateOptions struct {
	ID          int64
	Name        *string
	Description *string
	Finalized   *bool
}

func (e Engine) UpdateHistory(ctx context.Context, opts HistoryUpdateOptions) (domain.History, error) {
	if opts.Name != nil {
		if err := required("name", *opts.Name); err != nil {
			return domain.History{}, err
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.History{}, err
	}
	defer tx.Rollback()

	prev, err := e.Repo.GetHistory(ctx, tx, opts.ID)
	if err != nil {
		return domain.History{}, err
	}
	h := prev
	changed := events.EventPayload{}
	if opts.Name != nil {
		h.Name = *opts.Name
		changed["name"] = h.Name
	}
	if opts.Description != nil {
		h.Description = *opts.Description
		changed["description"] = h.Description
	}
	if opts.Finalized != nil {
		h.Finalized = *opts.Finalized
		changed["finalized"] = h.Finalized
	}
	now := e.stamp()
	h.EditedAt = &now
	if err := e.Repo.UpdateHistory(ctx, tx, h); err != nil {
		return domain.History{}, err
	}
	if err := e.Events.Append(ctx, tx, "history.updated", "history", h.ID, changed); err != nil {
		return domain.History{}, err
	}
	switch {
	case reward.Finalizes(&prev, h):
		err = e.Events.Append(ctx, tx, "history.finalized", "history", h.ID, nil)
	case prev.Finalized && !h.Finalized:
		err = e.Events.Append(ctx, tx, "history.reopened", "history", h.ID, nil)
	}
	if err != nil {
		return domain.History{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.History{}, err
	}
	e.afterCommit(ctx, &prev, h)
	return h, nil
}

func (e Engine) DeleteHistory(ctx context.Context, id int64) error {
	return e.softDelete(ctx, "history", id, e.Repo.SoftDeleteHistory)
}

func (e Engine) ListRewards(ctx context.Context, historyID int64) ([]domain.Reward, error) {
	return e.Repo.ListRewards(ctx, historyID)
}

func (e Engine) GetReward(ctx context.Context, id int64) (domain.Reward, error) {
	return e.Repo.GetReward(ctx, id)
}

// afterCommit fires reward issuance on the finalize edge. The outcome is
// logged by the pipeline and never reaches the caller.
func (e Engine) afterCommit(ctx context.Context, prev *domain.History, cur domain.History) {
	if e.Rewards == nil || !reward.Finalizes(prev, cur) {
		return
	}
	res := e.Rewards.OnHistoryFinalized(ctx, reward.Trigger{HistoryID: cur.ID, UserID: cur.UserID, TaskID: cur.TaskID})
	logging.FromContext(ctx, e.Logger).Debug("engine: reward pipeline finished",
		"history_id", cur.ID, "stage", res.Stage, "outcome", res.Outcome)
}

type softDeleteFunc func(ctx context.Context, ex repo.Querier, id int64, ts string) error

func (e Engine) softDelete(ctx context.Context, kind string, id int64, del softDeleteFunc) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := del(ctx, tx, id, e.stamp()); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, kind+".deleted", kind, id, nil); err != nil {
		return err
	}
	return tx.Commit()
}
