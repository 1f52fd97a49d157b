package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"taskpoints/internal/db"
	"taskpoints/internal/engine"
	"taskpoints/internal/migrate"
	"taskpoints/internal/repo"
	"taskpoints/internal/reward"
)

type recordingIssuer struct {
	mu       sync.Mutex
	triggers []reward.Trigger
	result   reward.Result
}

func (r *recordingIssuer) OnHistoryFinalized(_ context.Context, t reward.Trigger) reward.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggers = append(r.triggers, t)
	return r.result
}

func (r *recordingIssuer) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.triggers)
}

type testEnv struct {
	Engine engine.Engine
	Issuer *recordingIssuer
	Ctx    context.Context
	UserID int64
	TaskID int64
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	issuer := &recordingIssuer{result: reward.Result{Stage: reward.StageDone, Outcome: reward.OutcomeIssued}}
	eng := engine.New(conn, issuer, nil)
	eng.Now = func() time.Time { return time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC) }
	ctx := context.Background()
	u, err := eng.CreateUser(ctx, engine.UserCreateOptions{Name: "Ana", Age: 30, Gender: "F"})
	if err != nil {
		t.Fatalf("create user: %v", err)
	}
	task, err := eng.CreateTask(ctx, engine.TaskCreateOptions{Title: "Clean", Description: "kitchen", Points: 10})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return testEnv{Engine: eng, Issuer: issuer, Ctx: ctx, UserID: u.ID, TaskID: task.ID}
}

func ptr[T any](v T) *T { return &v }

func TestCreateFinalizedHistoryTriggersReward(t *testing.T) {
	env := newTestEnv(t)
	h, err := env.Engine.CreateHistory(env.Ctx, engine.HistoryCreateOptions{
		Name: "done", UserID: env.UserID, TaskID: env.TaskID, Finalized: true,
	})
	if err != nil {
		t.Fatalf("create history: %v", err)
	}
	if env.Issuer.count() != 1 {
		t.Fatalf("expected one trigger, got %d", env.Issuer.count())
	}
	got := env.Issuer.triggers[0]
	if got.HistoryID != h.ID || got.UserID != env.UserID || got.TaskID != env.TaskID {
		t.Fatalf("unexpected trigger %+v", got)
	}
}

func TestFinalizeEdgeOnUpdate(t *testing.T) {
	env := newTestEnv(t)
	h, err := env.Engine.CreateHistory(env.Ctx, engine.HistoryCreateOptions{Name: "open", UserID: env.UserID, TaskID: env.TaskID})
	if err != nil {
		t.Fatal(err)
	}
	if env.Issuer.count() != 0 {
		t.Fatalf("open history must not trigger")
	}
	// rename only
	if _, err := env.Engine.UpdateHistory(env.Ctx, engine.HistoryUpdateOptions{ID: h.ID, Name: ptr("renamed")}); err != nil {
		t.Fatal(err)
	}
	if env.Issuer.count() != 0 {
		t.Fatalf("rename must not trigger")
	}
	h, err = env.Engine.UpdateHistory(env.Ctx, engine.HistoryUpdateOptions{ID: h.ID, Finalized: ptr(true)})
	if err != nil || !h.Finalized {
		t.Fatalf("finalize: %v", err)
	}
	if env.Issuer.count() != 1 {
		t.Fatalf("expected trigger on edge, got %d", env.Issuer.count())
	}
	// already finalized, no edge
	if _, err := env.Engine.UpdateHistory(env.Ctx, engine.HistoryUpdateOptions{ID: h.ID, Finalized: ptr(true), Description: ptr("again")}); err != nil {
		t.Fatal(err)
	}
	if env.Issuer.count() != 1 {
		t.Fatalf("finalized edit must not trigger")
	}
	// reopen then finalize again
	if _, err := env.Engine.UpdateHistory(env.Ctx, engine.HistoryUpdateOptions{ID: h.ID, Finalized: ptr(false)}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.UpdateHistory(env.Ctx, engine.HistoryUpdateOptions{ID: h.ID, Finalized: ptr(true)}); err != nil {
		t.Fatal(err)
	}
	if env.Issuer.count() != 2 {
		t.Fatalf("expected second trigger after reopen, got %d", env.Issuer.count())
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: "history.reopened"})
	if err != nil || len(evts) != 1 {
		t.Fatalf("expected one reopened event: %v %d", err, len(evts))
	}
}

func TestRewardFailureDoesNotFailHistoryWrite(t *testing.T) {
	env := newTestEnv(t)
	env.Issuer.result = reward.Result{Stage: reward.StageFetch, Err: errors.New("catalog down")}
	h, err := env.Engine.CreateHistory(env.Ctx, engine.HistoryCreateOptions{
		Name: "done", UserID: env.UserID, TaskID: env.TaskID, Finalized: true,
	})
	if err != nil {
		t.Fatalf("history write must succeed: %v", err)
	}
	stored, err := env.Engine.GetHistory(env.Ctx, h.ID)
	if err != nil || !stored.Finalized {
		t.Fatalf("history must be stored finalized: %+v %v", stored, err)
	}
}

func TestHistoryRequiresLiveUserAndTask(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.DeleteTask(env.Ctx, env.TaskID); err != nil {
		t.Fatal(err)
	}
	_, err := env.Engine.CreateHistory(env.Ctx, engine.HistoryCreateOptions{Name: "x", UserID: env.UserID, TaskID: env.TaskID})
	if !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid for deleted task, got %v", err)
	}
	_, err = env.Engine.CreateHistory(env.Ctx, engine.HistoryCreateOptions{Name: "x", UserID: 999, TaskID: env.TaskID})
	if !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid for unknown user, got %v", err)
	}
	if env.Issuer.count() != 0 {
		t.Fatalf("failed writes must not trigger")
	}
}

func TestPartialUpdateKeepsOtherFields(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: env.TaskID, Points: ptr(25)})
	if err != nil {
		t.Fatal(err)
	}
	if task.Title != "Clean" || task.Description != "kitchen" || task.Points != 25 {
		t.Fatalf("unexpected task %+v", task)
	}
	if task.EditedAt == nil || *task.EditedAt != "2024-01-01T00:00:00Z" {
		t.Fatalf("edited_at not set: %v", task.EditedAt)
	}
	u, err := env.Engine.UpdateUser(env.Ctx, engine.UserUpdateOptions{ID: env.UserID, Age: ptr(31)})
	if err != nil || u.Name != "Ana" || u.Age != 31 {
		t.Fatalf("unexpected user %+v %v", u, err)
	}
	if _, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: env.TaskID, Title: ptr("  ")}); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid title, got %v", err)
	}
}

func TestSoftDelete(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Engine.DeleteUser(env.Ctx, env.UserID); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.GetUser(env.Ctx, env.UserID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}
	if err := env.Engine.DeleteUser(env.Ctx, env.UserID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("second delete should be not found, got %v", err)
	}
	if _, err := env.Engine.UpdateUser(env.Ctx, engine.UserUpdateOptions{ID: env.UserID, Name: ptr("x")}); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("update of deleted user should be not found, got %v", err)
	}
	users, err := env.Engine.ListUsers(env.Ctx)
	if err != nil || len(users) != 0 {
		t.Fatalf("expected no live users: %v %d", err, len(users))
	}
	evts, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{EntityKind: "user"})
	if err != nil {
		t.Fatal(err)
	}
	if len(evts) != 2 || evts[0].Type != "user.deleted" || evts[1].Type != "user.created" {
		t.Fatalf("unexpected user events %+v", evts)
	}
}

func TestCreateValidation(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "", Points: 1}); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid title, got %v", err)
	}
	if _, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Title: "x", Points: -1}); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid points, got %v", err)
	}
	if _, err := env.Engine.CreateUser(env.Ctx, engine.UserCreateOptions{Name: "x", Age: -2}); !errors.Is(err, engine.ErrInvalid) {
		t.Fatalf("expected invalid age, got %v", err)
	}
}
