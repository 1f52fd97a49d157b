package repo_test

import (
	"context"
	"errors"
	"testing"

	"taskpoints/internal/db"
	"taskpoints/internal/domain"
	"taskpoints/internal/migrate"
	"taskpoints/internal/repo"
)

const ts = "2024-01-01T00:00:00Z"

func newRepo(t *testing.T) (repo.Repo, context.Context) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return repo.Repo{DB: conn}, context.Background()
}

func seed(t *testing.T, r repo.Repo, ctx context.Context, points int, finalized bool) (userID, taskID, histID int64) {
	t.Helper()
	var err error
	userID, err = r.InsertUser(ctx, nil, domain.User{Name: "Ana", Age: 30, Gender: "F", CreatedAt: ts})
	if err != nil {
		t.Fatalf("insert user: %v", err)
	}
	taskID, err = r.InsertTask(ctx, nil, domain.Task{Title: "t", Description: "d", Points: points, CreatedAt: ts})
	if err != nil {
		t.Fatalf("insert task: %v", err)
	}
	histID, err = r.InsertHistory(ctx, nil, domain.History{Name: "h", Description: "d", UserID: userID, TaskID: taskID, Finalized: finalized, CreatedAt: ts})
	if err != nil {
		t.Fatalf("insert history: %v", err)
	}
	return userID, taskID, histID
}

func TestSumFinalizedPointsFiltersTombstones(t *testing.T) {
	r, ctx := newRepo(t)
	userID, _, _ := seed(t, r, ctx, 10, true)

	task2, err := r.InsertTask(ctx, nil, domain.Task{Title: "t2", Description: "d", Points: 15, CreatedAt: ts})
	if err != nil {
		t.Fatal(err)
	}
	h2, err := r.InsertHistory(ctx, nil, domain.History{Name: "h2", Description: "d", UserID: userID, TaskID: task2, Finalized: true, CreatedAt: ts})
	if err != nil {
		t.Fatal(err)
	}
	task3, err := r.InsertTask(ctx, nil, domain.Task{Title: "t3", Description: "d", Points: 100, CreatedAt: ts})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := r.InsertHistory(ctx, nil, domain.History{Name: "open", Description: "d", UserID: userID, TaskID: task3, CreatedAt: ts}); err != nil {
		t.Fatal(err)
	}

	total, err := r.SumFinalizedPoints(ctx, userID)
	if err != nil {
		t.Fatalf("sum: %v", err)
	}
	if total != 25 {
		t.Fatalf("expected 25, got %d", total)
	}

	if err := r.SoftDeleteTask(ctx, nil, task2, ts); err != nil {
		t.Fatalf("delete task: %v", err)
	}
	total, _ = r.SumFinalizedPoints(ctx, userID)
	if total != 10 {
		t.Fatalf("expected deleted task excluded, got %d", total)
	}
	if err := r.SoftDeleteHistory(ctx, nil, h2, ts); err != nil {
		t.Fatalf("delete history: %v", err)
	}
	if err := r.SoftDeleteHistory(ctx, nil, h2, ts); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found on second delete, got %v", err)
	}

	none, err := r.SumFinalizedPoints(ctx, 999)
	if err != nil || none != 0 {
		t.Fatalf("expected zero for unknown user, got %d %v", none, err)
	}
}

func TestInsertRewardIfAbsent(t *testing.T) {
	r, ctx := newRepo(t)
	_, _, histID := seed(t, r, ctx, 25, true)
	img := "https://img/25.png"
	rw := domain.Reward{HistoryID: histID, Name: "Pikachu", Description: "Mouse", ImageURL: &img, Points: 25, CreatedAt: ts}

	inserted, err := r.InsertRewardIfAbsent(ctx, nil, rw)
	if err != nil || !inserted {
		t.Fatalf("first insert: inserted=%v err=%v", inserted, err)
	}
	rw.Name = "Other"
	inserted, err = r.InsertRewardIfAbsent(ctx, nil, rw)
	if err != nil {
		t.Fatalf("second insert: %v", err)
	}
	if inserted {
		t.Fatalf("expected conflict to suppress insert")
	}
	stored, err := r.GetRewardByHistory(ctx, nil, histID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if stored.Name != "Pikachu" || stored.ImageURL == nil || *stored.ImageURL != img {
		t.Fatalf("unexpected stored reward %+v", stored)
	}
	n, _ := r.CountRewardsForHistory(ctx, histID)
	if n != 1 {
		t.Fatalf("expected one reward, got %d", n)
	}
}

func TestPartialUpdateAndGetLiveOnly(t *testing.T) {
	r, ctx := newRepo(t)
	userID, _, _ := seed(t, r, ctx, 5, false)
	u, err := r.GetUser(ctx, nil, userID)
	if err != nil {
		t.Fatal(err)
	}
	edited := "2024-01-02T00:00:00Z"
	u.Name = "Bia"
	u.EditedAt = &edited
	if err := r.UpdateUser(ctx, nil, u); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ := r.GetUser(ctx, nil, userID)
	if got.Name != "Bia" || got.EditedAt == nil {
		t.Fatalf("update not applied: %+v", got)
	}
	if err := r.SoftDeleteUser(ctx, nil, userID, ts); err != nil {
		t.Fatal(err)
	}
	if _, err := r.GetUser(ctx, nil, userID); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected tombstoned user hidden, got %v", err)
	}
}

func TestAPIKeysStoreHashOnly(t *testing.T) {
	r, ctx := newRepo(t)
	hash := repo.HashAPIKey(" tpk_abc ")
	if hash != repo.HashAPIKey("tpk_abc") {
		t.Fatalf("hash should ignore surrounding whitespace")
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k1", Subject: "bot", KeyHash: hash, CreatedAt: ts}); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k2", Subject: "bot", KeyHash: hash, CreatedAt: ts}); err == nil {
		t.Fatalf("expected duplicate hash to be rejected")
	}
	if err := r.InsertAPIKey(ctx, nil, domain.APIKey{ID: "k3", KeyHash: "x"}); err == nil {
		t.Fatalf("expected subject required")
	}
	got, err := r.GetAPIKeyByHash(ctx, hash)
	if err != nil || got.ID != "k1" || got.Name != "" {
		t.Fatalf("get by hash: %+v %v", got, err)
	}
	if _, err := r.GetAPIKeyByHash(ctx, repo.HashAPIKey("other")); !errors.Is(err, repo.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if err := r.DeleteAPIKey(ctx, nil, "k1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	keys, err := r.ListAPIKeys(ctx, "")
	if err != nil || len(keys) != 0 {
		t.Fatalf("expected no keys, got %+v %v", keys, err)
	}
}
