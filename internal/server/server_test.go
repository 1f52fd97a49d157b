package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskpoints/internal/catalog"
	"taskpoints/internal/db"
	"taskpoints/internal/domain"
	"taskpoints/internal/engine"
	"taskpoints/internal/migrate"
	"taskpoints/internal/repo"
	"taskpoints/internal/reward"
)

const spritePrefix = "https://raw.githubusercontent.com/PokeAPI/sprites/master/sprites/pokemon/"

type testServer struct {
	URL    string
	engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

type serverOptions struct {
	jwtSecret     string
	speciesStatus int
}

func newCatalog(t *testing.T, speciesStatus int) *httptest.Server {
	t.Helper()
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/pokemon/{key}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"name":"pikachu","sprites":{"front_default":"%s25.png"},"species":{"url":"%s/species/%s"}}`,
			spritePrefix, srv.URL, r.PathValue("key"))
	})
	mux.HandleFunc("/species/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(speciesStatus)
		io.WriteString(w, `{"flavor_text_entries":[{"flavor_text":"old","language":{"name":"en"}},{"flavor_text":"when several\nof these","language":{"name":"en"}}]}`)
	})
	srv = httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func newTestServer(t *testing.T, opts serverOptions) (*testServer, func()) {
	t.Helper()
	if opts.speciesStatus == 0 {
		opts.speciesStatus = http.StatusOK
	}
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cat := newCatalog(t, opts.speciesStatus)
	r := repo.Repo{DB: conn}
	orch := reward.Orchestrator{
		Points:    reward.Aggregator{Source: r},
		Catalog:   catalog.New(cat.URL+"/pokemon", 2*time.Second),
		Extractor: reward.Extractor{TrustedImagePrefix: spritePrefix},
		Ledger:    reward.Ledger{Repo: r},
	}
	e := engine.New(conn, orch, nil)
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: opts.jwtSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatalf("unmarshal %s: %v", string(data), err)
	}
	return v
}

func seedUserTask(t *testing.T, srv *testServer, points int, headers map[string]string) (domain.User, domain.Task) {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/users", map[string]any{"name": "Ash", "age": 10, "gender": "M"}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create user status %d: %s", res.StatusCode, string(data))
	}
	u := decode[domain.User](t, data)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "Catch", "description": "one", "points": points}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", res.StatusCode, string(data))
	}
	return u, decode[domain.Task](t, data)
}

func TestFinalizeIssuesReward(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()
	client := srv.Client()
	u, task := seedUserTask(t, srv, 25, nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/histories", map[string]any{
		"name": "first", "description": "d", "user_id": u.ID, "task_id": task.ID, "finalized": false,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create history status %d: %s", res.StatusCode, string(data))
	}
	h := decode[domain.History](t, data)

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/rewards?history_id=%d", srv.URL, h.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list rewards status %d", res.StatusCode)
	}
	if list := decode[RewardList](t, data); len(list.Items) != 0 {
		t.Fatalf("open history must not have a reward: %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v1/histories/%d", srv.URL, h.ID), map[string]any{"finalized": true}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("finalize status %d: %s", res.StatusCode, string(data))
	}
	if got := decode[domain.History](t, data); !got.Finalized || got.Name != "first" {
		t.Fatalf("unexpected history %+v", got)
	}

	_, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/rewards?history_id=%d", srv.URL, h.ID), nil, nil)
	list := decode[RewardList](t, data)
	if len(list.Items) != 1 {
		t.Fatalf("expected one reward, got %s", string(data))
	}
	rw := list.Items[0]
	if rw.Name != "Pikachu" || rw.Description != "When several of these" || rw.Points != 25 {
		t.Fatalf("unexpected reward %+v", rw)
	}
	if rw.ImageURL == nil || *rw.ImageURL != spritePrefix+"25.png" {
		t.Fatalf("unexpected image %v", rw.ImageURL)
	}

	// re-finalizing edits do not issue a second reward
	doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v1/histories/%d", srv.URL, h.ID), map[string]any{"finalized": false}, nil)
	doJSON(t, client, http.MethodPatch, fmt.Sprintf("%s/v1/histories/%d", srv.URL, h.ID), map[string]any{"finalized": true}, nil)
	_, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/rewards?history_id=%d", srv.URL, h.ID), nil, nil)
	if list := decode[RewardList](t, data); len(list.Items) != 1 || list.Items[0].ID != rw.ID {
		t.Fatalf("expected the same single reward, got %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/rewards/%d", srv.URL, rw.ID), nil, nil)
	if res.StatusCode != http.StatusOK || decode[domain.Reward](t, data).HistoryID != h.ID {
		t.Fatalf("get reward %d: %s", res.StatusCode, string(data))
	}
}

func TestCatalogFailureKeepsHistory(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{speciesStatus: http.StatusInternalServerError})
	defer cleanup()
	client := srv.Client()
	u, task := seedUserTask(t, srv, 10, nil)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/histories", map[string]any{
		"name": "done", "user_id": u.ID, "task_id": task.ID, "finalized": true,
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("history write must succeed, status %d: %s", res.StatusCode, string(data))
	}
	h := decode[domain.History](t, data)
	_, data = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/rewards?history_id=%d", srv.URL, h.ID), nil, nil)
	if list := decode[RewardList](t, data); len(list.Items) != 0 {
		t.Fatalf("expected no reward, got %s", string(data))
	}
	res, _ = doJSON(t, client, http.MethodGet, fmt.Sprintf("%s/v1/histories/%d", srv.URL, h.ID), nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("history must be readable, status %d", res.StatusCode)
	}
}

func TestErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/999", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil || env.Error.Code != "not_found" {
		t.Fatalf("unexpected envelope %s", string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "", "description": "x", "points": 0}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/histories", map[string]any{"name": "x", "user_id": 77, "task_id": 88}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown user, got %d: %s", res.StatusCode, string(data))
	}
}

func TestDeleteIsSoft(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()
	client := srv.Client()
	_, task := seedUserTask(t, srv, 5, nil)
	url := fmt.Sprintf("%s/v1/tasks/%d", srv.URL, task.ID)

	res, _ := doJSON(t, client, http.MethodDelete, url, nil, nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodGet, url, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", res.StatusCode)
	}
	res, _ = doJSON(t, client, http.MethodDelete, url, nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on second delete, got %d", res.StatusCode)
	}
	_, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/events?entity_kind=task", nil, nil)
	events := decode[EventList](t, data)
	if len(events.Items) != 2 || events.Items[0].Type != "task.deleted" {
		t.Fatalf("unexpected events %s", string(data))
	}
}

func TestXMLNegotiation(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()
	client := srv.Client()
	seedUserTask(t, srv, 5, nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/health", nil, map[string]string{"Accept": "application/xml"})
	if res.StatusCode != http.StatusOK || !strings.Contains(res.Header.Get("Content-Type"), "xml") {
		t.Fatalf("expected xml health, got %d %s", res.StatusCode, res.Header.Get("Content-Type"))
	}
	if !strings.Contains(string(data), "<health><status>ok</status></health>") {
		t.Fatalf("unexpected xml %s", string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"Accept": "application/xml"})
	if !strings.Contains(string(data), "<tasks><task><id>1</id><title>Catch</title>") {
		t.Fatalf("unexpected xml list %s", string(data))
	}
	_, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if list := decode[TaskList](t, data); len(list.Items) != 1 {
		t.Fatalf("json remains the default: %s", string(data))
	}
}

func TestAuthOnWrites(t *testing.T) {
	secret := "test-secret"
	srv, cleanup := newTestServer(t, serverOptions{jwtSecret: secret})
	defer cleanup()
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "x", "description": "y", "points": 1}, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{"title": "x", "description": "y", "points": 1},
		map[string]string{"Authorization": "Bearer not-a-token"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with bad token, got %d", res.StatusCode)
	}
	token, err := IssueToken(secret, "tester", time.Hour, time.Now())
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	auth := map[string]string{"Authorization": "Bearer " + token}
	seedUserTask(t, srv, 3, auth)

	res, _ = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reads stay open, got %d", res.StatusCode)
	}
	expired, _ := IssueToken(secret, "tester", time.Minute, time.Now().Add(-time.Hour))
	res, _ = doJSON(t, client, http.MethodDelete, srv.URL+"/v1/tasks/1", nil, map[string]string{"Authorization": "Bearer " + expired})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with expired token, got %d", res.StatusCode)
	}
}

func TestAPIKeyOnWrites(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{jwtSecret: "test-secret"})
	defer cleanup()
	client := srv.Client()
	ctx := context.Background()

	key, secret, err := srv.engine.CreateAPIKey(ctx, "ci-bot", "ci")
	if err != nil {
		t.Fatalf("create api key: %v", err)
	}
	body := map[string]any{"title": "x", "description": "", "points": 1}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", body, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected 201 with api key, got %d: %s", res.StatusCode, string(data))
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", body, map[string]string{"X-Api-Key": "tpk_wrong"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 with unknown key, got %d", res.StatusCode)
	}
	if err := srv.engine.RevokeAPIKey(ctx, key.ID); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	res, _ = doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", body, map[string]string{"X-Api-Key": secret})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after revoke, got %d", res.StatusCode)
	}
}

func TestReportSummary(t *testing.T) {
	srv, cleanup := newTestServer(t, serverOptions{})
	defer cleanup()
	client := srv.Client()
	u, task := seedUserTask(t, srv, 7, nil)
	doJSON(t, client, http.MethodPost, srv.URL+"/v1/histories", map[string]any{"name": "h", "user_id": u.ID, "task_id": task.ID, "finalized": true}, nil)

	res, data := doJSON(t, client, http.MethodGet, srv.URL+"/v1/reports/summary", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("summary status %d", res.StatusCode)
	}
	var sum struct {
		PointsByUser []domain.UserPoints  `json:"points_by_user"`
		Rewards      []domain.RewardCount `json:"rewards"`
	}
	if err := json.Unmarshal(data, &sum); err != nil {
		t.Fatal(err)
	}
	if len(sum.PointsByUser) != 1 || sum.PointsByUser[0].Value != 7 {
		t.Fatalf("points by user %s", string(data))
	}
	if len(sum.Rewards) != 1 || sum.Rewards[0].Name != "pikachu" {
		t.Fatalf("rewards %s", string(data))
	}
}
