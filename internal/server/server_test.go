package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"taskmatch/internal/config"
	"taskmatch/internal/db"
	"taskmatch/internal/domain"
	"taskmatch/internal/engine"
	"taskmatch/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
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
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.close() }
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

func devToken(t *testing.T, srv *testServer, actorID string) string {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": actorID,
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var out DevLoginResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal token: %v", err)
	}
	return out.Token
}

func authHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("want 401, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v", err)
	}
	if envelope.Error.Code != "unauthorized" {
		t.Fatalf("want unauthorized code, got %q", envelope.Error.Code)
	}
}

func TestHealthUnauthenticated(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ownerToken := devToken(t, srv, "owner-1")
	expertToken := devToken(t, srv, "alice")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/experts", map[string]any{
		"id":                   "alice",
		"display_name":         "Alice",
		"subjects":             []string{"Mathematics"},
		"min_price":            10,
		"max_price":            50,
		"rating_avg":           4.9,
		"rating_count":         15,
		"accept_rate":          0.9,
		"median_response_mins": 8,
	}, authHeader(expertToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("register expert status %d: %s", res.StatusCode, string(data))
	}

	deadline := time.Now().UTC().Add(72 * time.Hour).Format(time.RFC3339)
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"subject":  "Mathematics",
		"title":    "Calc set 4",
		"price":    25,
		"deadline": deadline,
	}, authHeader(ownerToken))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.TaskOpen || task.InvitedNow != 1 {
		t.Fatalf("task %s invited %d", task.Status, task.InvitedNow)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/reserve", nil, authHeader(expertToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("reserve status %d: %s", res.StatusCode, string(data))
	}
	var reservation ReservationResponse
	if err := json.Unmarshal(data, &reservation); err != nil {
		t.Fatalf("unmarshal reservation: %v", err)
	}
	if reservation.ReservedBy != "alice" || reservation.RemainingMS <= 0 {
		t.Fatalf("reservation %+v", reservation)
	}

	// A second reservation attempt conflicts.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/reserve", nil, authHeader(ownerToken))
	if res.StatusCode != http.StatusForbidden && res.StatusCode != http.StatusConflict {
		t.Fatalf("re-reserve status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", nil, authHeader(expertToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/submit", map[string]any{
		"submission": map[string]any{"answer": 42},
	}, authHeader(expertToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/accept", nil, authHeader(ownerToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("accept status %d: %s", res.StatusCode, string(data))
	}
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal completed task: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("want completed, got %s", task.Status)
	}

	// The matching view reflects the final state.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/matching", nil, authHeader(ownerToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("matching status %d: %s", res.StatusCode, string(data))
	}
	var matching MatchingStatusResponse
	if err := json.Unmarshal(data, &matching); err != nil {
		t.Fatalf("unmarshal matching: %v", err)
	}
	if matching.Reservation != nil || len(matching.Invites) != 1 {
		t.Fatalf("matching view %+v", matching)
	}
}

func TestReservationConflictCode(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	aliceToken := devToken(t, srv, "alice")
	bobToken := devToken(t, srv, "bob")
	for _, id := range []string{"alice", "bob"} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/experts", map[string]any{
			"id":           id,
			"display_name": id,
			"subjects":     []string{"Mathematics"},
			"min_price":    10,
			"max_price":    50,
			"rating_avg":   4.5,
			"rating_count": 10,
		}, authHeader(aliceToken))
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("register %s status %d: %s", id, res.StatusCode, string(data))
		}
	}
	deadline := time.Now().UTC().Add(24 * time.Hour).Format(time.RFC3339)
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"subject":  "Mathematics",
		"title":    "Contested",
		"price":    30,
		"deadline": deadline,
	}, authHeader(devToken(t, srv, "owner-1")))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("post task status %d: %s", res.StatusCode, string(data))
	}
	var task TaskResponse
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatal(err)
	}

	res, _ = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/reserve", nil, authHeader(aliceToken))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("alice reserve status %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/reserve", nil, authHeader(bobToken))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("bob reserve status %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatal(err)
	}
	if envelope.Error.Code != "task_not_available" {
		t.Fatalf("want task_not_available, got %q", envelope.Error.Code)
	}
}
