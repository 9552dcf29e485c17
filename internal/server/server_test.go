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

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"declflow/internal/config"
	"declflow/internal/db"
	"declflow/internal/domain"
	"declflow/internal/engine"
	"declflow/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL    string
	engine *engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default()
	cfg.Server.JWTSecret = testSecret
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg, zerolog.Nop())
	handler, err := New(Config{Engine: e, BasePath: "/v1", Auth: AuthConfig{JWTSecret: testSecret}})
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

func signToken(t *testing.T, workerID, role string) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":  workerID,
		"role": role,
		"exp":  time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return token
}

func authHeaders(t *testing.T, workerID, role string) map[string]string {
	t.Helper()
	return map[string]string{"Authorization": "Bearer " + signToken(t, workerID, role)}
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

func seedParties(t *testing.T, e *engine.Engine) (branchID, clientID, workerID string) {
	t.Helper()
	branchID = uuid.NewString()
	clientID = uuid.NewString()
	workerID = uuid.NewString()
	now := "2024-01-01T00:00:00Z"
	if _, err := e.DB.Exec(`INSERT INTO branches(id,name,created_at) VALUES (?,?,?)`, branchID, "hq", now); err != nil {
		t.Fatalf("seed branch: %v", err)
	}
	if _, err := e.DB.Exec(`INSERT INTO clients(id,name,deal_amount,created_at) VALUES (?,?,?,?)`, clientID, "acme", 1200.0, now); err != nil {
		t.Fatalf("seed client: %v", err)
	}
	if _, err := e.DB.Exec(`INSERT INTO workers(id,name,role,created_at) VALUES (?,?,?,?)`, workerID, "dina", "operator", now); err != nil {
		t.Fatalf("seed worker: %v", err)
	}
	return branchID, clientID, workerID
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestUnauthenticatedRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/tasks", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status %d: %s", res.StatusCode, string(data))
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	branchID, clientID, workerID := seedParties(t, srv.engine)
	headers := authHeaders(t, workerID, "operator")
	client := srv.Client()

	createRes, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"branch_id": branchID,
		"client_id": clientID,
		"title":     "truck from almaty",
	}, headers)
	if createRes.StatusCode != http.StatusCreated {
		t.Fatalf("create task status %d: %s", createRes.StatusCode, string(data))
	}
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if len(created.Stages) != len(domain.StageCatalog) {
		t.Fatalf("expected %d stages, got %d", len(domain.StageCatalog), len(created.Stages))
	}
	taskID := created.Task.ID

	// Assign and complete every stage.
	for _, s := range created.Stages {
		base := srv.URL + "/v1/tasks/" + taskID + "/stages/" + s.ID
		res, body := doJSON(t, client, http.MethodPost, base+"/assign", map[string]any{"worker_id": workerID}, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("assign %s status %d: %s", s.Name, res.StatusCode, string(body))
		}
		res, body = doJSON(t, client, http.MethodPost, base+"/complete", nil, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("complete %s status %d: %s", s.Name, res.StatusCode, string(body))
		}
	}

	getRes, taskBody := doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks/"+taskID, nil, headers)
	if getRes.StatusCode != http.StatusOK {
		t.Fatalf("get task status %d: %s", getRes.StatusCode, string(taskBody))
	}
	var fetched TaskResponse
	if err := json.Unmarshal(taskBody, &fetched); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if fetched.Task.Status != domain.TaskReady {
		t.Fatalf("expected ready, got %s", fetched.Task.Status)
	}

	// Operator lifecycle one step at a time.
	for _, status := range []string{"verified", "delivered", "closed"} {
		res, body := doJSON(t, client, http.MethodPatch, srv.URL+"/v1/tasks/"+taskID+"/status", map[string]any{"status": status}, headers)
		if res.StatusCode != http.StatusOK {
			t.Fatalf("set status %s: %d: %s", status, res.StatusCode, string(body))
		}
	}
}

func TestSkippingOperatorStepIs422(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	branchID, clientID, workerID := seedParties(t, srv.engine)
	headers := authHeaders(t, workerID, "operator")

	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"branch_id": branchID, "client_id": clientID, "title": "cargo",
	}, headers)
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, body := doJSON(t, srv.Client(), http.MethodPatch, srv.URL+"/v1/tasks/"+created.Task.ID+"/status", map[string]any{"status": "verified"}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &envelope)
	if envelope.Error.Code != "invalid_transition" {
		t.Fatalf("expected invalid_transition, got %q (%s)", envelope.Error.Code, string(body))
	}
}

func TestTransactionCurrencyGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	branchID, clientID, workerID := seedParties(t, srv.engine)
	headers := authHeaders(t, workerID, "operator")
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"branch_id": branchID, "client_id": clientID, "title": "cargo",
	}, headers)
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	txURL := srv.URL + "/v1/tasks/" + created.Task.ID + "/transactions"

	// Inconsistent conversion gets rejected with the issue list.
	res, body := doJSON(t, client, http.MethodPost, txURL, map[string]any{
		"kind": "income", "currency": "USD",
		"exchange_rate": 12650, "original_amount": 100, "base_amount": 999,
	}, headers)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}

	// A consistent one is accepted.
	res, body = doJSON(t, client, http.MethodPost, txURL, map[string]any{
		"kind": "income", "currency": "USD",
		"exchange_rate": 12650, "original_amount": 100, "base_amount": 1265000,
	}, headers)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
}

func TestValidateTransactionDryRun(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, _, workerID := seedParties(t, srv.engine)
	headers := authHeaders(t, workerID, "worker")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/validate/transaction", map[string]any{
		"currency": "EUR",
	}, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
	var result struct {
		Valid  bool `json:"valid"`
		Errors []struct {
			Code string `json:"code"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if result.Valid || len(result.Errors) == 0 {
		t.Fatalf("expected validation failures, got %s", string(body))
	}
}

func TestWorkerRoleCannotCreateTasks(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	branchID, clientID, workerID := seedParties(t, srv.engine)
	headers := authHeaders(t, workerID, "worker")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"branch_id": branchID, "client_id": clientID, "title": "cargo",
	}, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
}

func TestAdminEndpointsRejectOperators(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	branchID, _, workerID := seedParties(t, srv.engine)
	headers := authHeaders(t, workerID, "operator")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/state-payments", map[string]any{
		"branch_id": branchID, "worker_price": 2.5,
	}, headers)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}

	admin := authHeaders(t, workerID, "admin")
	res, body = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/state-payments", map[string]any{
		"branch_id": branchID, "worker_price": 2.5,
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("status %d: %s", res.StatusCode, string(body))
	}
}

func TestAPIKeyAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	_, _, workerID := seedParties(t, srv.engine)
	admin := authHeaders(t, workerID, "admin")
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v1/api-keys", map[string]any{
		"worker_id": workerID,
	}, admin)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key status %d: %s", res.StatusCode, string(body))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(body, &key); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if key.Key == "" {
		t.Fatal("expected plaintext key in create response")
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v1/tasks", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("api key auth status %d: %s", res.StatusCode, string(body))
	}
}

func TestEventsExposed(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	branchID, clientID, workerID := seedParties(t, srv.engine)
	headers := authHeaders(t, workerID, "operator")

	_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/tasks", map[string]any{
		"branch_id": branchID, "client_id": clientID, "title": "cargo",
	}, headers)
	var created TaskResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/events?task_id="+created.Task.ID, nil, headers)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, string(body))
	}
	var page struct {
		Items []domain.Event `json:"items"`
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) == 0 {
		t.Fatal("expected at least one event")
	}
}
