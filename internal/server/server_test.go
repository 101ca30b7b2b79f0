package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"taskgrid/internal/config"
	"taskgrid/internal/db"
	"taskgrid/internal/domain"
	"taskgrid/internal/engine"
	"taskgrid/internal/migrate"
	"taskgrid/internal/server"
)

const testJWTSecret = "server-test-secret"

type testServer struct {
	BaseURL string
	Client  *http.Client
	Engine  engine.Engine
}

func newTestServer(t *testing.T) *testServer {
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
	eng := engine.New(conn, config.Default())

	handler, err := server.New(server.Config{
		Engine: eng,
		Auth: server.AuthConfig{
			JWTSecret:             testJWTSecret,
			AllowLegacyUserHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Shutdown(ctx)
	})

	ts := &testServer{
		BaseURL: "http://" + ln.Addr().String(),
		Client:  &http.Client{Timeout: 5 * time.Second},
		Engine:  eng,
	}
	ts.seedUser(t, 1, "boss", domain.RoleAdmin, domain.LevelAdvanced)
	ts.seedUser(t, 2, "mapper", domain.RoleMapper, domain.LevelBeginner)
	ts.seedUser(t, 3, "checker", domain.RoleValidator, domain.LevelIntermediate)
	return ts
}

func (ts *testServer) seedUser(t *testing.T, id int64, name string, role domain.UserRole, level domain.MappingLevel) {
	t.Helper()
	err := ts.Engine.Repo.InsertUser(context.Background(), domain.User{
		ID:           id,
		Username:     name,
		Role:         role,
		MappingLevel: level,
		CreatedAt:    time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		t.Fatalf("seed user %s: %v", name, err)
	}
}

// doJSON issues a request authenticated with the legacy user header, which
// the test server enables. userID 0 sends no credentials at all.
func (ts *testServer) doJSON(t *testing.T, method, path string, userID int64, body any) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequest(method, ts.BaseURL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if userID != 0 {
		req.Header.Set("X-User-Id", strconv.FormatInt(userID, 10))
	}
	resp, err := ts.Client.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, data
}

func decodeInto(t *testing.T, data []byte, out any) {
	t.Helper()
	if err := json.Unmarshal(data, out); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

type errorEnvelope struct {
	Error   string `json:"Error"`
	SubCode string `json:"SubCode"`
}

// createProject makes and publishes a small project as the admin, returning
// its id.
func (ts *testServer) createProject(t *testing.T, extra map[string]any) int64 {
	t.Helper()
	body := map[string]any{
		"name": "test project", "zoom": 12,
		"min_x": 10, "min_y": 20, "max_x": 11, "max_y": 21,
	}
	for k, v := range extra {
		body[k] = v
	}
	resp, data := ts.doJSON(t, http.MethodPost, "/api/v2/projects", 1, body)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create project: %d %s", resp.StatusCode, data)
	}
	var created struct {
		ID int64 `json:"id"`
	}
	decodeInto(t, data, &created)

	path := fmt.Sprintf("/api/v2/projects/%d", created.ID)
	resp, data = ts.doJSON(t, http.MethodPatch, path, 1, map[string]any{"status": "PUBLISHED"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("publish project: %d %s", resp.StatusCode, data)
	}
	return created.ID
}

func TestHealthNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, data := ts.doJSON(t, http.MethodGet, "/api/v2/health", 0, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", resp.StatusCode, data)
	}
}

func TestOpenAPISpecNeedsNoAuth(t *testing.T) {
	ts := newTestServer(t)
	resp, data := ts.doJSON(t, http.MethodGet, "/api/v2/openapi.json", 0, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("openapi.json: %d %s", resp.StatusCode, data)
	}
	var spec struct {
		OpenAPI string `json:"openapi"`
	}
	decodeInto(t, data, &spec)
	if spec.OpenAPI == "" {
		t.Fatalf("spec = %s", data[:min(len(data), 80)])
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	ts := newTestServer(t)
	resp, data := ts.doJSON(t, http.MethodGet, "/api/v2/projects", 0, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", resp.StatusCode)
	}
	var env errorEnvelope
	decodeInto(t, data, &env)
	if env.SubCode != "Unauthorized" || env.Error == "" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestJWTBearerAuth(t *testing.T) {
	ts := newTestServer(t)
	claims := jwt.RegisteredClaims{
		Subject:   "2",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}

	req, _ := http.NewRequest(http.MethodGet, ts.BaseURL+"/api/v2/projects", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := ts.Client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bearer auth: %d", resp.StatusCode)
	}

	req, _ = http.NewRequest(http.MethodGet, ts.BaseURL+"/api/v2/projects", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp, err = ts.Client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token: %d", resp.StatusCode)
	}
	var env errorEnvelope
	decodeInto(t, data, &env)
	if env.SubCode != "InvalidCredentials" {
		t.Fatalf("subcode = %q, want InvalidCredentials", env.SubCode)
	}
}

func TestMappingFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t, nil)
	base := fmt.Sprintf("/api/v2/projects/%d/tasks/1", projectID)

	resp, data := ts.doJSON(t, http.MethodPost, base+"/lock-for-mapping", 2, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lock: %d %s", resp.StatusCode, data)
	}
	var task struct {
		Status   string `json:"status"`
		LockedBy *int64 `json:"locked_by"`
	}
	decodeInto(t, data, &task)
	if task.Status != "LOCKED_FOR_MAPPING" || task.LockedBy == nil || *task.LockedBy != 2 {
		t.Fatalf("task = %+v", task)
	}

	// a second mapper bounces off the lock with the flat error envelope
	resp, data = ts.doJSON(t, http.MethodPost, base+"/lock-for-mapping", 3, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("second lock: %d %s", resp.StatusCode, data)
	}
	var env errorEnvelope
	decodeInto(t, data, &env)
	if env.SubCode != "TaskAlreadyLocked" || env.Error == "" {
		t.Fatalf("envelope = %+v", env)
	}

	resp, data = ts.doJSON(t, http.MethodPost, base+"/unlock-after-mapping", 2,
		map[string]any{"status": "MAPPED", "comment": "all done"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unlock: %d %s", resp.StatusCode, data)
	}
	decodeInto(t, data, &task)
	if task.Status != "MAPPED" || task.LockedBy != nil {
		t.Fatalf("task after unlock = %+v", task)
	}

	resp, data = ts.doJSON(t, http.MethodGet, fmt.Sprintf("/api/v2/projects/%d", projectID), 2, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get project: %d %s", resp.StatusCode, data)
	}
	var project struct {
		TasksMapped   int `json:"tasks_mapped"`
		PercentMapped int `json:"percent_mapped"`
	}
	decodeInto(t, data, &project)
	if project.TasksMapped != 1 || project.PercentMapped != 25 {
		t.Fatalf("project = %+v", project)
	}

	resp, data = ts.doJSON(t, http.MethodGet, base+"/history", 2, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("history: %d %s", resp.StatusCode, data)
	}
	var history []struct {
		Action string `json:"action"`
	}
	decodeInto(t, data, &history)
	if len(history) == 0 || history[0].Action != "STATE_CHANGE" {
		t.Fatalf("history = %+v", history)
	}
}

func TestValidationFlowOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t, nil)
	for _, taskID := range []int64{1, 2} {
		base := fmt.Sprintf("/api/v2/projects/%d/tasks/%d", projectID, taskID)
		if resp, data := ts.doJSON(t, http.MethodPost, base+"/lock-for-mapping", 2, nil); resp.StatusCode != http.StatusOK {
			t.Fatalf("lock %d: %d %s", taskID, resp.StatusCode, data)
		}
		if resp, data := ts.doJSON(t, http.MethodPost, base+"/unlock-after-mapping", 2, map[string]any{"status": "MAPPED"}); resp.StatusCode != http.StatusOK {
			t.Fatalf("map %d: %d %s", taskID, resp.StatusCode, data)
		}
	}

	base := fmt.Sprintf("/api/v2/projects/%d", projectID)
	resp, data := ts.doJSON(t, http.MethodPost, base+"/lock-for-validation", 3,
		map[string]any{"task_ids": []int64{1, 2}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lock for validation: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.doJSON(t, http.MethodPost, base+"/stop-validation", 3,
		map[string]any{"tasks": []map[string]any{{"task_id": 1}, {"task_id": 2}}})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop validation: %d %s", resp.StatusCode, data)
	}

	// plain mappers cannot lock for validation
	resp, data = ts.doJSON(t, http.MethodPost, base+"/lock-for-validation", 2,
		map[string]any{"task_ids": []int64{1}})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("mapper validation lock: %d %s", resp.StatusCode, data)
	}
	var env errorEnvelope
	decodeInto(t, data, &env)
	if env.SubCode != "UserNotValidator" {
		t.Fatalf("subcode = %q, want UserNotValidator", env.SubCode)
	}

	if resp, data := ts.doJSON(t, http.MethodPost, base+"/lock-for-validation", 3,
		map[string]any{"task_ids": []int64{1, 2}}); resp.StatusCode != http.StatusOK {
		t.Fatalf("relock for validation: %d %s", resp.StatusCode, data)
	}
	resp, data = ts.doJSON(t, http.MethodPost, base+"/unlock-after-validation", 3, map[string]any{
		"tasks": []map[string]any{
			{"task_id": 1, "status": "VALIDATED"},
			{"task_id": 2, "status": "INVALIDATED", "comment": "roads missing"},
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unlock after validation: %d %s", resp.StatusCode, data)
	}
	var verdicts []struct {
		TaskID int64  `json:"task_id"`
		Status string `json:"status"`
	}
	decodeInto(t, data, &verdicts)
	if len(verdicts) != 2 || verdicts[0].Status != "VALIDATED" || verdicts[1].Status != "INVALIDATED" {
		t.Fatalf("verdicts = %+v", verdicts)
	}

	// the mapper got told about both verdicts
	resp, data = ts.doJSON(t, http.MethodGet, "/api/v2/messages", 2, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("messages: %d %s", resp.StatusCode, data)
	}
	var inbox []struct {
		Type string `json:"message_type"`
	}
	decodeInto(t, data, &inbox)
	if len(inbox) != 2 {
		t.Fatalf("mapper inbox = %+v", inbox)
	}
}

func TestStopMappingOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t, nil)
	base := fmt.Sprintf("/api/v2/projects/%d/tasks/1", projectID)

	if resp, data := ts.doJSON(t, http.MethodPost, base+"/lock-for-mapping", 2, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("lock: %d %s", resp.StatusCode, data)
	}
	resp, data := ts.doJSON(t, http.MethodPost, base+"/stop-mapping", 2, map[string]any{"comment": "out of time"})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("stop-mapping: %d %s", resp.StatusCode, data)
	}
	var task struct {
		TaskID int64  `json:"task_id"`
		Status string `json:"status"`
	}
	decodeInto(t, data, &task)
	if task.TaskID != 1 || task.Status != "READY" {
		t.Fatalf("task = %+v", task)
	}
}

func TestAllowedUsersOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t, map[string]any{"private": true})
	lockPath := fmt.Sprintf("/api/v2/projects/%d/tasks/1/lock-for-mapping", projectID)

	resp, data := ts.doJSON(t, http.MethodPost, lockPath, 2, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("lock on private project: %d %s", resp.StatusCode, data)
	}
	var env errorEnvelope
	decodeInto(t, data, &env)
	if env.SubCode != "UserNotOnAllowedList" {
		t.Fatalf("subcode = %q, want UserNotOnAllowedList", env.SubCode)
	}

	path := fmt.Sprintf("/api/v2/projects/%d/allowed-users", projectID)
	resp, data = ts.doJSON(t, http.MethodPost, path, 1, map[string]any{"user_id": 2})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("allow user: %d %s", resp.StatusCode, data)
	}
	if resp, data := ts.doJSON(t, http.MethodPost, lockPath, 2, nil); resp.StatusCode != http.StatusOK {
		t.Fatalf("lock after allow-listing: %d %s", resp.StatusCode, data)
	}
}

func TestLicenseGateOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t, map[string]any{"license_id": 9})
	lockPath := fmt.Sprintf("/api/v2/projects/%d/tasks/1/lock-for-mapping", projectID)

	resp, data := ts.doJSON(t, http.MethodPost, lockPath, 2, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("unaccepted license: %d %s", resp.StatusCode, data)
	}
	var env errorEnvelope
	decodeInto(t, data, &env)
	if env.SubCode != "UserLicenseError" {
		t.Fatalf("subcode = %q, want UserLicenseError", env.SubCode)
	}

	resp, data = ts.doJSON(t, http.MethodPost, "/api/v2/licenses/9/accept", 2, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("accept license: %d %s", resp.StatusCode, data)
	}
	resp, data = ts.doJSON(t, http.MethodPost, lockPath, 2, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("lock after accepting: %d %s", resp.StatusCode, data)
	}
}

func TestBulkOperatorOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t, nil)

	path := fmt.Sprintf("/api/v2/projects/%d/map-all", projectID)
	resp, data := ts.doJSON(t, http.MethodPost, path, 2, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("map-all as mapper: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.doJSON(t, http.MethodPost, path, 1, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("map-all: %d %s", resp.StatusCode, data)
	}
	var bulk struct {
		Updated int `json:"updated"`
	}
	decodeInto(t, data, &bulk)
	if bulk.Updated != 4 {
		t.Fatalf("updated = %d, want 4", bulk.Updated)
	}
}

func TestProjectNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp, data := ts.doJSON(t, http.MethodGet, "/api/v2/projects/9999", 1, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	var env errorEnvelope
	decodeInto(t, data, &env)
	if env.SubCode != "NotFound" {
		t.Fatalf("subcode = %q, want NotFound", env.SubCode)
	}
}

func TestValidationErrorsUseFlatEnvelope(t *testing.T) {
	ts := newTestServer(t)
	projectID := ts.createProject(t, nil)
	path := fmt.Sprintf("/api/v2/projects/%d/lock-for-validation", projectID)
	resp, data := ts.doJSON(t, http.MethodPost, path, 3, map[string]any{"task_ids": []int64{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", resp.StatusCode, data)
	}
	var env errorEnvelope
	decodeInto(t, data, &env)
	if env.Error == "" || env.SubCode != "InvalidData" {
		t.Fatalf("envelope = %+v", env)
	}
}

func TestAPIKeyRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	resp, data := ts.doJSON(t, http.MethodPost, "/api/v2/apikeys", 2, map[string]any{"name": "scripting"})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", resp.StatusCode, data)
	}
	var key struct {
		ID  string `json:"id"`
		Key string `json:"key"`
	}
	decodeInto(t, data, &key)
	if key.Key == "" {
		t.Fatalf("key not returned on creation")
	}

	req, _ := http.NewRequest(http.MethodGet, ts.BaseURL+"/api/v2/messages", nil)
	req.Header.Set("X-Api-Key", key.Key)
	resp2, err := ts.Client.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusOK {
		t.Fatalf("api key auth: %d", resp2.StatusCode)
	}

	// another user cannot delete it
	resp, data = ts.doJSON(t, http.MethodDelete, "/api/v2/apikeys/"+key.ID, 3, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("foreign delete: %d %s", resp.StatusCode, data)
	}

	resp, data = ts.doJSON(t, http.MethodDelete, "/api/v2/apikeys/"+key.ID, 2, nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key: %d %s", resp.StatusCode, data)
	}
	resp, data = ts.doJSON(t, http.MethodDelete, "/api/v2/apikeys/"+key.ID, 2, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("delete missing key: %d %s", resp.StatusCode, data)
	}
}
