package server

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

	"storyflow/internal/config"
	"storyflow/internal/db"
	"storyflow/internal/engine"
	"storyflow/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

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
	if err := e.SeedRBAC(context.Background()); err != nil {
		t.Fatalf("seed rbac: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v1",
		Auth:     AuthConfig{AllowLegacyActorHeader: true},
	})
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

func asManager(extra map[string]string) map[string]string {
	h := map[string]string{"X-Actor-Id": "maya", "X-Actor-Role": "manager"}
	for k, v := range extra {
		h[k] = v
	}
	return h
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code    string         `json:"code"`
			Details map[string]any `json:"details"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func createItem(t *testing.T, srv *testServer, owner string) int64 {
	t.Helper()
	body := map[string]any{"title": "Launch video"}
	if owner != "" {
		body["script_owner"] = owner
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/content-items", body, asManager(nil))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create item status %d: %s", res.StatusCode, string(data))
	}
	var item ItemResponse
	if err := json.Unmarshal(data, &item); err != nil {
		t.Fatalf("unmarshal item: %v", err)
	}
	return item.ID
}

func TestUnauthenticatedRequestRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/content-items", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
}

func TestStageResolutionOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createItem(t, srv, "")

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/content-items/"+itoa(id)+"/stage", nil, asManager(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("stage status %d: %s", res.StatusCode, string(data))
	}
	var stage StageResponse
	if err := json.Unmarshal(data, &stage); err != nil {
		t.Fatalf("unmarshal stage: %v", err)
	}
	if stage.Stage != "idea" {
		t.Fatalf("expected idea stage, got %s", stage.Stage)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/content-items/9999/stage", nil, asManager(nil))
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("expected 404 not_found, got %d: %s", res.StatusCode, string(data))
	}
}

func TestMoveRejections(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	id := createItem(t, srv, "")

	// No script owner yet: incomplete data with the missing field named.
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/content-items/"+itoa(id)+"/move-forward", map[string]any{}, asManager(nil))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, data) != "incomplete_data" {
		t.Fatalf("expected 422 incomplete_data, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Details struct {
				MissingFields []string `json:"missing_fields"`
			} `json:"details"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if len(envelope.Error.Details.MissingFields) != 1 || envelope.Error.Details.MissingFields[0] != "script_owner" {
		t.Fatalf("expected missing_fields [script_owner], got %s", string(data))
	}

	// A viewer role cannot move at all.
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/content-items/"+itoa(id)+"/move-forward", map[string]any{},
		map[string]string{"X-Actor-Id": "sam", "X-Actor-Role": "viewer"})
	if res.StatusCode != http.StatusForbidden || errorCode(t, data) != "permission_denied" {
		t.Fatalf("expected 403 permission_denied, got %d: %s", res.StatusCode, string(data))
	}

	// Both rejections are on the audit trail.
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/content-items/"+itoa(id)+"/timeline", nil, asManager(nil))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("timeline status %d: %s", res.StatusCode, string(data))
	}
	var timeline struct {
		Items []TimelineEventResponse `json:"items"`
	}
	if err := json.Unmarshal(data, &timeline); err != nil {
		t.Fatalf("unmarshal timeline: %v", err)
	}
	var rejected int
	for _, evt := range timeline.Items {
		if evt.Type == "move_rejected" {
			rejected++
		}
	}
	if rejected != 2 {
		t.Fatalf("expected 2 move_rejected events, got %d (%s)", rejected, string(data))
	}
}

func TestPublishFlowOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	id := createItem(t, srv, "erin")

	move := func(body map[string]any) (*http.Response, []byte) {
		return doJSON(t, client, http.MethodPost, srv.URL+"/v1/content-items/"+itoa(id)+"/move-forward", body, asManager(nil))
	}
	mark := func(path string) {
		res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/content-items/"+itoa(id)+"/"+path, map[string]any{}, asManager(nil))
		if res.StatusCode != http.StatusOK {
			t.Fatalf("%s status %d: %s", path, res.StatusCode, string(data))
		}
	}

	if res, data := move(map[string]any{"script": "draft"}); res.StatusCode != http.StatusOK {
		t.Fatalf("to script: %d %s", res.StatusCode, string(data))
	}
	mark("script-complete")
	if res, data := move(map[string]any{}); res.StatusCode != http.StatusOK {
		t.Fatalf("to production: %d %s", res.StatusCode, string(data))
	}
	mark("production-complete")
	if res, data := move(map[string]any{"platform": "youtube"}); res.StatusCode != http.StatusOK {
		t.Fatalf("to social: %d %s", res.StatusCode, string(data))
	}

	// Publishing without confirm is a 428.
	res, data := move(map[string]any{})
	if res.StatusCode != http.StatusPreconditionRequired || errorCode(t, data) != "confirmation_required" {
		t.Fatalf("expected 428 confirmation_required, got %d: %s", res.StatusCode, string(data))
	}
	res, data = move(map[string]any{"confirm": true})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("publish: %d %s", res.StatusCode, string(data))
	}
	var mv MoveResponse
	if err := json.Unmarshal(data, &mv); err != nil {
		t.Fatalf("unmarshal move: %v", err)
	}
	if mv.To != "published" {
		t.Fatalf("expected published, got %+v", mv)
	}
	if mv.Message != "moved from social to published" {
		t.Fatalf("unexpected move message: %q", mv.Message)
	}

	// Published is terminal: 409.
	res, data = move(map[string]any{"confirm": true})
	if res.StatusCode != http.StatusConflict || errorCode(t, data) != "terminal_state" {
		t.Fatalf("expected 409 terminal_state, got %d: %s", res.StatusCode, string(data))
	}
}

func TestRBACAndAPIKeys(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	adminHeaders := map[string]string{"X-Actor-Id": "root", "X-Actor-Role": "admin"}

	// Viewers cannot manage RBAC.
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v1/rbac/grants", map[string]any{"actor_id": "erin", "role": "editor"},
		map[string]string{"X-Actor-Id": "sam", "X-Actor-Role": "viewer"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/rbac/grants", map[string]any{"actor_id": "erin", "role": "editor"}, adminHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("grant: %d %s", res.StatusCode, string(data))
	}
	var granted ActorRolesResponse
	_ = json.Unmarshal(data, &granted)
	if len(granted.Roles) != 1 || granted.Roles[0] != "editor" {
		t.Fatalf("expected [editor], got %+v", granted)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v1/apikeys", map[string]any{"actor_id": "erin", "role": "editor"}, adminHeaders)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create api key: %d %s", res.StatusCode, string(data))
	}
	var key APIKeyResponse
	if err := json.Unmarshal(data, &key); err != nil {
		t.Fatalf("unmarshal key: %v", err)
	}
	if key.Key == "" {
		t.Fatal("expected plaintext key on creation")
	}

	// The key authenticates with its stored role.
	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v1/me", nil, map[string]string{"X-Api-Key": key.Key})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me via api key: %d %s", res.StatusCode, string(data))
	}
	var me map[string]string
	_ = json.Unmarshal(data, &me)
	if me["actor_id"] != "erin" || me["role"] != "editor" || me["source"] != "api_key" {
		t.Fatalf("unexpected principal: %+v", me)
	}
}

func TestOpenAPIServedConcurrently(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	const readers = 8
	type result struct {
		body []byte
		err  error
	}
	results := make(chan result, readers)
	for i := 0; i < readers; i++ {
		go func() {
			res, err := srv.Client().Get(srv.URL + "/v1/openapi.json")
			if err != nil {
				results <- result{err: err}
				return
			}
			defer res.Body.Close()
			data, err := io.ReadAll(res.Body)
			if err == nil && res.StatusCode != http.StatusOK {
				err = fmt.Errorf("openapi status %d", res.StatusCode)
			}
			results <- result{body: data, err: err}
		}()
	}
	var first []byte
	for i := 0; i < readers; i++ {
		r := <-results
		if r.err != nil {
			t.Fatalf("openapi fetch: %v", r.err)
		}
		if first == nil {
			first = r.body
			if len(first) == 0 || !json.Valid(first) {
				t.Fatalf("invalid openapi document: %q", string(first))
			}
			continue
		}
		if !bytes.Equal(r.body, first) {
			t.Fatal("concurrent readers saw different openapi documents")
		}
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}
