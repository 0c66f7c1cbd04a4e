package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"testing"

	"go.uber.org/zap"

	"tallyline/internal/config"
	"tallyline/internal/db"
	"tallyline/internal/domain"
	"tallyline/internal/engine"
	"tallyline/internal/migrate"
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
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng, err := engine.New(conn, config.Default("batch-1"), zap.NewNop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	if err := eng.SeedAdmin(context.Background(), "tester"); err != nil {
		t.Fatalf("seed admin: %v", err)
	}
	handler, err := New(Config{
		Engine:   eng,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              "test-secret",
			AllowLegacyActorHeader: true,
		},
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

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

type errorEnvelope struct {
	Error struct {
		Code    string         `json:"code"`
		Message string         `json:"message"`
		Details map[string]any `json:"details"`
	} `json:"error"`
}

func decodeError(t *testing.T, body []byte) errorEnvelope {
	t.Helper()
	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(body))
	}
	return env
}

func importDiscussions(t *testing.T, srv *testServer, ids ...string) {
	t.Helper()
	items := make([]map[string]any, 0, len(ids))
	for _, id := range ids {
		items = append(items, map[string]any{
			"id":         id,
			"repository": "acme/engine",
			"title":      "Race in pool shutdown",
		})
	}
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/discussions", map[string]any{"items": items}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import: %d %s", res.StatusCode, string(body))
	}
}

func task1Payload(relevance string) map[string]any {
	return map[string]any{
		"relevance":       relevance,
		"relevance_text":  "grounded in the thread context",
		"clarity":         "Clear",
		"answerable":      true,
		"answerable_text": "answer is quoted",
		"quality_notes":   "well formed and answerable",
	}
}

func submitTask1(t *testing.T, srv *testServer, discussionID, userID, relevance string) {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/discussions/"+discussionID+"/tasks/1/annotations", map[string]any{
		"user_id": userID,
		"data":    task1Payload(relevance),
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("submit %s: %d %s", userID, res.StatusCode, string(body))
	}
}

func fetchDiscussion(t *testing.T, srv *testServer, id string) DiscussionResponse {
	t.Helper()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/discussions/"+id, nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get discussion: %d %s", res.StatusCode, string(body))
	}
	var d DiscussionResponse
	if err := json.Unmarshal(body, &d); err != nil {
		t.Fatalf("unmarshal discussion: %v", err)
	}
	return d
}

func httpTaskStatus(t *testing.T, srv *testServer, discussionID string, taskID int) string {
	t.Helper()
	d := fetchDiscussion(t, srv, discussionID)
	for _, task := range d.Tasks {
		if task.TaskID == taskID {
			return task.Status
		}
	}
	t.Fatalf("task %d missing from overview", taskID)
	return ""
}

func TestHealthOpenWithoutCredentials(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
	var health map[string]string
	if err := json.Unmarshal(body, &health); err != nil {
		t.Fatalf("unmarshal health: %v", err)
	}
	if health["status"] != "ok" {
		t.Fatalf("health body: %s", string(body))
	}
}

func TestMissingCredentialsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d %s", res.StatusCode, string(body))
	}
	env := decodeError(t, body)
	if env.Error.Code != "unauthorized" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if env.Error.Message != "authentication required" {
		t.Fatalf("message %q", env.Error.Message)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Code != "invalid_credentials" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestPermissionDeniedEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/discussions", map[string]any{
		"items": []map[string]any{{"id": "disc-1"}},
	}, asActor("ghost"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(body))
	}
	env := decodeError(t, body)
	if env.Error.Code != "forbidden" {
		t.Fatalf("code %q", env.Error.Code)
	}
	if perm, _ := env.Error.Details["permission"].(string); perm != config.PermDiscussionImport {
		t.Fatalf("details.permission %v", env.Error.Details["permission"])
	}
}

func TestImportAndGetDiscussion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/discussions", map[string]any{
		"items": []map[string]any{
			{"id": "disc-1", "repository": "acme/engine", "title": "Race in pool shutdown"},
			{"id": "disc-2", "repository": "acme/engine", "title": "Deadlock on close"},
		},
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("import: %d %s", res.StatusCode, string(body))
	}
	var summary domain.BulkSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Successful != 2 || summary.Failed != 0 {
		t.Fatalf("summary %+v", summary)
	}

	d := fetchDiscussion(t, srv, "disc-1")
	if d.Repository != "acme/engine" || d.Title != "Race in pool shutdown" {
		t.Fatalf("discussion %+v", d)
	}
	if len(d.Tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(d.Tasks))
	}
	wantStatus := []string{"unlocked", "locked", "locked"}
	wantRequired := []int{3, 3, 5}
	for i, task := range d.Tasks {
		if task.TaskID != i+1 || task.Status != wantStatus[i] || task.RequiredCount != wantRequired[i] {
			t.Fatalf("task %d: %+v", i+1, task)
		}
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/discussions/nope", nil, asActor("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Code != "not_found" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestListDiscussionsPagination(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	importDiscussions(t, srv, "disc-a", "disc-b", "disc-c")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/discussions?limit=2", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list: %d %s", res.StatusCode, string(body))
	}
	var page paginatedDiscussions
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal page: %v", err)
	}
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("first page: %+v", page)
	}
	if page.Items[0].ID != "disc-c" || page.Items[1].ID != "disc-b" {
		t.Fatalf("first page order: %s, %s", page.Items[0].ID, page.Items[1].ID)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/discussions?limit=2&cursor="+url.QueryEscape(page.NextCursor), nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("second page: %d %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal second page: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].ID != "disc-a" || page.NextCursor != "" {
		t.Fatalf("second page: %+v", page)
	}

	res, body = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/discussions?cursor=bogus", nil, asActor("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad cursor, got %d %s", res.StatusCode, string(body))
	}
}

func TestAnnotationPipelineToCompletion(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	importDiscussions(t, srv, "disc-1")

	for _, user := range []string{"alice", "bob", "carol"} {
		submitTask1(t, srv, "disc-1", user, "Relevant")
	}

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/discussions/disc-1/tasks/1/annotations", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list annotations: %d %s", res.StatusCode, string(body))
	}
	var anns []AnnotationResponse
	if err := json.Unmarshal(body, &anns); err != nil {
		t.Fatalf("unmarshal annotations: %v", err)
	}
	if len(anns) != 3 {
		t.Fatalf("expected 3 annotations, got %d", len(anns))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/discussions/disc-1/tasks/1/consensus/proposal", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("proposal: %d %s", res.StatusCode, string(body))
	}
	var proposal ProposalResponse
	if err := json.Unmarshal(body, &proposal); err != nil {
		t.Fatalf("unmarshal proposal: %v", err)
	}
	if proposal.Existing {
		t.Fatalf("proposal should not be existing")
	}
	if proposal.Agreement.Overall != 100 || proposal.Agreement.Band != "high" {
		t.Fatalf("agreement %+v", proposal.Agreement)
	}
	if proposal.Consensus.Data["relevance"] != "Relevant" {
		t.Fatalf("proposal relevance %v", proposal.Consensus.Data["relevance"])
	}

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/discussions/disc-1/tasks/1/consensus", map[string]any{}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("save consensus: %d %s", res.StatusCode, string(body))
	}
	var saved ConsensusResponse
	if err := json.Unmarshal(body, &saved); err != nil {
		t.Fatalf("unmarshal consensus: %v", err)
	}
	if saved.CreatedBy != "tester" || saved.OverriddenByPodLead {
		t.Fatalf("consensus %+v", saved)
	}
	if got := httpTaskStatus(t, srv, "disc-1", 1); got != "completed" {
		t.Fatalf("task 1 after save: %s", got)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/discussions/disc-1/tasks/1/unlock-next", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("unlock-next: %d %s", res.StatusCode, string(body))
	}
	var state TaskStateResponse
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.Status != "ready_for_next" {
		t.Fatalf("task 1 state %s", state.Status)
	}
	if got := httpTaskStatus(t, srv, "disc-1", 2); got != "unlocked" {
		t.Fatalf("task 2 after unlock: %s", got)
	}
}

func TestSubmitValidationErrorEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	importDiscussions(t, srv, "disc-1")

	data := task1Payload("Mostly")
	data["relevance_text"] = "nope"
	res, body := doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/discussions/disc-1/tasks/1/annotations", map[string]any{
		"user_id": "alice",
		"data":    data,
	}, asActor("tester"))
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d %s", res.StatusCode, string(body))
	}
	env := decodeError(t, body)
	if env.Error.Code != "validation_failed" {
		t.Fatalf("code %q", env.Error.Code)
	}
	errList, _ := env.Error.Details["errors"].([]any)
	if len(errList) != 2 {
		t.Fatalf("expected 2 field errors, got %v", env.Error.Details["errors"])
	}
	for _, raw := range errList {
		fe, _ := raw.(map[string]any)
		if fe["field"] != "relevance" {
			t.Fatalf("field %v", fe["field"])
		}
	}

	res, body = doJSON(t, srv.Client(), http.MethodPut, srv.URL+"/v0/discussions/disc-1/tasks/1/annotations", nil, asActor("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty body, got %d %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Code != "bad_request" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestConsensusConflictAndForce(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	importDiscussions(t, srv, "disc-1")
	submitTask1(t, srv, "disc-1", "alice", "Relevant")
	submitTask1(t, srv, "disc-1", "bob", "Relevant")

	res, body := doJSON(t, client, http.MethodPut, srv.URL+"/v0/discussions/disc-1/tasks/1/consensus", map[string]any{}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("first save: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/discussions/disc-1/tasks/1/consensus", map[string]any{}, asActor("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Code != "conflict" {
		t.Fatalf("code %q", env.Error.Code)
	}

	res, body = doJSON(t, client, http.MethodPut, srv.URL+"/v0/discussions/disc-1/tasks/1/consensus", map[string]any{"force": true}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("forced save: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/discussions/disc-1/tasks/2/consensus", nil, asActor("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for task 2 consensus, got %d %s", res.StatusCode, string(body))
	}
}

func TestAutoConsensusOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	importDiscussions(t, srv, "disc-1")
	for _, user := range []string{"alice", "bob", "carol"} {
		submitTask1(t, srv, "disc-1", user, "Relevant")
	}

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/consensus/auto", map[string]any{}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("auto consensus: %d %s", res.StatusCode, string(body))
	}
	var summary domain.BulkSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Successful != 1 || summary.Failed != 0 {
		t.Fatalf("summary %+v", summary)
	}
	if got := httpTaskStatus(t, srv, "disc-1", 1); got != "completed" {
		t.Fatalf("task 1 after auto: %s", got)
	}
}

func TestSetTaskStatusOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	importDiscussions(t, srv, "disc-1")

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/discussions/disc-1/tasks/1/status", map[string]any{
		"status": "rework",
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set status: %d %s", res.StatusCode, string(body))
	}
	var state TaskStateResponse
	if err := json.Unmarshal(body, &state); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}
	if state.Status != "rework" || state.PriorStatus == nil || *state.PriorStatus != "unlocked" {
		t.Fatalf("state %+v", state)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/discussions/disc-1/tasks/2/status", map[string]any{
		"status": "completed",
	}, asActor("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for locked task, got %d %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Code != "conflict" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestBulkStatusOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	importDiscussions(t, srv, "disc-1", "disc-2")

	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/workflow/bulk-status", map[string]any{
		"discussion_ids": []string{"disc-1", "disc-2", "disc-missing"},
		"task_id":        1,
		"status":         "rework",
	}, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("bulk status: %d %s", res.StatusCode, string(body))
	}
	var summary domain.BulkSummary
	if err := json.Unmarshal(body, &summary); err != nil {
		t.Fatalf("unmarshal summary: %v", err)
	}
	if summary.Successful != 2 || summary.Failed != 1 {
		t.Fatalf("summary %+v", summary)
	}
	if summary.Items[2].DiscussionID != "disc-missing" || summary.Items[2].Outcome != domain.OutcomeFailed {
		t.Fatalf("missing item %+v", summary.Items[2])
	}
}

func TestFlagLifecycleOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	importDiscussions(t, srv, "disc-1")

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/discussions/disc-1/tasks/1/flags", map[string]any{
		"reason": "thread truncated",
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add flag: %d %s", res.StatusCode, string(body))
	}
	var flag domain.Flag
	if err := json.Unmarshal(body, &flag); err != nil {
		t.Fatalf("unmarshal flag: %v", err)
	}
	if flag.Status != domain.FlagActive || flag.FlaggedBy != "tester" || flag.Reason != "thread truncated" {
		t.Fatalf("flag %+v", flag)
	}
	if got := httpTaskStatus(t, srv, "disc-1", 1); got != "blocked" {
		t.Fatalf("task 1 after flag: %s", got)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/flags?discussion_id=disc-1&status=active", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list flags: %d %s", res.StatusCode, string(body))
	}
	var flags []domain.Flag
	if err := json.Unmarshal(body, &flags); err != nil {
		t.Fatalf("unmarshal flags: %v", err)
	}
	if len(flags) != 1 || flags[0].ID != flag.ID {
		t.Fatalf("flags %+v", flags)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/flags/"+flag.ID+"/resolve", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("resolve flag: %d %s", res.StatusCode, string(body))
	}
	var resolved domain.Flag
	if err := json.Unmarshal(body, &resolved); err != nil {
		t.Fatalf("unmarshal resolved: %v", err)
	}
	if resolved.Status != domain.FlagResolved || resolved.ResolvedBy == nil || *resolved.ResolvedBy != "tester" {
		t.Fatalf("resolved %+v", resolved)
	}
	if got := httpTaskStatus(t, srv, "disc-1", 1); got != "unlocked" {
		t.Fatalf("task 1 after resolve: %s", got)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/flags/"+flag.ID+"/resolve", nil, asActor("tester"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for double resolve, got %d %s", res.StatusCode, string(body))
	}
}

func TestDevLoginAndJWT(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "tester",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		t.Fatalf("unmarshal login: %v", err)
	}
	if login.Token == "" {
		t.Fatalf("empty token")
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with jwt: %d %s", res.StatusCode, string(body))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(body, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "tester" || who.Source != "jwt" {
		t.Fatalf("me %+v", who)
	}
	found := false
	for _, r := range who.Roles {
		if r == "admin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("roles %v", who.Roles)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with header: %d %s", res.StatusCode, string(body))
	}
	if err := json.Unmarshal(body, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.Source != "legacy_header" {
		t.Fatalf("source %q", who.Source)
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{}, nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 without actor_id, got %d %s", res.StatusCode, string(body))
	}
}

func TestAPIKeyLifecycle(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodPost, srv.URL+"/v0/rbac/api-keys", map[string]any{
		"actor_id": "tester",
		"name":     "ci",
	}, asActor("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create key: %d %s", res.StatusCode, string(body))
	}
	var created APIKeyCreatedResponse
	if err := json.Unmarshal(body, &created); err != nil {
		t.Fatalf("unmarshal created: %v", err)
	}
	if created.Key == "" || created.ID == "" || created.ActorID != "tester" {
		t.Fatalf("created %+v", created)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me with key: %d %s", res.StatusCode, string(body))
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(body, &who); err != nil {
		t.Fatalf("unmarshal me: %v", err)
	}
	if who.ActorID != "tester" || who.Source != "api_key" {
		t.Fatalf("me %+v", who)
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/rbac/api-keys?actor_id=tester", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list keys: %d %s", res.StatusCode, string(body))
	}
	var keys []APIKeyResponse
	if err := json.Unmarshal(body, &keys); err != nil {
		t.Fatalf("unmarshal keys: %v", err)
	}
	if len(keys) != 1 || keys[0].Name != "ci" {
		t.Fatalf("keys %+v", keys)
	}

	res, body = doJSON(t, client, http.MethodDelete, srv.URL+"/v0/rbac/api-keys/"+created.ID, nil, asActor("tester"))
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("delete key: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/me", nil, map[string]string{
		"X-Api-Key": created.Key,
	})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 after delete, got %d %s", res.StatusCode, string(body))
	}
	if env := decodeError(t, body); env.Error.Code != "invalid_credentials" {
		t.Fatalf("code %q", env.Error.Code)
	}
}

func TestEventsOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	importDiscussions(t, srv, "disc-1")
	submitTask1(t, srv, "disc-1", "alice", "Relevant")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/events?discussion_id=disc-1", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list events: %d %s", res.StatusCode, string(body))
	}
	var events []EventResponse
	if err := json.Unmarshal(body, &events); err != nil {
		t.Fatalf("unmarshal events: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Type != "annotation.submitted" || events[1].Type != "discussion.imported" {
		t.Fatalf("event order: %s, %s", events[0].Type, events[1].Type)
	}
	if events[0].ActorID != "tester" || events[0].DiscussionID != "disc-1" {
		t.Fatalf("event %+v", events[0])
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	importDiscussions(t, srv, "disc-1")

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/status", nil, asActor("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %s", res.StatusCode, string(body))
	}
	var status map[string]any
	if err := json.Unmarshal(body, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status["batch_id"] != "batch-1" {
		t.Fatalf("batch_id %v", status["batch_id"])
	}
	if n, _ := status["discussions"].(float64); n != 1 {
		t.Fatalf("discussions %v", status["discussions"])
	}
}
