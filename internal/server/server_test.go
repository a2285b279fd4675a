package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"

	"stageline/internal/app"
	"stageline/internal/config"
	"stageline/internal/db"
	"stageline/internal/engine"
	"stageline/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default("org-1")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, _, err := app.ResolveOrgAndConfig(context.Background(), "org-1", e.Repo); err != nil {
		t.Fatalf("resolve org: %v", err)
	}
	handler, err := New(Config{
		Engine:   e,
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
		Engine: e,
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
	if _, ok := headers["X-Actor-Id"]; !ok && headers == nil {
		req.Header.Set("X-Actor-Id", "tester")
	}
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

func submitApplication(t *testing.T, srv *testServer) ApplicationResponse {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications", map[string]any{
		"candidate_id": "cand-1",
		"job_id":       "job-1",
	}, nil)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created ApplicationResponse
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal application: %v", err)
	}
	return created
}

func TestSubmitAndApproveFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := submitApplication(t, srv)
	if created.Stage != "submitted" || created.Version != 1 {
		t.Fatalf("created %+v", created)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/approve", map[string]any{
		"note": "Strong profile",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve status %d: %s", res.StatusCode, string(data))
	}
	var advanced ApplicationResponse
	_ = json.Unmarshal(data, &advanced)
	if advanced.Stage != "screen" || advanced.Version != 2 {
		t.Fatalf("advanced %+v", advanced)
	}
	if etag := res.Header.Get("ETag"); etag != `"2"` {
		t.Fatalf("etag %q", etag)
	}

	notesRes, notesData := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/applications/"+created.ID+"/notes", nil, nil)
	if notesRes.StatusCode != http.StatusOK {
		t.Fatalf("notes status %d: %s", notesRes.StatusCode, string(notesData))
	}
	var notes []NoteResponse
	_ = json.Unmarshal(notesData, &notes)
	if len(notes) != 1 || notes[0].MessageText != "Strong profile" {
		t.Fatalf("notes %+v", notes)
	}
}

func TestDenyRequiresReason(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := submitApplication(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/deny", map[string]any{
		"reason": "",
	}, nil)
	if res.StatusCode != http.StatusUnprocessableEntity {
		t.Fatalf("expected 422, got %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/deny", map[string]any{
		"reason": "No relevant experience",
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("deny status %d: %s", res.StatusCode, string(data))
	}
	var denied ApplicationResponse
	_ = json.Unmarshal(data, &denied)
	if denied.Stage != "rejected" || denied.DeclineReason != "No relevant experience" {
		t.Fatalf("denied %+v", denied)
	}
}

func TestVersionConflictViaIfMatch(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := submitApplication(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/approve", map[string]any{},
		map[string]string{"X-Actor-Id": "tester", "If-Match": `"9"`})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Code != "version_conflict" {
		t.Fatalf("error code %q", envelope.Error.Code)
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/approve", map[string]any{},
		map[string]string{"X-Actor-Id": "tester", "If-Match": `"1"`})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("approve with correct If-Match: %d %s", res.StatusCode, string(data))
	}
}

func TestListApplicationsMinScoreFilter(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	for _, c := range []struct {
		candidate string
		score     int
	}{
		{"cand-low", 40},
		{"cand-high", 85},
	} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications", map[string]any{
			"candidate_id":    c.candidate,
			"job_id":          "job-1",
			"ai_review_score": c.score,
		}, nil)
		if res.StatusCode != http.StatusCreated {
			t.Fatalf("submit %s: %d %s", c.candidate, res.StatusCode, string(data))
		}
	}

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/applications?min_score=60", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	var page ApplicationListResponse
	if err := json.Unmarshal(data, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 1 || page.Items[0].CandidateID != "cand-high" {
		t.Fatalf("filtered page %+v", page.Items)
	}

	// no filter returns both
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/applications", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, string(data))
	}
	page = ApplicationListResponse{}
	_ = json.Unmarshal(data, &page)
	if len(page.Items) != 2 {
		t.Fatalf("unfiltered page %+v", page.Items)
	}
}

func TestPermissionsEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	created := submitApplication(t, srv)

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/applications/"+created.ID+"/permissions", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("permissions status %d: %s", res.StatusCode, string(data))
	}
	var perms PermissionsResponse
	_ = json.Unmarshal(data, &perms)
	if perms.Stage != "submitted" || !perms.Permissions.CanApprove {
		t.Fatalf("permissions %+v", perms)
	}
	if perms.Permissions.ApproveButtonText != "Accept" {
		t.Fatalf("button text %q", perms.Permissions.ApproveButtonText)
	}
}

func TestRoleGatingOverHTTP(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	ctx := context.Background()
	if err := srv.Engine.Repo.SyncRoles(ctx, srv.Engine.Config.RBAC.Roles); err != nil {
		t.Fatalf("sync roles: %v", err)
	}
	if err := srv.Engine.Repo.AssignRole(ctx, "org-1", "hm", "hiring_manager"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := srv.Engine.Repo.AssignRole(ctx, "org-1", "cand", "candidate"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := srv.Engine.Repo.AssignRole(ctx, "org-1", "submitter", "candidate_recruiter"); err != nil {
		t.Fatalf("assign: %v", err)
	}

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications", map[string]any{
		"candidate_id": "cand-1",
		"job_id":       "job-1",
	}, map[string]string{"X-Actor-Id": "submitter"})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("submit status %d: %s", res.StatusCode, string(data))
	}
	var created ApplicationResponse
	_ = json.Unmarshal(data, &created)

	// a candidate may not approve
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/approve", map[string]any{},
		map[string]string{"X-Actor-Id": "cand"})
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for candidate, got %d: %s", res.StatusCode, string(data))
	}

	// a hiring manager may
	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/applications/"+created.ID+"/approve", map[string]any{},
		map[string]string{"X-Actor-Id": "hm"})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("hm approve status %d: %s", res.StatusCode, string(data))
	}
	var advanced ApplicationResponse
	_ = json.Unmarshal(data, &advanced)
	if !advanced.AcceptedByCompany {
		t.Fatalf("company acceptance not stamped: %+v", advanced)
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/applications", nil, map[string]string{})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	// health stays open
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", res.StatusCode)
	}
}

func TestDevLoginAndBearerAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id": "jwt-user",
		"org_id":   "org-1",
	}, map[string]string{})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, string(data))
	}
	var login DevLoginResponse
	if err := json.Unmarshal(data, &login); err != nil || login.Token == "" {
		t.Fatalf("login body %s (%v)", string(data), err)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/me", nil,
		map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, string(data))
	}
	var who WhoAmIResponse
	_ = json.Unmarshal(data, &who)
	if who.ActorID != "jwt-user" || who.OrgID != "org-1" {
		t.Fatalf("whoami %+v", who)
	}
}

func TestNotFoundEnvelope(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/applications/missing", nil, nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if envelope.Error.Code != "not_found" {
		t.Fatalf("code %q", envelope.Error.Code)
	}
}
