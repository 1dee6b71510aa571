package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"sitepush/internal/db"
	"sitepush/internal/domain"
	"sitepush/internal/engine"
	"sitepush/internal/events"
	"sitepush/internal/github"
	"sitepush/internal/github/githubtest"
	"sitepush/internal/login"
	"sitepush/internal/migrate"
	"sitepush/internal/repo"
	"sitepush/internal/session"
)

var testLocation = domain.Location{Owner: "acme", Repo: "site", Path: "markers.json", Branch: "main"}

type testServer struct {
	URL      string
	client   *http.Client
	Fake     *githubtest.Server
	Repo     repo.Repo
	Sessions *session.Manager
	Engine   *engine.Engine
	Hub      *Hub
	// Token is a session for "ada", whose GitHub token the fake accepts.
	Token string
	close func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func (s *testServer) auth() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.Token}
}

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	r := repo.Repo{DB: conn}
	log, _ := logtest.NewNullLogger()

	fake := githubtest.New(t)
	fake.AddUser("gho_ada", "ada")
	fake.AddOAuthCode("code-1", "gho_ada")
	gh := github.New(github.Options{BaseURL: fake.URL, HTTPClient: fake.Client()})

	sessions, err := session.NewManager(session.Options{Repo: r, Secret: "test-secret"})
	if err != nil {
		t.Fatalf("sessions: %v", err)
	}
	flow, err := login.NewFlow(login.Options{
		ClientID:     "client",
		ClientSecret: "secret",
		RedirectURL:  "http://localhost/auth/callback",
		OAuthURL:     fake.URL,
		HTTPClient:   fake.Client(),
		Users:        gh,
		Sessions:     sessions,
	})
	if err != nil {
		t.Fatalf("login flow: %v", err)
	}
	hub := NewHub(log)
	e, err := engine.New(engine.Options{
		Gateway:  gh,
		Poller:   gh,
		Notifier: engine.Notifiers{events.NewRecorder(r), hub},
		Logger:   log,
		Sleep:    func(ctx context.Context, _ time.Duration) error { return ctx.Err() },
	})
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		e.Run(ctx)
	}()

	handler, err := New(Config{
		Engine:            e,
		Repo:              r,
		Sessions:          sessions,
		Login:             flow,
		Hub:               hub,
		Location:          testLocation,
		AllowedOrigins:    []string{"https://app.example"},
		PostLoginRedirect: "/app",
		Logger:            log,
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	_, token, err := sessions.Create(context.Background(), "ada", "gho_ada")
	if err != nil {
		t.Fatalf("create session: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL: "http://" + ln.Addr().String(),
		client: &http.Client{CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}},
		Fake:     fake,
		Repo:     r,
		Sessions: sessions,
		Engine:   e,
		Hub:      hub,
		Token:    token,
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			cancel()
			<-runDone
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	switch b := body.(type) {
	case nil:
		reader = bytes.NewReader(nil)
	case string:
		reader = bytes.NewReader([]byte(b))
	default:
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(data)
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope %s: %v", string(data), err)
	}
	return env.Error.Code
}

func TestHealthAndOpenAPI(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/health", nil, nil)
	if res.StatusCode != http.StatusOK || decode[HealthResponse](t, data).Status != "ok" {
		t.Fatalf("health %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d", res.StatusCode)
	}
	for _, want := range []string{"/api/update-markers", "/api/deploy-status", "cookieAuth", "sitepush.sid"} {
		if !strings.Contains(string(data), want) {
			t.Fatalf("openapi document missing %q", want)
		}
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/docs", nil, nil)
	if res.StatusCode != http.StatusOK || !strings.Contains(string(data), "swagger-ui") {
		t.Fatalf("docs %d", res.StatusCode)
	}
}

func TestMeReportsSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/auth/me", nil, nil)
	if res.StatusCode != http.StatusUnauthorized || decode[MeResponse](t, data).Authorized {
		t.Fatalf("anonymous me %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/auth/me", nil, map[string]string{"Authorization": "Bearer forged"})
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("forged token should be anonymous, got %d", res.StatusCode)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/auth/me", nil, srv.auth())
	me := decode[MeResponse](t, data)
	if res.StatusCode != http.StatusOK || !me.Authorized || me.Username != "ada" {
		t.Fatalf("me %d: %s", res.StatusCode, string(data))
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/auth/me", nil, map[string]string{
		"Cookie": session.DefaultCookieName + "=" + srv.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cookie session %d: %s", res.StatusCode, string(data))
	}
}

func TestAPIRequiresSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	for _, path := range []string{"/api/update-markers", "/api/deploy-status", "/api/queue", "/api/jobs", "/auth/logout"} {
		method := http.MethodGet
		if path == "/api/update-markers" || path == "/auth/logout" {
			method = http.MethodPost
		}
		res, data := doJSON(t, srv.Client(), method, srv.URL+path, nil, nil)
		if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "unauthorized" {
			t.Fatalf("%s without session: %d %s", path, res.StatusCode, string(data))
		}
	}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/queue", nil, map[string]string{"Authorization": "Bearer nope"})
	if res.StatusCode != http.StatusUnauthorized || errorCode(t, data) != "invalid_credentials" {
		t.Fatalf("bad token: %d %s", res.StatusCode, string(data))
	}
	if srv.Fake.Reads() != 0 {
		t.Fatalf("unauthenticated calls must not reach GitHub")
	}
}

func TestUpdateMarkersCommitsAndWaitsForBuild(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Fake.SetContent(`[{"id":1,"name":"a"},{"id":"x","name":"gone"}]`)
	srv.Fake.SetBuildStatuses("building", "building", "built")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/update-markers", map[string]any{
		"added":   []any{map[string]any{"id": 2, "name": "new"}},
		"updated": []any{map[string]any{"id": 1, "name": "b"}},
		"deleted": []any{"x"},
	}, srv.auth())
	if res.StatusCode != http.StatusOK {
		t.Fatalf("update status %d: %s", res.StatusCode, string(data))
	}
	out := decode[UpdateMarkersResponse](t, data)
	commits := srv.Fake.Commits()
	if !out.OK || out.Polls != 3 || len(commits) != 1 || out.CommitSHA != commits[0].SHA {
		t.Fatalf("unexpected result %+v (commits %d)", out, len(commits))
	}
	if out.Build == nil || out.Build.Status != domain.DeploymentSucceeded {
		t.Fatalf("expected succeeded build, got %+v", out.Build)
	}
	if commits[0].Message != "Update markers by ada" {
		t.Fatalf("unexpected commit message %q", commits[0].Message)
	}
	got := decode[[]map[string]any](t, srv.Fake.Content())
	if len(got) != 2 || got[0]["id"] != float64(1) || got[0]["name"] != "b" || got[1]["id"] != float64(2) {
		t.Fatalf("unexpected stored collection %v", got)
	}

	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/jobs/"+out.JobID, nil, srv.auth())
	job := decode[domain.Job](t, data)
	if res.StatusCode != http.StatusOK || job.State != "succeeded" || job.Polls != 3 || job.Identity != "ada" {
		t.Fatalf("job %d: %s", res.StatusCode, string(data))
	}
	if job.Added != 1 || job.Updated != 1 || job.Deleted != 1 {
		t.Fatalf("unexpected delta counts %+v", job)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/jobs/"+out.JobID+"/events", nil, srv.auth())
	evts := decode[EventListResponse](t, data).Events
	if res.StatusCode != http.StatusOK || len(evts) != 4 {
		t.Fatalf("job events %d: %s", res.StatusCode, string(data))
	}
	if evts[0].Type != "job.succeeded" || evts[3].Type != "job.queued" {
		t.Fatalf("events should be newest first, got %s..%s", evts[0].Type, evts[3].Type)
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/jobs?mine=true", nil, srv.auth())
	if list := decode[JobListResponse](t, data); res.StatusCode != http.StatusOK || len(list.Jobs) != 1 {
		t.Fatalf("job list %d: %s", res.StatusCode, string(data))
	}
}

func TestUpdateMarkersAcceptsDeltaWithEmptyDeleted(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Fake.SetContent(`[{"id":1,"name":"a"}]`)
	srv.Fake.SetBuildStatuses("built")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/update-markers",
		`{"added":[{"id":2,"name":"b"}],"updated":[{"id":1,"name":"a2"}],"deleted":[]}`, srv.auth())
	out := decode[UpdateMarkersResponse](t, data)
	if res.StatusCode != http.StatusOK || !out.OK || out.Polls != 1 {
		t.Fatalf("update %d: %s", res.StatusCode, string(data))
	}
	if len(srv.Fake.Commits()) != 1 {
		t.Fatalf("expected one commit, got %d", len(srv.Fake.Commits()))
	}
	var stored []map[string]any
	if err := json.Unmarshal(srv.Fake.Content(), &stored); err != nil {
		t.Fatalf("stored content: %v", err)
	}
	if len(stored) != 2 || stored[0]["name"] != "a2" || stored[1]["name"] != "b" {
		t.Fatalf("unexpected stored collection %+v", stored)
	}
}

func TestUpdateMarkersEmptyBodyIsValidationFailure(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/update-markers", nil, srv.auth())
	out := decode[UpdateMarkersResponse](t, data)
	if res.StatusCode != http.StatusBadRequest || out.OK || out.Kind != "validation" {
		t.Fatalf("empty body %d: %s", res.StatusCode, string(data))
	}
}

func TestOpenAPIDocumentIsStableUnderConcurrentRequests(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var wg sync.WaitGroup
	bodies := make([][]byte, 8)
	for i := range bodies {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := srv.Client().Get(srv.URL + "/openapi.json")
			if err != nil {
				t.Errorf("get openapi: %v", err)
				return
			}
			defer res.Body.Close()
			bodies[i], _ = io.ReadAll(res.Body)
		}(i)
	}
	wg.Wait()
	for i := range bodies {
		if !bytes.Equal(bodies[i], bodies[0]) {
			t.Fatalf("openapi document %d differs", i)
		}
	}

	var doc struct {
		Paths map[string]map[string]struct {
			RequestBody struct {
				Required bool `json:"required"`
				Content  map[string]struct {
					Schema map[string]any `json:"schema"`
				} `json:"content"`
			} `json:"requestBody"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(bodies[0], &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	rb := doc.Paths["/api/update-markers"]["post"].RequestBody
	schema := rb.Content["application/json"].Schema
	if rb.Required || schema == nil || schema["format"] == "binary" {
		t.Fatalf("delta body not documented as JSON: %+v", rb)
	}
}

func TestHumaErrorsUseEnvelope(t *testing.T) {
	var ae *apiError
	if err := huma.NewError(http.StatusBadRequest, "bad"); !errors.As(err, &ae) || ae.GetStatus() != http.StatusBadRequest {
		t.Fatalf("huma.NewError not overridden: %T", err)
	}
}

func TestUpdateMarkersRejectsInvalidDelta(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Fake.SetContent(`[]`)

	for _, body := range []string{"", `{"added":[{"name":"no id"}]}`, `{"added":"nope"}`, `[1,2]`} {
		res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/update-markers", body, srv.auth())
		out := decode[UpdateMarkersResponse](t, data)
		if res.StatusCode != http.StatusBadRequest || out.OK || out.Kind != "validation" || out.Error == "" {
			t.Fatalf("body %q: %d %s", body, res.StatusCode, string(data))
		}
	}
	if srv.Fake.Reads() != 0 {
		t.Fatalf("invalid deltas must not be queued")
	}
}

func TestUpdateMarkersReportsConflict(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Fake.SetContent(`[{"id":1}]`)
	srv.Fake.SetBuildStatuses("built")
	srv.Fake.AfterRead(func() { srv.Fake.SetContent(`[{"id":1},{"id":99}]`) })

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/update-markers", `{"added":[{"id":2}]}`, srv.auth())
	out := decode[UpdateMarkersResponse](t, data)
	if res.StatusCode != http.StatusInternalServerError || out.OK || out.Kind != "remote_write" || out.JobID == "" {
		t.Fatalf("conflict: %d %s", res.StatusCode, string(data))
	}
	if srv.Fake.BuildPolls() != 0 {
		t.Fatalf("a failed commit must not be followed by polling")
	}

	res, data = doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/update-markers", `{"added":[{"id":3}]}`, srv.auth())
	if res.StatusCode != http.StatusOK || !decode[UpdateMarkersResponse](t, data).OK {
		t.Fatalf("next job should proceed: %d %s", res.StatusCode, string(data))
	}
}

func TestUpdateMarkersReportsFailedDeployment(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Fake.SetContent(`[]`)
	srv.Fake.SetBuildStatuses("building", "errored")

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/update-markers", `{"added":[{"id":"a"}]}`, srv.auth())
	out := decode[UpdateMarkersResponse](t, data)
	if res.StatusCode != http.StatusInternalServerError || out.Kind != "deployment_failed" {
		t.Fatalf("failed deployment: %d %s", res.StatusCode, string(data))
	}
	if !strings.Contains(out.Error, "Page build failed.") {
		t.Fatalf("expected build error message, got %q", out.Error)
	}
}

func TestDeployStatus(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	srv.Fake.SetBuildStatuses("building")
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/deploy-status", nil, srv.auth())
	build := decode[domain.Build](t, data)
	if res.StatusCode != http.StatusOK || build.Status != domain.DeploymentPending || build.RawStatus != "building" {
		t.Fatalf("deploy status %d: %s", res.StatusCode, string(data))
	}

	srv.Fake.FailNext("builds", http.StatusInternalServerError)
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/deploy-status", nil, srv.auth())
	if res.StatusCode != http.StatusBadGateway || errorCode(t, data) != "remote_read" {
		t.Fatalf("failed deploy status %d: %s", res.StatusCode, string(data))
	}
}

func TestQueueSnapshot(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/queue", nil, srv.auth())
	snap := decode[engine.Snapshot](t, data)
	if res.StatusCode != http.StatusOK || snap.State != engine.StateIdle || snap.Depth != 0 {
		t.Fatalf("queue %d: %s", res.StatusCode, string(data))
	}
}

func TestUnknownJobIsNotFound(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/api/jobs/missing", nil, srv.auth())
	if res.StatusCode != http.StatusNotFound || errorCode(t, data) != "not_found" {
		t.Fatalf("missing job %d: %s", res.StatusCode, string(data))
	}
}

func TestLogoutRevokesSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/auth/logout", nil, srv.auth())
	if res.StatusCode != http.StatusOK || !decode[LogoutResponse](t, data).OK {
		t.Fatalf("logout %d: %s", res.StatusCode, string(data))
	}
	var cleared bool
	for _, c := range res.Cookies() {
		if c.Name == session.DefaultCookieName && c.MaxAge < 0 {
			cleared = true
		}
	}
	if !cleared {
		t.Fatalf("expected session cookie to be cleared, got %v", res.Header.Values("Set-Cookie"))
	}
	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/auth/me", nil, srv.auth())
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("revoked session should be anonymous, got %d", res.StatusCode)
	}
}

func TestLoginFlowSetsSessionCookie(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/auth/login", nil, nil)
	if res.StatusCode != http.StatusFound {
		t.Fatalf("login status %d", res.StatusCode)
	}
	target, err := url.Parse(res.Header.Get("Location"))
	if err != nil || !strings.HasPrefix(target.String(), srv.Fake.URL+"/login/oauth/authorize") {
		t.Fatalf("unexpected authorize redirect %q", res.Header.Get("Location"))
	}
	state := target.Query().Get("state")
	var stateCookie *http.Cookie
	for _, c := range res.Cookies() {
		if c.Value == state {
			stateCookie = c
		}
	}
	if stateCookie == nil {
		t.Fatalf("state cookie missing")
	}

	cookieHeader := map[string]string{"Cookie": stateCookie.Name + "=" + stateCookie.Value}
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/auth/callback?code=code-1&state=wrong", nil, cookieHeader)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("state mismatch %d: %s", res.StatusCode, string(data))
	}

	res, _ = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/auth/callback?code=code-1&state="+url.QueryEscape(state), nil, cookieHeader)
	if res.StatusCode != http.StatusFound || res.Header.Get("Location") != "/app" {
		t.Fatalf("callback %d to %q", res.StatusCode, res.Header.Get("Location"))
	}
	var sid *http.Cookie
	for _, c := range res.Cookies() {
		if c.Name == session.DefaultCookieName {
			sid = c
		}
	}
	if sid == nil || !sid.HttpOnly {
		t.Fatalf("expected http-only session cookie, got %v", res.Cookies())
	}
	res, data = doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/auth/me", nil, map[string]string{"Cookie": sid.Name + "=" + sid.Value})
	if me := decode[MeResponse](t, data); res.StatusCode != http.StatusOK || me.Username != "ada" {
		t.Fatalf("me after login %d: %s", res.StatusCode, string(data))
	}
}

func TestCORSAllowsConfiguredOrigin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, _ := doJSON(t, srv.Client(), http.MethodOptions, srv.URL+"/api/update-markers", nil, map[string]string{
		"Origin":                        "https://app.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if res.Header.Get("Access-Control-Allow-Origin") != "https://app.example" || res.Header.Get("Access-Control-Allow-Credentials") != "true" {
		t.Fatalf("unexpected preflight headers %v", res.Header)
	}
	res, _ = doJSON(t, srv.Client(), http.MethodOptions, srv.URL+"/api/update-markers", nil, map[string]string{
		"Origin":                        "https://evil.example",
		"Access-Control-Request-Method": http.MethodPost,
	})
	if res.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Fatalf("unknown origin should not be allowed")
	}
}

func TestEventStreamDeliversTransitions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	srv.Fake.SetContent(`[]`)
	srv.Fake.SetBuildStatuses("built")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/events"
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + srv.Token}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.CloseNow()
	for srv.Hub.Subscribers() == 0 {
		select {
		case <-ctx.Done():
			t.Fatalf("subscriber never registered")
		case <-time.After(5 * time.Millisecond):
		}
	}

	done := make(chan []byte, 1)
	go func() {
		_, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/api/update-markers", `{"added":[{"id":1}]}`, srv.auth())
		done <- data
	}()

	var phases []string
	for len(phases) == 0 || phases[len(phases)-1] != "succeeded" {
		var msg StreamMessage
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			t.Fatalf("read: %v (phases so far %v)", err, phases)
		}
		if msg.Identity != "ada" || msg.Location != testLocation.String() {
			t.Fatalf("unexpected message %+v", msg)
		}
		phases = append(phases, msg.Phase)
	}
	if strings.Join(phases, ",") != "queued,committing,polling,succeeded" {
		t.Fatalf("unexpected phases %v", phases)
	}
	<-done
	conn.Close(websocket.StatusNormalClosure, "")
}

func TestEventStreamRequiresSession(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, res, err := websocket.Dial(ctx, "ws"+strings.TrimPrefix(srv.URL, "http")+"/api/events", nil)
	if err == nil {
		t.Fatalf("expected dial to fail without a session")
	}
	if res == nil || res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", res)
	}
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	log, _ := logtest.NewNullLogger()
	hub := NewHub(log)
	hub.buffer = 1
	all, cancelAll := hub.Subscribe("")
	defer cancelAll()
	one, cancelOne := hub.Subscribe("job-2")

	for _, id := range []string{"job-1", "job-2", "job-3"} {
		if err := hub.JobTransition(context.Background(), engine.Transition{JobID: id, Phase: engine.PhaseQueued}); err != nil {
			t.Fatalf("transition: %v", err)
		}
	}
	if msg := <-all; msg.JobID != "job-1" {
		t.Fatalf("unexpected first message %+v", msg)
	}
	if msg := <-one; msg.JobID != "job-2" {
		t.Fatalf("filtered subscriber got %+v", msg)
	}
	if hub.Dropped() != 2 {
		t.Fatalf("expected 2 dropped messages, got %d", hub.Dropped())
	}
	cancelOne()
	cancelOne()
	if hub.Subscribers() != 1 {
		t.Fatalf("expected one subscriber left, got %d", hub.Subscribers())
	}
}

func TestHandleErrorMapsDomainErrors(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{repo.ErrNotFound, http.StatusNotFound, "not_found"},
		{session.ErrUnauthenticated, http.StatusUnauthorized, "unauthorized"},
		{engine.ErrStopped, http.StatusServiceUnavailable, "unavailable"},
		{login.ErrStateMismatch, http.StatusBadRequest, "bad_request"},
		{&domain.ValidationError{Reason: "x"}, http.StatusBadRequest, "validation"},
		{&domain.RemoteReadError{Status: 404}, http.StatusBadGateway, "remote_read"},
		{&domain.RemoteWriteError{Conflict: true, Status: 409}, http.StatusBadGateway, "remote_write"},
		{&domain.DeploymentFailedError{RawStatus: "errored"}, http.StatusBadGateway, "deployment_failed"},
		{context.DeadlineExceeded, http.StatusGatewayTimeout, "timeout"},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		ae, ok := handleError(tc.err).(*apiError)
		if !ok {
			t.Fatalf("%v: unexpected error type", tc.err)
		}
		if ae.status != tc.status || ae.Body.Code != tc.code {
			t.Fatalf("%v: got %d %s", tc.err, ae.status, ae.Body.Code)
		}
	}
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Config{Logger: logrus.New()}); err == nil {
		t.Fatalf("expected error without engine")
	}
}
