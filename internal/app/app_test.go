package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	logtest "github.com/sirupsen/logrus/hooks/test"

	"sitepush/internal/config"
	"sitepush/internal/github/githubtest"
)

func testConfig(t *testing.T, fake *githubtest.Server) *config.Config {
	t.Helper()
	cfg := config.Default("acme", "site")
	cfg.GitHub.APIURL = fake.URL
	cfg.GitHub.OAuthURL = fake.URL
	cfg.GitHub.ClientID = "client"
	cfg.GitHub.ClientSecret = "secret"
	cfg.Session.Secret = "session-secret"
	cfg.Deploy.PollInterval = time.Millisecond
	return cfg
}

func TestBuildServesAndSubmitsJobs(t *testing.T) {
	fake := githubtest.New(t)
	fake.AddUser("gho_ada", "ada")
	fake.SetContent(`[]`)
	fake.SetBuildStatuses("built")
	log, _ := logtest.NewNullLogger()

	a, err := Build(testConfig(t, fake), Options{Workspace: t.TempDir(), Logger: log, HTTPClient: fake.Client()})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()
	if a.Login == nil {
		t.Fatalf("login flow should be wired when a client id is set")
	}

	ctx, cancel := context.WithCancel(context.Background())
	runDone := make(chan error, 1)
	go func() { runDone <- a.Run(ctx) }()

	handler, err := a.Handler()
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	defer srv.Close()

	_, token, err := a.Sessions.Create(context.Background(), "ada", "gho_ada")
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	req, _ := http.NewRequest(http.MethodPost, srv.URL+"/api/update-markers", strings.NewReader(`{"added":[{"id":1}]}`))
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	defer res.Body.Close()
	var body struct {
		OK    bool   `json:"ok"`
		JobID string `json:"job_id"`
	}
	if err := json.NewDecoder(res.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.StatusCode != http.StatusOK || !body.OK {
		t.Fatalf("unexpected response %d %+v", res.StatusCode, body)
	}
	job, err := a.Repo.GetJob(context.Background(), body.JobID)
	if err != nil || job.State != "succeeded" {
		t.Fatalf("job history: %+v %v", job, err)
	}

	cancel()
	select {
	case err := <-runDone:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("run did not stop")
	}
}

func TestReloadUpdatesPollPolicy(t *testing.T) {
	fake := githubtest.New(t)
	log, _ := logtest.NewNullLogger()
	cfg := testConfig(t, fake)
	a, err := Build(cfg, Options{Workspace: t.TempDir(), Logger: log})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()

	next := *cfg
	next.Deploy.PollInterval = 2 * time.Second
	next.Deploy.MaxPolls = 7
	a.Reload(&next)
	interval, maxPolls := a.Engine.PollPolicy()
	if interval != 2*time.Second || maxPolls != 7 {
		t.Fatalf("policy not applied: %v %d", interval, maxPolls)
	}
}

func TestBuildWithoutClientIDDisablesLogin(t *testing.T) {
	fake := githubtest.New(t)
	cfg := testConfig(t, fake)
	cfg.GitHub.ClientID = ""
	log, hook := logtest.NewNullLogger()
	a, err := Build(cfg, Options{Workspace: t.TempDir(), Logger: log})
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer a.Close()
	if a.Login != nil {
		t.Fatalf("login flow should be disabled")
	}
	if entry := hook.LastEntry(); entry == nil || !strings.Contains(entry.Message, "client_id") {
		t.Fatalf("expected a warning about the missing client id")
	}
}

func TestBuildRequiresSessionSecret(t *testing.T) {
	fake := githubtest.New(t)
	cfg := testConfig(t, fake)
	cfg.Session.Secret = ""
	if _, err := Build(cfg, Options{Workspace: t.TempDir()}); err == nil {
		t.Fatalf("expected error without a session secret")
	}
}
