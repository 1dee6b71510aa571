// Package githubtest runs an in-process stand-in for the parts of the GitHub
// API sitepush uses: the contents API, Pages builds, /user and the OAuth
// token exchange.
package githubtest

import (
	"crypto/sha1"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
)

type Commit struct {
	Message string
	SHA     string
	Content []byte
	Token   string
}

type Server struct {
	*httptest.Server

	mu         sync.Mutex
	content    []byte
	sha        string
	missing    bool
	commits    []Commit
	builds     []string
	buildPolls int
	reads      int
	users      map[string]string
	codes      map[string]string
	failures   map[string][]int
	afterRead  func()
	afterWrite func()
}

// New starts a fake serving an empty collection. Any non-empty bearer token
// is accepted until AddUser is called.
func New(t testing.TB) *Server {
	s := &Server{
		users:    map[string]string{},
		codes:    map[string]string{},
		failures: map[string][]int{},
	}
	s.setContentLocked([]byte("[]"))
	r := chi.NewRouter()
	r.Get("/repos/{owner}/{repo}/contents/*", s.handleRead)
	r.Put("/repos/{owner}/{repo}/contents/*", s.handleWrite)
	r.Get("/repos/{owner}/{repo}/pages/builds", s.handleBuilds)
	r.Get("/user", s.handleUser)
	r.Post("/login/oauth/access_token", s.handleToken)
	s.Server = httptest.NewServer(r)
	if t != nil {
		t.Cleanup(s.Close)
	}
	return s
}

// SetContent replaces the stored document as if another writer committed it.
func (s *Server) SetContent(doc string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing = false
	s.setContentLocked([]byte(doc))
}

// Remove makes the stored document return 404.
func (s *Server) Remove() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.missing = true
}

func (s *Server) Content() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.content...)
}

func (s *Server) SHA() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sha
}

func (s *Server) Commits() []Commit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Commit(nil), s.commits...)
}

func (s *Server) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// SetBuildStatuses scripts the Pages builds endpoint. Each poll consumes one
// status; the last one repeats. No statuses means an empty build list.
func (s *Server) SetBuildStatuses(statuses ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.builds = append([]string(nil), statuses...)
	s.buildPolls = 0
}

func (s *Server) BuildPolls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buildPolls
}

// AddUser registers token as belonging to login. Once any user is registered
// unknown tokens are rejected with 401.
func (s *Server) AddUser(token, login string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[token] = login
}

// AddOAuthCode makes the token endpoint exchange code for token.
func (s *Server) AddOAuthCode(code, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[code] = token
}

// FailNext queues status codes for route, one per request. Routes are
// "read", "write", "builds", "user" and "token".
func (s *Server) FailNext(route string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[route] = append(s.failures[route], statuses...)
}

// AfterRead runs fn once the next successful read has been answered.
func (s *Server) AfterRead(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterRead = fn
}

// AfterWrite runs fn once the next successful commit has been answered.
func (s *Server) AfterWrite(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.afterWrite = fn
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) || s.injectFailure(w, "read") {
		return
	}
	s.mu.Lock()
	if s.missing {
		s.mu.Unlock()
		writeJSON(w, http.StatusNotFound, map[string]string{"message": "Not Found"})
		return
	}
	s.reads++
	path := chi.URLParam(r, "*")
	resp := map[string]any{
		"type":     "file",
		"encoding": "base64",
		"name":     path[strings.LastIndex(path, "/")+1:],
		"path":     path,
		"sha":      s.sha,
		"content":  wrap76(base64.StdEncoding.EncodeToString(s.content)),
	}
	hook := s.afterRead
	s.afterRead = nil
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
	if hook != nil {
		hook()
	}
}

func (s *Server) handleWrite(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) || s.injectFailure(w, "write") {
		return
	}
	var body struct {
		Message string `json:"message"`
		Content string `json:"content"`
		SHA     string `json:"sha"`
		Branch  string `json:"branch"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"message": "Problems parsing JSON"})
		return
	}
	data, err := base64.StdEncoding.DecodeString(body.Content)
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"message": "content is not valid Base64"})
		return
	}
	s.mu.Lock()
	if !s.missing && body.SHA != s.sha {
		current := s.sha
		s.mu.Unlock()
		writeJSON(w, http.StatusConflict, map[string]string{"message": fmt.Sprintf("%s does not match %s", chi.URLParam(r, "*"), current)})
		return
	}
	s.missing = false
	s.setContentLocked(data)
	commitSHA := blobSHA([]byte(fmt.Sprintf("commit %d %s %s", len(s.commits), body.Message, s.sha)))
	s.commits = append(s.commits, Commit{Message: body.Message, SHA: commitSHA, Content: data, Token: body.SHA})
	resp := map[string]any{
		"content": map[string]any{"sha": s.sha, "path": chi.URLParam(r, "*")},
		"commit":  map[string]any{"sha": commitSHA, "message": body.Message},
	}
	hook := s.afterWrite
	s.afterWrite = nil
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, resp)
	if hook != nil {
		hook()
	}
}

func (s *Server) handleBuilds(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) || s.injectFailure(w, "builds") {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buildPolls++
	if len(s.builds) == 0 {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	status := s.builds[0]
	if len(s.builds) > 1 {
		s.builds = s.builds[1:]
	}
	var commit string
	if n := len(s.commits); n > 0 {
		commit = s.commits[n-1].SHA
	}
	build := map[string]any{
		"status": status,
		"error":  map[string]any{"message": nil},
		"commit": commit,
	}
	if status == "errored" {
		build["error"] = map[string]any{"message": "Page build failed."}
	}
	writeJSON(w, http.StatusOK, []any{build})
}

func (s *Server) handleUser(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) || s.injectFailure(w, "user") {
		return
	}
	token := bearer(r)
	s.mu.Lock()
	login, ok := s.users[token]
	s.mu.Unlock()
	if !ok {
		login = "octocat"
	}
	writeJSON(w, http.StatusOK, map[string]any{"login": login, "name": login})
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.injectFailure(w, "token") {
		return
	}
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid_request"})
		return
	}
	s.mu.Lock()
	token, ok := s.codes[r.PostForm.Get("code")]
	s.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusOK, map[string]string{
			"error":             "bad_verification_code",
			"error_description": "The code passed is incorrect or expired.",
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": token,
		"token_type":   "bearer",
		"scope":        "repo",
	})
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	token := bearer(r)
	s.mu.Lock()
	_, known := s.users[token]
	strict := len(s.users) > 0
	s.mu.Unlock()
	if token == "" || (strict && !known) {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"message": "Bad credentials"})
		return false
	}
	return true
}

func (s *Server) injectFailure(w http.ResponseWriter, route string) bool {
	s.mu.Lock()
	queue := s.failures[route]
	if len(queue) == 0 {
		s.mu.Unlock()
		return false
	}
	status := queue[0]
	s.failures[route] = queue[1:]
	s.mu.Unlock()
	writeJSON(w, status, map[string]string{"message": http.StatusText(status)})
	return true
}

func (s *Server) setContentLocked(data []byte) {
	s.content = append([]byte(nil), data...)
	s.sha = blobSHA(s.content)
}

func blobSHA(data []byte) string {
	h := sha1.New()
	fmt.Fprintf(h, "blob %d\x00", len(data))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func bearer(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	for _, prefix := range []string{"Bearer ", "token "} {
		if strings.HasPrefix(header, prefix) {
			return strings.TrimSpace(strings.TrimPrefix(header, prefix))
		}
	}
	return ""
}

// wrap76 splits base64 output the way the contents API does.
func wrap76(s string) string {
	var b strings.Builder
	for len(s) > 76 {
		b.WriteString(s[:76])
		b.WriteByte('\n')
		s = s[76:]
	}
	b.WriteString(s)
	return b.String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
