package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/simerusm/quickdeploy/internal/claim"
	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/queue"
	"github.com/simerusm/quickdeploy/internal/repository/memory"
	"github.com/simerusm/quickdeploy/internal/service/deploy"
	"github.com/simerusm/quickdeploy/internal/service/project"
	"github.com/simerusm/quickdeploy/internal/ws"
)

type fakeTeardown struct {
	mu  sync.Mutex
	ids []string
}

func (f *fakeTeardown) Teardown(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, id)
	return nil
}

type testEnv struct {
	router   *Router
	queue    *queue.Memory
	teardown *fakeTeardown
	hub      *ws.Hub
}

func newTestRouter(t *testing.T, opts Options) testEnv {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := memory.New()
	q := queue.NewMemory()
	td := &fakeTeardown{}
	deploySvc := deploy.New(store, q, claim.NewMemory(time.Minute), td, logger, "")
	projectSvc := project.New(store, deploySvc, logger)
	if opts.Hub == nil {
		opts.Hub = ws.NewHub()
	}
	r := NewRouter(logger, deploySvc, projectSvc, opts)
	t.Cleanup(r.Close)
	return testEnv{router: r, queue: q, teardown: td, hub: opts.Hub}
}

func (e testEnv) do(method, target, contentType, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e testEnv) createDeployment(t *testing.T) domain.Deployment {
	t.Helper()
	rec := e.do(http.MethodPost, "/deploy", "application/json", `{"repository":"https://github.com/example/app.git","branch":"main"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var d domain.Deployment
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatalf("decode deployment: %v", err)
	}
	return d
}

func TestDeployJSONCreatesQueuedDeployment(t *testing.T) {
	env := newTestRouter(t, Options{})
	d := env.createDeployment(t)
	if d.ID == "" || d.Status != domain.StatusQueued {
		t.Fatalf("unexpected deployment %+v", d)
	}
	if env.queue.Len() != 1 {
		t.Fatalf("expected one queued job, got %d", env.queue.Len())
	}

	rec := env.do(http.MethodGet, "/deployments/"+d.ID, "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	rec = env.do(http.MethodGet, "/deployments", "", "")
	var list []domain.Deployment
	if err := json.NewDecoder(rec.Body).Decode(&list); err != nil || len(list) != 1 {
		t.Fatalf("unexpected list %v err=%v", list, err)
	}
}

func TestDeployFormRedirectsToDetail(t *testing.T) {
	env := newTestRouter(t, Options{})
	form := url.Values{"repository": {"https://github.com/example/app.git"}, "branch": {"main"}, "commit_hash": {"HEAD"}}
	rec := env.do(http.MethodPost, "/deploy", "application/x-www-form-urlencoded", form.Encode())
	if rec.Code != http.StatusSeeOther {
		t.Fatalf("expected 303, got %d: %s", rec.Code, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); !strings.HasPrefix(loc, "/deployments/") || len(loc) <= len("/deployments/") {
		t.Fatalf("unexpected location %q", loc)
	}
}

func TestDeployRejectsInvalidInput(t *testing.T) {
	env := newTestRouter(t, Options{})
	rec := env.do(http.MethodPost, "/deploy", "application/json", `{"repository":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	rec = env.do(http.MethodPost, "/deploy", "application/json", `{"repository":"https://github.com/example/app.git","commit_hash":"zzz"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad commit, got %d", rec.Code)
	}
	if env.queue.Len() != 0 {
		t.Fatalf("nothing should be queued")
	}
	rec = env.do(http.MethodGet, "/deploy", "", "")
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestGetUnknownDeploymentIs404(t *testing.T) {
	env := newTestRouter(t, Options{})
	rec := env.do(http.MethodGet, "/deployments/missing", "", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestDeleteDeployment(t *testing.T) {
	env := newTestRouter(t, Options{})
	rec := env.do(http.MethodDelete, "/api/deployments/missing", "", "")
	var resp deleteResponse
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if rec.Code != http.StatusNotFound || resp.Success {
		t.Fatalf("expected 404 success=false, got %d %+v", rec.Code, resp)
	}

	d := env.createDeployment(t)
	rec = env.do(http.MethodDelete, "/api/deployments/"+d.ID, "", "")
	resp = deleteResponse{}
	_ = json.NewDecoder(rec.Body).Decode(&resp)
	if rec.Code != http.StatusOK || !resp.Success {
		t.Fatalf("expected success, got %d %+v", rec.Code, resp)
	}
	if len(env.teardown.ids) != 1 || env.teardown.ids[0] != d.ID {
		t.Fatalf("expected teardown of %s, got %v", d.ID, env.teardown.ids)
	}
	if rec := env.do(http.MethodGet, "/deployments/"+d.ID, "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected record removed, got %d", rec.Code)
	}
}

func TestRefreshSignalsChanges(t *testing.T) {
	env := newTestRouter(t, Options{})
	refresh := func() bool {
		rec := env.do(http.MethodGet, "/api/deployments/refresh", "", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body map[string]bool
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body["success"]
	}
	if refresh() {
		t.Fatalf("first poll should not report a change")
	}
	if refresh() {
		t.Fatalf("no change expected")
	}
	env.createDeployment(t)
	if !refresh() {
		t.Fatalf("expected change after create")
	}
}

func TestRefreshTracksClientsIndependently(t *testing.T) {
	env := newTestRouter(t, Options{})
	poll := func(target string, cookie *http.Cookie) bool {
		req := httptest.NewRequest(http.MethodGet, target, nil)
		if cookie != nil {
			req.AddCookie(cookie)
		}
		rec := httptest.NewRecorder()
		env.router.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var body map[string]bool
		if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
			t.Fatalf("decode: %v", err)
		}
		return body["success"]
	}
	tabA := "/api/deployments/refresh?client_id=tab-a"
	tabB := "/api/deployments/refresh?client_id=tab-b"
	browser := &http.Cookie{Name: RefreshClientCookie, Value: "browser-1"}

	poll(tabA, nil)
	poll(tabB, nil)
	poll("/api/deployments/refresh", browser)
	env.createDeployment(t)

	if !poll(tabA, nil) {
		t.Fatal("tab a should see the change")
	}
	if !poll(tabB, nil) {
		t.Fatal("tab b should still see the change after tab a polled")
	}
	if !poll("/api/deployments/refresh", browser) {
		t.Fatal("cookie client should see the change")
	}
	if poll(tabA, nil) {
		t.Fatal("tab a already consumed the change")
	}
}

func TestDeployIsRateLimited(t *testing.T) {
	env := newTestRouter(t, Options{RateLimit: 2, RateWindow: time.Minute})
	body := `{"repository":"https://github.com/example/app.git"}`
	for i := 0; i < 2; i++ {
		if rec := env.do(http.MethodPost, "/deploy", "application/json", body); rec.Code != http.StatusCreated {
			t.Fatalf("request %d: expected 201, got %d", i, rec.Code)
		}
	}
	rec := env.do(http.MethodPost, "/deploy", "application/json", body)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rec.Code)
	}
	if rec.Header().Get("X-RateLimit-Remaining") != "0" {
		t.Fatalf("expected remaining 0, got %q", rec.Header().Get("X-RateLimit-Remaining"))
	}
	if env.queue.Len() != 2 {
		t.Fatalf("rejected request must not enqueue, got %d", env.queue.Len())
	}
}

func TestProjectsLifecycle(t *testing.T) {
	env := newTestRouter(t, Options{})
	rec := env.do(http.MethodPost, "/projects", "application/json", `{"name":"shop","repository_url":"https://github.com/example/shop.git"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var proj domain.Project
	if err := json.NewDecoder(rec.Body).Decode(&proj); err != nil {
		t.Fatalf("decode project: %v", err)
	}

	if rec := env.do(http.MethodGet, "/projects/"+proj.ID, "", ""); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := env.do(http.MethodGet, "/projects/missing", "", ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}

	rec = env.do(http.MethodPost, "/projects/"+proj.ID+"/deploy", "", "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var d domain.Deployment
	if err := json.NewDecoder(rec.Body).Decode(&d); err != nil {
		t.Fatalf("decode deployment: %v", err)
	}
	if d.ProjectID != proj.ID || d.Repository != proj.RepositoryURL || d.Branch != "main" {
		t.Fatalf("unexpected deployment %+v", d)
	}

	rec = env.do(http.MethodPost, "/projects", "application/json", `{"repository_url":"https://github.com/example/shop.git"}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing name, got %d", rec.Code)
	}
}

func TestHealthzReportsDegradedComponents(t *testing.T) {
	env := newTestRouter(t, Options{Health: map[string]HealthCheck{
		"store":  func(context.Context) error { return nil },
		"docker": func(context.Context) error { return errors.New("daemon unreachable") },
	}})
	rec := env.do(http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
	var body struct {
		Status     string                    `json:"status"`
		Components map[string]map[string]any `json:"components"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Status != "degraded" || body.Components["docker"]["status"] != "down" || body.Components["store"]["status"] != "up" {
		t.Fatalf("unexpected health %+v", body)
	}
}

func TestStreamDeliversLatestSnapshot(t *testing.T) {
	env := newTestRouter(t, Options{})
	env.hub.Broadcast(ws.DeploymentsTopic, []byte(`{"type":"deployments"}`))
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/api/deployments/stream", nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(msg) != `{"type":"deployments"}` {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestEventsStreamsSnapshots(t *testing.T) {
	env := newTestRouter(t, Options{})
	env.hub.Broadcast(ws.DeploymentsTopic, []byte(`{"type":"deployments"}`))
	srv := httptest.NewServer(env.router)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/api/deployments/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}
	reader := bufio.NewReader(resp.Body)
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if strings.HasPrefix(line, "data: ") {
			if strings.TrimSpace(strings.TrimPrefix(line, "data: ")) != `{"type":"deployments"}` {
				t.Fatalf("unexpected frame %q", line)
			}
			return
		}
	}
}

func TestMemoryRateLimiterWindow(t *testing.T) {
	rl := NewMemoryRateLimiter().(*memoryRateLimiter)
	defer rl.Close()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	if !rl.Allow("k", 1, time.Minute).allowed {
		t.Fatalf("first request should pass")
	}
	if rl.Allow("k", 1, time.Minute).allowed {
		t.Fatalf("second request should be limited")
	}
	now = now.Add(2 * time.Minute)
	if !rl.Allow("k", 1, time.Minute).allowed {
		t.Fatalf("new window should reset the count")
	}
	rl.cleanup(now.Add(time.Hour))
	if len(rl.entries) != 0 {
		t.Fatalf("expected expired entries swept")
	}
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	if got := clientIP(req); got != "10.0.0.1" {
		t.Fatalf("unexpected ip %q", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientIP(req); got != "203.0.113.7" {
		t.Fatalf("unexpected forwarded ip %q", got)
	}
}
