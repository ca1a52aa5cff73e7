package httpx

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/simerusm/quickdeploy/internal/domain"
	"github.com/simerusm/quickdeploy/internal/service/deploy"
	"github.com/simerusm/quickdeploy/internal/service/project"
	"github.com/simerusm/quickdeploy/internal/ws"
)

// DeploymentService is the orchestrator surface the router needs.
type DeploymentService interface {
	Create(ctx context.Context, input deploy.CreateInput) (*domain.Deployment, error)
	Get(ctx context.Context, id string) (*domain.Deployment, error)
	List(ctx context.Context) ([]domain.Deployment, error)
	Delete(ctx context.Context, id string) error
	Refresh(ctx context.Context, caller string) (bool, error)
}

// ProjectService manages saved repositories.
type ProjectService interface {
	Create(ctx context.Context, input project.CreateInput) (*domain.Project, error)
	List(ctx context.Context) ([]domain.Project, error)
	Get(ctx context.Context, id string) (*domain.Project, error)
	Deploy(ctx context.Context, projectID, commitHash string) (*domain.Deployment, error)
}

// HealthCheck probes one dependency.
type HealthCheck func(ctx context.Context) error

// Options tunes optional router behavior.
type Options struct {
	Limiter    RateLimiter
	RateLimit  int
	RateWindow time.Duration
	Hub        *ws.Hub
	Health     map[string]HealthCheck
}

// Router wires HTTP endpoints to services.
type Router struct {
	mux         *http.ServeMux
	logger      *slog.Logger
	deployments DeploymentService
	projects    ProjectService
	upgrader    websocket.Upgrader
	limiter     RateLimiter
	rateLimit   int
	rateWindow  time.Duration
	hub         *ws.Hub
	health      map[string]HealthCheck
	metrics     *requestMetrics
}

const (
	healthCheckTimeout = 2 * time.Second
	sseHeartbeat       = 15 * time.Second
	maxBodyBytes       = 1 << 20
)

// NewRouter assembles routes with dependencies. A nil limiter means an
// in-memory one.
func NewRouter(logger *slog.Logger, deployments DeploymentService, projects ProjectService, opts Options) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mux:         http.NewServeMux(),
		logger:      logger,
		deployments: deployments,
		projects:    projects,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		limiter:    opts.Limiter,
		rateLimit:  opts.RateLimit,
		rateWindow: opts.RateWindow,
		hub:        opts.Hub,
		health:     opts.Health,
		metrics:    newRequestMetrics("api"),
	}
	if r.limiter == nil {
		r.limiter = NewMemoryRateLimiter()
	}
	if r.rateWindow <= 0 {
		r.rateWindow = time.Minute
	}
	r.register()
	return r
}

// ServeHTTP delegates to underlying mux.
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mux.ServeHTTP(w, req)
}

// Close releases background resources.
func (r *Router) Close() {
	if r.limiter != nil {
		r.limiter.Close()
	}
}

func (r *Router) register() {
	r.mux.Handle("/metrics", promhttp.Handler())
	r.mux.HandleFunc("/healthz", r.audit("/healthz", healthHandler(r.health)))
	r.mux.HandleFunc("/deploy", r.audit("/deploy", r.withRateLimit("/deploy", r.handleDeploy)))
	r.mux.HandleFunc("/deployments", r.audit("/deployments", r.handleDeployments))
	r.mux.HandleFunc("/deployments/", r.audit("/deployments/:id", r.handleDeployment))
	r.mux.HandleFunc("/api/deployments/refresh", r.audit("/api/deployments/refresh", r.handleRefresh))
	r.mux.HandleFunc("/api/deployments/stream", r.audit("/api/deployments/stream", r.handleStream))
	r.mux.HandleFunc("/api/deployments/events", r.audit("/api/deployments/events", r.handleEvents))
	r.mux.HandleFunc("/api/deployments/", r.audit("/api/deployments/:id", r.handleDeleteDeployment))
	r.mux.HandleFunc("/projects", r.audit("/projects", r.handleProjects))
	r.mux.HandleFunc("/projects/", r.audit("/projects/:id", r.handleProjectSubroutes))
}

type deployRequest struct {
	Repository string `json:"repository"`
	Branch     string `json:"branch"`
	CommitHash string `json:"commit_hash"`
}

// handleDeploy accepts JSON (201 with the record) or a form post (303 to the
// detail page).
func (r *Router) handleDeploy(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
	form := !isJSON(req)
	var payload deployRequest
	if form {
		if err := req.ParseForm(); err != nil {
			writeError(w, http.StatusBadRequest, "invalid form body")
			return
		}
		payload = deployRequest{
			Repository: req.PostForm.Get("repository"),
			Branch:     req.PostForm.Get("branch"),
			CommitHash: req.PostForm.Get("commit_hash"),
		}
	} else if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	deployment, err := r.deployments.Create(req.Context(), deploy.CreateInput{
		Repository: payload.Repository,
		Branch:     payload.Branch,
		CommitHash: payload.CommitHash,
	})
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	if form {
		http.Redirect(w, req, "/deployments/"+deployment.ID, http.StatusSeeOther)
		return
	}
	writeJSON(w, http.StatusCreated, deployment)
}

func (r *Router) handleDeployments(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployments, err := r.deployments.List(req.Context())
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	if deployments == nil {
		deployments = []domain.Deployment{}
	}
	writeJSON(w, http.StatusOK, deployments)
}

func (r *Router) handleDeployment(w http.ResponseWriter, req *http.Request) {
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/deployments/"), "/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	deployment, err := r.deployments.Get(req.Context(), id)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, deployment)
}

type deleteResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

func (r *Router) handleDeleteDeployment(w http.ResponseWriter, req *http.Request) {
	id := strings.Trim(strings.TrimPrefix(req.URL.Path, "/api/deployments/"), "/")
	if id == "" || strings.Contains(id, "/") {
		r.notFound(w)
		return
	}
	if req.Method != http.MethodDelete {
		r.methodNotAllowed(w)
		return
	}
	err := r.deployments.Delete(req.Context(), id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, deleteResponse{Success: true, Message: "deployment deleted"})
	case errors.Is(err, domain.ErrNotFound):
		writeJSON(w, http.StatusNotFound, deleteResponse{Success: false, Message: "deployment not found"})
	default:
		r.logger.Error("delete deployment failed", "deployment_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, deleteResponse{Success: false, Message: err.Error()})
	}
}

func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	changed, err := r.deployments.Refresh(req.Context(), refreshCaller(req))
	if err != nil {
		r.logger.Error("refresh check failed", "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]bool{"success": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": changed})
}

// RefreshClientCookie identifies a browser to the refresh endpoint when the
// client_id query parameter is absent.
const RefreshClientCookie = "quickdeploy_client"

const maxClientIDLen = 128

// refreshCaller keys change tracking by client_id, then the client cookie,
// then the client IP.
func refreshCaller(req *http.Request) string {
	if id := strings.TrimSpace(req.URL.Query().Get("client_id")); id != "" && len(id) <= maxClientIDLen {
		return "client:" + id
	}
	if c, err := req.Cookie(RefreshClientCookie); err == nil && c.Value != "" && len(c.Value) <= maxClientIDLen {
		return "client:" + c.Value
	}
	return rateLimitKeyIP(req)
}

func (r *Router) handleStream(w http.ResponseWriter, req *http.Request) {
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream disabled")
		return
	}
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.logger.Error("websocket upgrade failed", "error", err)
		return
	}
	client := ws.NewClient(conn, r.logger)
	r.hub.Register(ws.DeploymentsTopic, client)
	go func() {
		defer func() {
			r.hub.Unregister(ws.DeploymentsTopic, client)
			client.Close()
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()
}

func (r *Router) handleEvents(w http.ResponseWriter, req *http.Request) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	if r.hub == nil {
		writeError(w, http.StatusServiceUnavailable, "live stream disabled")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	headers := w.Header()
	headers.Set("Content-Type", "text/event-stream")
	headers.Set("Cache-Control", "no-cache")
	headers.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	client := ws.NewSSEClient(w, flusher, ws.DeploymentsTopic, r.logger)
	r.hub.Register(ws.DeploymentsTopic, client)
	defer r.hub.Unregister(ws.DeploymentsTopic, client)
	client.Wait(req.Context(), sseHeartbeat)
}

func (r *Router) handleProjects(w http.ResponseWriter, req *http.Request) {
	switch req.Method {
	case http.MethodGet:
		projects, err := r.projects.List(req.Context())
		if err != nil {
			writeServiceError(w, r.logger, err)
			return
		}
		if projects == nil {
			projects = []domain.Project{}
		}
		writeJSON(w, http.StatusOK, projects)
	case http.MethodPost:
		req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
		var payload project.CreateInput
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		proj, err := r.projects.Create(req.Context(), payload)
		if err != nil {
			writeServiceError(w, r.logger, err)
			return
		}
		writeJSON(w, http.StatusCreated, proj)
	default:
		r.methodNotAllowed(w)
	}
}

func (r *Router) handleProjectSubroutes(w http.ResponseWriter, req *http.Request) {
	trimmed := strings.Trim(strings.TrimPrefix(req.URL.Path, "/projects/"), "/")
	parts := strings.Split(trimmed, "/")
	projectID := parts[0]
	if projectID == "" {
		r.notFound(w)
		return
	}
	switch {
	case len(parts) == 1:
		r.handleProject(w, req, projectID)
	case len(parts) == 2 && parts[1] == "deploy":
		r.withRateLimit("/projects/:id/deploy", func(w http.ResponseWriter, req *http.Request) {
			r.handleProjectDeploy(w, req, projectID)
		})(w, req)
	default:
		r.notFound(w)
	}
}

func (r *Router) handleProject(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodGet {
		r.methodNotAllowed(w)
		return
	}
	proj, err := r.projects.Get(req.Context(), projectID)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusOK, proj)
}

func (r *Router) handleProjectDeploy(w http.ResponseWriter, req *http.Request, projectID string) {
	if req.Method != http.MethodPost {
		r.methodNotAllowed(w)
		return
	}
	var payload struct {
		CommitHash string `json:"commit_hash"`
	}
	if req.ContentLength != 0 {
		req.Body = http.MaxBytesReader(w, req.Body, maxBodyBytes)
		if err := json.NewDecoder(req.Body).Decode(&payload); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	deployment, err := r.projects.Deploy(req.Context(), projectID, payload.CommitHash)
	if err != nil {
		writeServiceError(w, r.logger, err)
		return
	}
	writeJSON(w, http.StatusCreated, deployment)
}

// healthHandler reports each named check; any failure answers 503.
func healthHandler(checks map[string]HealthCheck) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if req.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		components := make(map[string]any, len(checks))
		status := "ok"
		for name, check := range checks {
			ctx, cancel := context.WithTimeout(req.Context(), healthCheckTimeout)
			err := check(ctx)
			cancel()
			if err != nil {
				status = "degraded"
				components[name] = map[string]any{
					"status": "down",
					"error":  err.Error(),
				}
				continue
			}
			components[name] = map[string]any{"status": "up"}
		}
		payload := map[string]any{
			"status":     status,
			"components": components,
			"timestamp":  time.Now().UTC().Format(time.RFC3339Nano),
		}
		code := http.StatusOK
		if status != "ok" {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, payload)
	}
}

func (r *Router) audit(route string, next http.HandlerFunc) http.HandlerFunc {
	return auditHandler(r.logger, r.metrics, route, next)
}

func auditHandler(logger *slog.Logger, metrics *requestMetrics, route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w}
		start := time.Now()
		next(recorder, req)

		status := recorder.status
		if status == 0 {
			status = http.StatusOK
		}
		duration := time.Since(start)
		metrics.request(req.Method, route, status, duration)
		fields := []any{
			"method", req.Method,
			"path", req.URL.Path,
			"status", status,
			"bytes", recorder.bytes,
			"duration_ms", duration.Milliseconds(),
		}
		if ip := clientIP(req); ip != "" {
			fields = append(fields, "ip", ip)
		}
		if reqID := strings.TrimSpace(req.Header.Get("X-Request-ID")); reqID != "" {
			fields = append(fields, "request_id", reqID)
		}

		switch {
		case status >= http.StatusInternalServerError:
			logger.Error("http_request", fields...)
		case status >= http.StatusBadRequest:
			logger.Warn("http_request", fields...)
		default:
			logger.Debug("http_request", fields...)
		}
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (sr *statusRecorder) WriteHeader(code int) {
	if sr.status == 0 {
		sr.status = code
	}
	sr.ResponseWriter.WriteHeader(code)
}

func (sr *statusRecorder) Write(b []byte) (int, error) {
	if sr.status == 0 {
		sr.status = http.StatusOK
	}
	n, err := sr.ResponseWriter.Write(b)
	sr.bytes += n
	return n, err
}

func (sr *statusRecorder) Flush() {
	if f, ok := sr.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (sr *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sr.ResponseWriter.(http.Hijacker); ok {
		if sr.status == 0 {
			sr.status = http.StatusSwitchingProtocols
		}
		return h.Hijack()
	}
	return nil, nil, errors.New("hijacker not supported")
}

func (sr *statusRecorder) Push(target string, opts *http.PushOptions) error {
	if p, ok := sr.ResponseWriter.(http.Pusher); ok {
		return p.Push(target, opts)
	}
	return http.ErrNotSupported
}

func clientIP(req *http.Request) string {
	if forwarded := strings.TrimSpace(req.Header.Get("X-Forwarded-For")); forwarded != "" {
		parts := strings.Split(forwarded, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(strings.TrimSpace(req.RemoteAddr))
	if err != nil {
		return strings.TrimSpace(req.RemoteAddr)
	}
	return host
}

func isJSON(req *http.Request) bool {
	return strings.HasPrefix(strings.ToLower(req.Header.Get("Content-Type")), "application/json")
}

func applyRateHeaders(w http.ResponseWriter, limit int, decision rateDecision) {
	if limit <= 0 {
		return
	}
	remaining := limit - decision.count
	if remaining < 0 {
		remaining = 0
	}
	headers := w.Header()
	headers.Set("X-RateLimit-Limit", strconv.Itoa(limit))
	headers.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	if !decision.windowEnd.IsZero() {
		headers.Set("X-RateLimit-Reset", strconv.FormatInt(decision.windowEnd.Unix(), 10))
	}
}

func (r *Router) methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func (r *Router) notFound(w http.ResponseWriter) {
	writeError(w, http.StatusNotFound, "not found")
}
