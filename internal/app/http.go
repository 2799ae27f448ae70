package app

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/cam3ron2/repo-insights/internal/apperr"
	"github.com/cam3ron2/repo-insights/internal/auth"
	"github.com/cam3ron2/repo-insights/internal/ghaccount"
	"github.com/cam3ron2/repo-insights/internal/linking"
	"github.com/cam3ron2/repo-insights/internal/live"
	"github.com/cam3ron2/repo-insights/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// AccountService is the GitHub connection surface used by the API.
type AccountService interface {
	ConnectURL(ctx context.Context, userID int64, returnTo string) (string, error)
	Callback(ctx context.Context, in ghaccount.CallbackInput) string
	Status(ctx context.Context, userID int64) (ghaccount.Status, error)
	Disconnect(ctx context.Context, userID int64) error
}

// LinkService is the link and snapshot surface used by the API.
type LinkService interface {
	Link(ctx context.Context, userID, projectID int64, input linking.LinkInput) (linking.LinkResult, error)
	ListLinks(ctx context.Context, userID, projectID int64) ([]linking.LinkView, error)
	Unlink(ctx context.Context, userID, projectID, linkID int64) error
	UpdateSyncSettings(ctx context.Context, userID, linkID int64, input linking.SyncSettingsInput) (store.Link, error)
	Analyse(ctx context.Context, userID, linkID int64) (store.Snapshot, error)
	ListSnapshots(ctx context.Context, userID, linkID int64) ([]store.SnapshotSummary, error)
	GetSnapshot(ctx context.Context, userID, snapshotID int64) (store.Snapshot, error)
	LatestSnapshot(ctx context.Context, userID, linkID int64) (store.Snapshot, error)
	MappingCoverage(ctx context.Context, userID, linkID int64) (linking.Coverage, error)
	ListRepos(ctx context.Context, userID int64) ([]store.Repository, error)
}

// LiveService is the live query surface used by the API.
type LiveService interface {
	Branches(ctx context.Context, userID, linkID int64) ([]live.BranchInfo, error)
	BranchCommits(ctx context.Context, userID, linkID int64, branch string, limit int) (live.BranchCommits, error)
	MyCommits(ctx context.Context, userID, linkID int64, page, perPage int, includeTotals bool) (live.MyCommits, error)
}

// HTTPRecorder receives one observation per served request.
type HTTPRecorder interface {
	ObserveHTTPRequest(route, method string, code int, duration time.Duration)
}

type nopHTTPRecorder struct{}

func (nopHTTPRecorder) ObserveHTTPRequest(string, string, int, time.Duration) {}

// RouterConfig wires the HTTP surface.
type RouterConfig struct {
	Accounts AccountService
	Links    LinkService
	Live     LiveService
	Verifier *auth.Verifier
	Metrics  http.Handler
	Health   http.Handler
	Recorder HTTPRecorder
	Logger   *zap.Logger
	// TraceMode follows telemetry.TraceMode; "off" disables handler spans.
	TraceMode string
}

type api struct {
	accounts AccountService
	links    LinkService
	live     LiveService
	logger   *zap.Logger
}

// NewRouter builds the service router: probes, /metrics and the
// authenticated /api surface.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = nopHTTPRecorder{}
	}
	h := &api{
		accounts: cfg.Accounts,
		links:    cfg.Links,
		live:     cfg.Live,
		logger:   logger,
	}
	traced := func(operation string, handler http.HandlerFunc) http.Handler {
		return wrapHTTPHandler(cfg.TraceMode, operation, handler)
	}

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(observeRequests(recorder))
	router.Use(middleware.Recoverer)

	router.Handle("/metrics", wrapHTTPHandler(cfg.TraceMode, "metrics", cfg.Metrics))
	router.Handle("/livez", wrapHTTPHandler(cfg.TraceMode, "livez", cfg.Health))
	router.Handle("/readyz", wrapHTTPHandler(cfg.TraceMode, "readyz", cfg.Health))
	router.Handle("/healthz", wrapHTTPHandler(cfg.TraceMode, "healthz", cfg.Health))

	router.Route("/api", func(r chi.Router) {
		// GitHub redirects the browser here without a bearer token; the signed
		// state identifies the user.
		r.Method(http.MethodGet, "/github/callback", traced("github.callback", h.githubCallback))

		r.Group(func(r chi.Router) {
			if cfg.Verifier != nil {
				r.Use(cfg.Verifier.Middleware(h.writeError))
			}

			r.Method(http.MethodGet, "/github/connect/url", traced("github.connect_url", h.githubConnectURL))
			r.Method(http.MethodGet, "/github/status", traced("github.status", h.githubStatus))
			r.Method(http.MethodDelete, "/github/disconnect", traced("github.disconnect", h.githubDisconnect))
			r.Method(http.MethodGet, "/github/repos", traced("github.repos", h.githubRepos))

			r.Method(http.MethodPost, "/projects/{projectId}/github/link", traced("links.create", h.createLink))
			r.Method(http.MethodGet, "/projects/{projectId}/github/links", traced("links.list", h.listLinks))
			r.Method(http.MethodDelete, "/projects/{projectId}/github/links/{linkId}", traced("links.delete", h.deleteLink))

			r.Route("/links/{linkId}", func(r chi.Router) {
				r.Method(http.MethodPost, "/analyse", traced("links.analyse", h.analyse))
				r.Method(http.MethodGet, "/snapshots", traced("snapshots.list", h.listSnapshots))
				r.Method(http.MethodGet, "/snapshots/latest", traced("snapshots.latest", h.latestSnapshot))
				r.Method(http.MethodGet, "/mapping-coverage", traced("links.mapping_coverage", h.mappingCoverage))
				r.Method(http.MethodPatch, "/sync-settings", traced("links.sync_settings", h.updateSyncSettings))
				r.Method(http.MethodGet, "/live/branches", traced("live.branches", h.liveBranches))
				r.Method(http.MethodGet, "/live/branches/{branch}/commits", traced("live.branch_commits", h.liveBranchCommits))
				r.Method(http.MethodGet, "/live/my-commits", traced("live.my_commits", h.liveMyCommits))
			})
			r.Method(http.MethodGet, "/snapshots/{snapshotId}", traced("snapshots.get", h.getSnapshot))
		})
	})

	return router
}

// observeRequests records per-route request counts and latency. The route
// pattern is only known once chi has routed the request.
func observeRequests(recorder HTTPRecorder) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			started := time.Now()
			captured := &statusCapturingResponseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(captured, r)

			route := ""
			if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
				route = routeCtx.RoutePattern()
			}
			recorder.ObserveHTTPRequest(route, r.Method, captured.status, time.Since(started))
		})
	}
}

func wrapHTTPHandler(traceMode, route string, handler http.Handler) http.Handler {
	if handler == nil {
		handler = http.NotFoundHandler()
	}
	if strings.EqualFold(strings.TrimSpace(traceMode), "off") {
		return handler
	}

	operation := strings.TrimSpace(route)
	if operation == "" {
		operation = "handler"
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, span := otel.Tracer("repo-insights/internal/app").Start(
			r.Context(),
			"http.server."+operation,
			trace.WithAttributes(
				attribute.String("http.method", r.Method),
				attribute.String("http.target", r.URL.Path),
			),
		)
		defer span.End()

		recorder := &statusCapturingResponseWriter{
			ResponseWriter: w,
			status:         http.StatusOK,
		}
		handler.ServeHTTP(recorder, r.WithContext(ctx))
		span.SetAttributes(attribute.Int("http.status_code", recorder.status))
		if recorder.status >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, http.StatusText(recorder.status))
			return
		}
		span.SetStatus(codes.Ok, "request completed")
	})
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if !w.wroteHeader {
		w.status = statusCode
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(body []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(body)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	//nolint:gosec // Response payloads are server-generated JSON.
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return
	}
}

// writeError maps domain errors to their status; anything untyped is an
// internal error and is logged rather than echoed.
func (h *api) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var domainErr *apperr.Error
	if errors.As(err, &domainErr) {
		status := domainErr.Status()
		if status >= http.StatusInternalServerError {
			h.logger.Warn("request failed upstream", zap.String("path", r.URL.Path), zap.Error(err))
		}
		writeJSON(w, status, errorBody{Error: domainErr.Error(), Kind: string(domainErr.Kind)})
		return
	}
	if errors.Is(err, context.Canceled) {
		h.logger.Debug("request canceled", zap.String("path", r.URL.Path))
	} else {
		h.logger.Error("request failed", zap.String("method", r.Method), zap.String("path", r.URL.Path), zap.Error(err))
	}
	writeJSON(w, http.StatusInternalServerError, errorBody{Error: "internal server error"})
}
