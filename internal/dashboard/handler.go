// Package dashboard is the top-level HTTP handler: it routes to the JSON
// API, the event stream, Prometheus metrics, health checks and the embedded
// single-page dashboard.
package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"anomaly-lens/internal/api"
	"anomaly-lens/internal/capability"
	"anomaly-lens/internal/config"
	"anomaly-lens/internal/telemetry"
)

const (
	backendHealthTimeout = 5 * time.Second
	sseKeepalive         = 15 * time.Second
	indexFile            = "index.html"
)

// Handler serves everything the process exposes over HTTP.
type Handler struct {
	cfg         config.Config
	features    config.Features
	logger      *slog.Logger
	apiServer   *api.Server
	eventBus    *telemetry.EventBus
	metrics     *telemetry.Metrics
	health      capability.HealthChecker
	dashboardFS fs.FS
}

// Options are the optional collaborators of a Handler. Nil members disable
// the matching surface.
type Options struct {
	API      *api.Server
	Events   *telemetry.EventBus
	Metrics  *telemetry.Metrics
	Health   capability.HealthChecker
	Assets   fs.FS
	Logger   *slog.Logger
	Features config.Features
}

// NewHandler constructs the handler.
func NewHandler(cfg config.Config, opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:         cfg,
		features:    opts.Features,
		logger:      logger,
		apiServer:   opts.API,
		eventBus:    opts.Events,
		metrics:     opts.Metrics,
		health:      opts.Health,
		dashboardFS: opts.Assets,
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.features.API && h.apiServer != nil && h.apiServer.Handles(r.URL.Path) {
		h.setCORS(w)
		if r.Method == http.MethodOptions {
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		h.apiServer.ServeHTTP(w, r)
		return
	}

	switch {
	case h.features.Metrics && r.URL.Path == "/metrics" && r.Method == http.MethodGet:
		h.handleMetrics(w, r)
	case r.URL.Path == "/healthz":
		h.handleHealthz(w, r)
	case r.URL.Path == "/healthz/backend":
		h.handleHealthzBackend(w, r)
	case h.features.Events && r.URL.Path == "/events" && r.Method == http.MethodGet:
		h.handleSSEEvents(w, r)
	case h.features.Dashboard && r.Method == http.MethodGet && r.URL.Path == "/":
		http.Redirect(w, r, "/dashboard/", http.StatusFound)
	case h.features.Dashboard && r.Method == http.MethodGet && (r.URL.Path == "/dashboard" || strings.HasPrefix(r.URL.Path, "/dashboard/")):
		h.handleDashboard(w, r)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) setCORS(w http.ResponseWriter) {
	if h.cfg.CORSAllowOrigin != "" {
		w.Header().Set("Access-Control-Allow-Origin", h.cfg.CORSAllowOrigin)
	}
}

func (h *Handler) handleSSEEvents(w http.ResponseWriter, r *http.Request) {
	if h.eventBus == nil {
		http.Error(w, "event bus not available", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	h.setCORS(w)

	sub := h.eventBus.Subscribe()
	defer h.eventBus.Unsubscribe(sub)

	send := func(frame string) bool {
		if _, err := io.WriteString(w, frame); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}
	if !send(": connected\n\n") {
		return
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if !send(": ping\n\n") {
				return
			}
		case ev, open := <-sub:
			if !open {
				return
			}
			frame, err := telemetry.FormatSSEEvent(ev)
			if err != nil {
				h.logger.Debug("dropping unencodable event", "type", ev.Type, "err", err)
				continue
			}
			if !send(frame) {
				return
			}
		}
	}
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if h.metrics == nil {
		http.Error(w, "metrics not enabled", http.StatusServiceUnavailable)
		return
	}
	promhttp.Handler().ServeHTTP(w, r)
}

func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// BackendHealth is the body of /healthz/backend.
type BackendHealth struct {
	Healthy      bool   `json:"healthy"`
	LLMAvailable bool   `json:"llm_available"`
	CheckedAt    string `json:"last_check"`
	Error        string `json:"last_error,omitempty"`
}

// handleHealthzBackend asks the detection backend for its health. Unlike the
// capability probe the answer is never cached.
func (h *Handler) handleHealthzBackend(w http.ResponseWriter, r *http.Request) {
	resp := BackendHealth{Healthy: true}
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), backendHealthTimeout)
		llm, err := h.health.LLMAvailable(ctx)
		cancel()
		resp.LLMAvailable = llm
		if err != nil {
			resp.Healthy = false
			resp.Error = err.Error()
		}
	}
	resp.CheckedAt = time.Now().Format(time.RFC3339)

	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		h.logger.Debug("failed to write health response", "err", err)
	}
}

// handleDashboard serves the embedded single-page app.
func (h *Handler) handleDashboard(w http.ResponseWriter, r *http.Request) {
	if h.dashboardFS == nil {
		http.Error(w, "Dashboard assets not available", http.StatusServiceUnavailable)
		return
	}

	name := h.resolveAsset(strings.TrimPrefix(r.URL.Path, "/dashboard"))
	data, err := fs.ReadFile(h.dashboardFS, name)
	if err != nil {
		http.Error(w, "Dashboard not found", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", contentType(name))
	// index.html stays uncached so new builds are picked up.
	if !strings.HasSuffix(name, ".html") {
		w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	}
	http.ServeContent(w, r, name, time.Time{}, bytes.NewReader(data))
}

// resolveAsset maps a request path to a file in the asset FS. Directories
// resolve to their index.html; anything unknown resolves to the root
// index.html so client-side routes load the app.
func (h *Handler) resolveAsset(reqPath string) string {
	name := strings.Trim(path.Clean("/"+reqPath), "/")
	if name == "" {
		return indexFile
	}
	info, err := fs.Stat(h.dashboardFS, name)
	if err != nil {
		return indexFile
	}
	if info.IsDir() {
		idx := path.Join(name, indexFile)
		if _, err := fs.Stat(h.dashboardFS, idx); err == nil {
			return idx
		}
		return indexFile
	}
	return name
}

var contentTypes = map[string]string{
	".html": "text/html; charset=utf-8",
	".css":  "text/css; charset=utf-8",
	".js":   "application/javascript; charset=utf-8",
	".json": "application/json",
	".svg":  "image/svg+xml",
	".png":  "image/png",
	".ico":  "image/x-icon",
}

func contentType(name string) string {
	if ct, ok := contentTypes[path.Ext(name)]; ok {
		return ct
	}
	return "application/octet-stream"
}
