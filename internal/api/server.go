// Package api provides the versioned JSON API behind the dashboard.
// All endpoints are under /api/v1.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"anomaly-lens/internal/capability"
	"anomaly-lens/internal/config"
	"anomaly-lens/internal/controller"
	"anomaly-lens/internal/detect"
	"anomaly-lens/internal/explain"
	"anomaly-lens/internal/ollama"
	"anomaly-lens/internal/storage"
)

const (
	// APIPrefix is the base path for all API endpoints.
	APIPrefix = "/api/v1"

	// Cache duration for overview responses (prevents refresh storms).
	overviewCacheDuration = 2 * time.Second

	maxRequestBody = 64 * 1024
)

// Orchestrator is the controller surface the API drives.
type Orchestrator interface {
	Snapshot() controller.View
	Points() []detect.Point
	SetPreferLLM(ctx context.Context, prefer bool) (uint64, bool)
	Refresh(ctx context.Context, force detect.Mode) uint64
}

// Explanations is the explanation selection surface.
type Explanations interface {
	Select(ctx context.Context, key string) uint64
	Clear()
	Current() explain.Selection
}

// Analyzer produces model-written analyses of a point.
type Analyzer interface {
	Analyze(ctx context.Context, points []detect.Point, key string) (ollama.Analysis, error)
	Model() string
}

// CapabilityReporter exposes the cached LLM capability.
type CapabilityReporter interface {
	State() capability.State
}

// Deps are the components the API serves. Analyst and Store may be nil.
type Deps struct {
	Controller Orchestrator
	Explainer  Explanations
	Analyst    Analyzer
	Capability CapabilityReporter
	Store      storage.Store
}

// Server handles API requests.
type Server struct {
	deps   Deps
	cfg    config.Config
	logger *slog.Logger

	overviewCache   map[string]*cachedOverview
	overviewCacheMu sync.RWMutex
}

type cachedOverview struct {
	data      *OverviewResponse
	expiresAt time.Time
}

// NewServer creates a new API server.
func NewServer(deps Deps, cfg config.Config, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:          deps,
		cfg:           cfg,
		logger:        logger,
		overviewCache: make(map[string]*cachedOverview),
	}
}

// ServeHTTP handles API requests.
// It expects paths starting with /api/v1/.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, APIPrefix)
	if path == r.URL.Path {
		http.NotFound(w, r)
		return
	}

	switch {
	case path == "/view" && r.Method == http.MethodGet:
		s.handleView(w, r)
	case path == "/mode" && r.Method == http.MethodPost:
		s.handleSetMode(w, r)
	case path == "/refresh" && r.Method == http.MethodPost:
		s.handleRefresh(w, r)
	case path == "/capability" && r.Method == http.MethodGet:
		s.handleCapability(w, r)
	case path == "/selection":
		s.handleSelection(w, r)
	case path == "/analysis" && r.Method == http.MethodPost:
		s.handleAnalysis(w, r)
	case path == "/cycles" && r.Method == http.MethodGet:
		s.handleListCycles(w, r)
	case strings.HasPrefix(path, "/cycles/") && r.Method == http.MethodGet:
		s.handleGetCycle(w, r, strings.TrimPrefix(path, "/cycles/"))
	case path == "/overview" && r.Method == http.MethodGet:
		s.handleOverview(w, r)
	case path == "/series" && r.Method == http.MethodGet:
		s.handleSeries(w, r)
	case path == "/config" && r.Method == http.MethodGet:
		s.handleConfig(w, r)
	default:
		http.NotFound(w, r)
	}
}

// Handles reports whether path belongs to the API.
func (s *Server) Handles(path string) bool {
	return path == APIPrefix || strings.HasPrefix(path, APIPrefix+"/")
}

// Helper functions

func (s *Server) writeJSON(w http.ResponseWriter, data any) {
	s.writeJSONStatus(w, http.StatusOK, data)
}

func (s *Server) writeJSONStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// decodeBody reads a small JSON body into dst. Unknown fields are rejected.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func parseWindow(r *http.Request) time.Duration {
	w := r.URL.Query().Get("window")
	switch w {
	case "1h":
		return time.Hour
	case "7d":
		return 7 * 24 * time.Hour
	case "24h", "":
		return 24 * time.Hour
	default:
		if d, err := time.ParseDuration(w); err == nil && d > 0 {
			return d
		}
		return 24 * time.Hour
	}
}

// parseInt reads a non-negative decimal. Anything else, including values
// that overflow int, yields def.
func parseInt(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
