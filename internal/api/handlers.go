package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"anomaly-lens/internal/capability"
	"anomaly-lens/internal/detect"
	"anomaly-lens/internal/ollama"
	"anomaly-lens/internal/storage"
)

// handleView returns the current orchestration view.
// GET /api/v1/view
func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.deps.Controller.Snapshot())
}

// ModeRequest toggles the LLM preference.
type ModeRequest struct {
	PreferLLM *bool `json:"prefer_llm"`
}

// ModeResponse reports whether the toggle started a new cycle.
type ModeResponse struct {
	Changed    bool   `json:"changed"`
	Generation uint64 `json:"generation"`
}

// handleSetMode flips the LLM preference.
// POST /api/v1/mode {"prefer_llm": true}
func (s *Server) handleSetMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.PreferLLM == nil {
		s.writeError(w, http.StatusBadRequest, "prefer_llm is required")
		return
	}

	gen, changed := s.deps.Controller.SetPreferLLM(r.Context(), *req.PreferLLM)
	code := http.StatusOK
	if changed {
		code = http.StatusAccepted
	}
	s.writeJSONStatus(w, code, ModeResponse{
		Changed:    changed,
		Generation: gen,
	})
}

// RefreshResponse carries the generation of the started cycle.
type RefreshResponse struct {
	Generation uint64 `json:"generation"`
}

// handleRefresh starts a new fetch cycle. An explicit mode bypasses the
// capability check.
// POST /api/v1/refresh?mode=llm|baseline|legacy
func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var force detect.Mode
	if m := r.URL.Query().Get("mode"); m != "" {
		parsed, err := detect.ParseMode(m)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		force = parsed
	}

	gen := s.deps.Controller.Refresh(r.Context(), force)
	s.writeJSONStatus(w, http.StatusAccepted, RefreshResponse{Generation: gen})
}

// CapabilityResponse describes the cached LLM capability.
type CapabilityResponse struct {
	State     capability.State `json:"state"`
	PreferLLM bool             `json:"prefer_llm"`
	Mode      detect.Mode      `json:"mode,omitempty"`
}

// handleCapability returns the cached probe state. It never triggers a probe.
// GET /api/v1/capability
func (s *Server) handleCapability(w http.ResponseWriter, r *http.Request) {
	view := s.deps.Controller.Snapshot()
	resp := CapabilityResponse{PreferLLM: view.PreferLLM, Mode: view.Mode}
	if s.deps.Capability != nil {
		resp.State = s.deps.Capability.State()
	}
	s.writeJSON(w, resp)
}

// SelectionRequest picks an anomaly to explain.
type SelectionRequest struct {
	Key string `json:"key"`
}

// SelectionResponse carries the token of the started fetch.
type SelectionResponse struct {
	Token uint64 `json:"token"`
}

// handleSelection manages the explanation selection.
// GET    /api/v1/selection
// POST   /api/v1/selection {"key": "..."}
// DELETE /api/v1/selection
func (s *Server) handleSelection(w http.ResponseWriter, r *http.Request) {
	if s.deps.Explainer == nil {
		s.writeError(w, http.StatusServiceUnavailable, "explanations not available")
		return
	}

	switch r.Method {
	case http.MethodGet:
		s.writeJSON(w, s.deps.Explainer.Current())
	case http.MethodPost:
		var req SelectionRequest
		if err := decodeBody(w, r, &req); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		key := strings.TrimSpace(req.Key)
		if key == "" {
			s.writeError(w, http.StatusBadRequest, "key is required")
			return
		}
		if !s.isAnomaly(key) {
			s.writeError(w, http.StatusNotFound, "no anomaly with that key")
			return
		}
		token := s.deps.Explainer.Select(r.Context(), key)
		s.writeJSONStatus(w, http.StatusAccepted, SelectionResponse{Token: token})
	case http.MethodDelete:
		s.deps.Explainer.Clear()
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, POST, DELETE")
		s.writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// isAnomaly reports whether key names an anomaly in the current view.
func (s *Server) isAnomaly(key string) bool {
	for _, p := range s.deps.Controller.Points() {
		if p.Anomaly == detect.FlagAnomaly && p.Key() == key {
			return true
		}
	}
	return false
}

// AnalysisRequest names the point to analyze.
type AnalysisRequest struct {
	Key string `json:"key"`
}

// handleAnalysis asks the local model to analyze one point of the current
// view. The call is synchronous.
// POST /api/v1/analysis {"key": "..."}
func (s *Server) handleAnalysis(w http.ResponseWriter, r *http.Request) {
	if s.deps.Analyst == nil {
		s.writeError(w, http.StatusServiceUnavailable, "analysis not enabled")
		return
	}

	var req AnalysisRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	key := strings.TrimSpace(req.Key)
	if key == "" {
		s.writeError(w, http.StatusBadRequest, "key is required")
		return
	}

	analysis, err := s.deps.Analyst.Analyze(r.Context(), s.deps.Controller.Points(), key)
	switch {
	case err == nil:
		s.writeJSON(w, analysis)
	case errors.Is(err, ollama.ErrPointNotFound):
		s.writeError(w, http.StatusNotFound, "no point with that key")
	case errors.Is(err, ollama.ErrModelMissing):
		s.writeError(w, http.StatusServiceUnavailable, "model "+s.deps.Analyst.Model()+" is not installed")
	default:
		s.logger.Warn("analysis failed", "key", key, "err", err)
		s.writeError(w, http.StatusBadGateway, "analysis failed")
	}
}

// CycleListResponse contains a page of recorded cycles.
type CycleListResponse struct {
	Cycles []storage.Cycle `json:"cycles"`
	Limit  int             `json:"limit"`
	Offset int             `json:"offset"`
}

// handleListCycles returns recorded fetch cycles, newest first.
// GET /api/v1/cycles?limit=50&offset=0&status=ready|failed|stale&mode=&window=24h
func (s *Server) handleListCycles(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}

	q := r.URL.Query()
	limit := parseInt(q.Get("limit"), 50)
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	offset := parseInt(q.Get("offset"), 0)

	opts := storage.ListOptions{
		Limit:  limit,
		Offset: offset,
		Window: parseWindow(r),
		Mode:   q.Get("mode"),
	}
	if raw := q.Get("status"); raw != "" {
		status, ok := storage.ParseStatus(raw)
		if !ok {
			s.writeError(w, http.StatusBadRequest, "invalid status")
			return
		}
		opts.Status = &status
	}

	cycles, err := s.deps.Store.List(opts)
	if err != nil {
		s.logger.Error("failed to list cycles", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list cycles")
		return
	}
	if cycles == nil {
		cycles = []storage.Cycle{}
	}

	s.writeJSON(w, CycleListResponse{Cycles: cycles, Limit: limit, Offset: offset})
}

// handleGetCycle returns one recorded cycle.
// GET /api/v1/cycles/{id}
func (s *Server) handleGetCycle(w http.ResponseWriter, r *http.Request, id string) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}
	if id == "" || strings.Contains(id, "/") {
		http.NotFound(w, r)
		return
	}

	c, err := s.deps.Store.GetByID(id)
	if err != nil {
		s.logger.Error("failed to get cycle", "err", err, "id", id)
		s.writeError(w, http.StatusInternalServerError, "failed to get cycle")
		return
	}
	if c == nil {
		s.writeError(w, http.StatusNotFound, "cycle not found")
		return
	}
	s.writeJSON(w, c)
}

// OverviewResponse contains summary statistics and time series data.
type OverviewResponse struct {
	Summary storage.Overview `json:"summary"`
	Series  SeriesData       `json:"series"`
}

// SeriesData contains time-binned chart data.
type SeriesData struct {
	CycleCount  []storage.DataPoint `json:"cycle_count"`
	DurationP95 []storage.DataPoint `json:"duration_p95"`
	Anomalies   []storage.DataPoint `json:"anomalies"`
	FailureRate []storage.DataPoint `json:"failure_rate"`
}

// handleOverview returns summary statistics and time series.
// GET /api/v1/overview?window=1h|24h|7d
func (s *Server) handleOverview(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}

	window := parseWindow(r)
	cacheKey := window.String()

	s.overviewCacheMu.RLock()
	if cached, ok := s.overviewCache[cacheKey]; ok && time.Now().Before(cached.expiresAt) {
		s.overviewCacheMu.RUnlock()
		s.writeJSON(w, cached.data)
		return
	}
	s.overviewCacheMu.RUnlock()

	overview, err := s.deps.Store.Overview(window)
	if err != nil {
		s.logger.Error("failed to get overview", "err", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get overview")
		return
	}

	series := func(metric string) []storage.DataPoint {
		points, err := s.deps.Store.Series(storage.SeriesOptions{Window: window, Metric: metric})
		if err != nil {
			s.logger.Warn("failed to get series", "metric", metric, "err", err)
			return []storage.DataPoint{}
		}
		return points
	}

	resp := &OverviewResponse{
		Summary: *overview,
		Series: SeriesData{
			CycleCount:  series(storage.SeriesCycleCount),
			DurationP95: series(storage.SeriesDurationP95),
			Anomalies:   series(storage.SeriesAnomalies),
			FailureRate: series(storage.SeriesFailureRate),
		},
	}

	s.overviewCacheMu.Lock()
	s.overviewCache[cacheKey] = &cachedOverview{
		data:      resp,
		expiresAt: time.Now().Add(overviewCacheDuration),
	}
	s.overviewCacheMu.Unlock()

	s.writeJSON(w, resp)
}

// SeriesResponse contains one time series.
type SeriesResponse struct {
	Metric string              `json:"metric"`
	Mode   string              `json:"mode,omitempty"`
	Series []storage.DataPoint `json:"series"`
}

// handleSeries returns time-binned data for a single metric.
// GET /api/v1/series?window=1h|24h|7d&metric=cycle_count|duration_p95|anomalies|failure_rate&mode=
func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "storage not available")
		return
	}

	q := r.URL.Query()
	metric := q.Get("metric")
	if metric == "" {
		metric = storage.SeriesCycleCount
	}
	if !storage.ValidSeriesMetric(metric) {
		s.writeError(w, http.StatusBadRequest, "invalid metric")
		return
	}
	mode := q.Get("mode")

	series, err := s.deps.Store.Series(storage.SeriesOptions{
		Window: parseWindow(r),
		Metric: metric,
		Mode:   mode,
	})
	if err != nil {
		s.logger.Error("failed to get series", "err", err, "metric", metric)
		s.writeError(w, http.StatusInternalServerError, "failed to get series")
		return
	}

	s.writeJSON(w, SeriesResponse{Metric: metric, Mode: mode, Series: series})
}

// ConfigResponse contains current configuration.
type ConfigResponse struct {
	BackendURL     string `json:"backend_url"`
	DetectEndpoint string `json:"detect_endpoint"`
	PreferLLM      bool   `json:"prefer_llm"`
	Timezone       string `json:"display_timezone"`
	OllamaModel    string `json:"ollama_model,omitempty"`
	Storage        string `json:"storage"`
	StorageMaxRows int    `json:"storage_max_rows"`
	Features       struct {
		Dashboard bool `json:"dashboard"`
		API       bool `json:"api"`
		Events    bool `json:"events"`
		Metrics   bool `json:"metrics"`
		Storage   bool `json:"storage"`
		Analysis  bool `json:"analysis"`
	} `json:"features"`
}

// handleConfig returns the current configuration.
// GET /api/v1/config
func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	features := s.cfg.Features()

	resp := ConfigResponse{
		BackendURL:     s.cfg.BackendURL,
		DetectEndpoint: s.cfg.DetectEndpoint,
		PreferLLM:      s.cfg.PreferLLM,
		Timezone:       s.cfg.DisplayTimezone,
		Storage:        string(s.cfg.Storage),
		StorageMaxRows: s.cfg.StorageMaxRows,
	}
	if features.Analysis {
		resp.OllamaModel = s.cfg.OllamaModel
	}
	resp.Features.Dashboard = features.Dashboard
	resp.Features.API = features.API
	resp.Features.Events = features.Events
	resp.Features.Metrics = features.Metrics
	resp.Features.Storage = features.Storage
	resp.Features.Analysis = features.Analysis

	s.writeJSON(w, resp)
}
