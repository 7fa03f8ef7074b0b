// Package api exposes the read-only query surface of the ThreatLens
// engine plus the ingestion, detection, and recalculation endpoints the
// presentation layer drives.
package api

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/threatlens/threatlens/internal/config"
	"github.com/threatlens/threatlens/internal/detect"
	"github.com/threatlens/threatlens/internal/ingest"
	"github.com/threatlens/threatlens/internal/intel"
	"github.com/threatlens/threatlens/internal/model"
	"github.com/threatlens/threatlens/internal/observability"
	"github.com/threatlens/threatlens/internal/risk"
	"github.com/threatlens/threatlens/internal/store"
)

// defaultPageSize bounds listings when the caller omits limit.
const defaultPageSize = 50

// Server wires the engine components to HTTP handlers.
type Server struct {
	store      *store.Store
	ingest     *ingest.Service
	engine     *detect.Engine
	trigger    *risk.Trigger
	correlator *intel.Correlator
	detection  config.DetectionConfig
	logger     *zap.Logger
	metrics    *observability.Metrics
	apiKey     string
}

// NewServer creates the API server. apiKey may be empty, which disables
// the caller-token gate (validation is a collaborator concern).
func NewServer(s *store.Store, ing *ingest.Service, engine *detect.Engine, trigger *risk.Trigger, correlator *intel.Correlator, detection config.DetectionConfig, apiKey string, logger *zap.Logger, metrics *observability.Metrics) *Server {
	return &Server{
		store:      s,
		ingest:     ing,
		engine:     engine,
		trigger:    trigger,
		correlator: correlator,
		detection:  detection,
		logger:     logger,
		metrics:    metrics,
		apiKey:     apiKey,
	}
}

// Routes builds the router with all API endpoints mounted.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if s.metrics != nil {
		r.Use(s.metricsMiddleware)
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/entities", func(r chi.Router) {
			r.Get("/", s.handleListEntities)
			r.Post("/recalculate", s.handleRecalculate)
			r.Get("/recalculate/status", s.handleRecalcStatus)
			r.Get("/{type}/{id}", s.handleEntityDetail)
		})

		r.Get("/logs/network", s.handleListNetworkLogs)
		r.Get("/threat-intel", s.handleListThreatIntel)
		r.Post("/detection/run", s.handleDetectionRun)

		r.Route("/ingest", func(r chi.Router) {
			r.Post("/network", s.handleIngestNetwork)
			r.Post("/auth", s.handleIngestAuth)
			r.Post("/assets", s.handleIngestAssets)
			r.Post("/threat-intel", s.handleIngestIndicators)
		})

		r.Get("/stats", s.handleStats)
	})

	return r
}

// authMiddleware gates requests on the opaque caller token, accepted as
// a bearer header or api_key query parameter. The core only does an
// equality check; real validation lives with the collaborator issuing
// keys.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.URL.Query().Get("api_key")
		if auth := r.Header.Get("Authorization"); strings.HasPrefix(auth, "Bearer ") {
			token = strings.TrimPrefix(auth, "Bearer ")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.apiKey)) != 1 {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid API key"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		s.metrics.RequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		s.metrics.RequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleListEntities(w http.ResponseWriter, r *http.Request) {
	skip, limit := pagination(r)

	typ, ok := parseEntityType(r.URL.Query().Get("entity_type"))
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown entity_type"})
		return
	}

	entities, total := s.store.ListEntities(typ, skip, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"scores": entities,
		"total":  total,
	})
}

// highRiskThreshold gates the indicator attachment on IP entity detail.
const highRiskThreshold = 8.0

func (s *Server) handleEntityDetail(w http.ResponseWriter, r *http.Request) {
	typ, ok := parseEntityType(chi.URLParam(r, "type"))
	if !ok || typ == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown entity type"})
		return
	}
	id := chi.URLParam(r, "id")

	key := model.EntityKey{Type: typ, ID: id}
	if typ == model.EntityHost {
		key.ID = strings.ToLower(id)
	}

	e, err := s.store.Entity(key)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "entity not found"})
		return
	}

	additional := map[string]any{}
	switch typ {
	case model.EntityUser:
		additional["auth_logs"] = s.store.RecentAuthLogs(key.ID, 10)
	case model.EntityIP:
		additional["network_logs"] = s.store.RecentNetworkLogs(key.ID, 10)
		if e.RiskScore >= highRiskThreshold {
			if ind, found := s.correlator.Match(r.Context(), key.ID, model.IndicatorIP); found {
				additional["threat_intel"] = ind
			}
		}
	case model.EntityHost:
		if asset, found := s.store.Asset(key.ID); found {
			additional["asset"] = asset
			if asset.IPAddress != "" {
				additional["network_logs"] = s.store.RecentNetworkLogs(asset.IPAddress, 10)
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"entity_type":     e.EntityType,
		"entity_id":       e.EntityID,
		"risk_score":      e.RiskScore,
		"risk_factors":    e.RiskFactors,
		"last_updated":    e.LastUpdated,
		"additional_data": additional,
	})
}

func (s *Server) handleRecalculate(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Force bool `json:"force"`
	}
	if r.Body != nil {
		// An empty body means force=false.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	if !s.trigger.Request(req.Force) {
		writeJSON(w, http.StatusConflict, map[string]string{
			"status": "rejected",
			"reason": "recalculation already running",
		})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) handleRecalcStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.trigger.Status())
}

func (s *Server) handleListNetworkLogs(w http.ResponseWriter, r *http.Request) {
	skip, limit := pagination(r)
	q := r.URL.Query()

	filter := store.NetworkLogFilter{
		Protocol: q.Get("protocol"),
		Action:   q.Get("action"),
		Label:    q.Get("label"),
		Search:   q.Get("search"),
	}

	// Preset ranges; explicit bounds win when both are sent.
	now := time.Now().UTC()
	switch q.Get("range") {
	case "24h":
		filter.Start = now.Add(-24 * time.Hour)
		filter.End = now
	case "7d":
		filter.Start = now.Add(-7 * 24 * time.Hour)
		filter.End = now
	case "30d":
		filter.Start = now.Add(-30 * 24 * time.Hour)
		filter.End = now
	case "", "all":
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown range"})
		return
	}
	if v := q.Get("startDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid startDate"})
			return
		}
		filter.Start = t
	}
	if v := q.Get("endDate"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid endDate"})
			return
		}
		filter.End = t
	}

	logs, total := s.store.ListNetworkLogs(filter, skip, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"logs":  logs,
		"total": total,
	})
}

func (s *Server) handleListThreatIntel(w http.ResponseWriter, r *http.Request) {
	skip, limit := pagination(r)

	typ := model.IndicatorType(strings.ToUpper(r.URL.Query().Get("type")))
	switch typ {
	case "", model.IndicatorIP, model.IndicatorDomain, model.IndicatorURL, model.IndicatorHash:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown indicator type"})
		return
	}

	indicators, total := s.store.ListIndicators(typ, skip, limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"threat_intel": indicators,
		"total":        total,
	})
}

func (s *Server) handleDetectionRun(w http.ResponseWriter, r *http.Request) {
	var req struct {
		HoursBack int `json:"hours_back"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	lookback := s.detection.DefaultLookback
	if req.HoursBack > 0 {
		lookback = time.Duration(req.HoursBack) * time.Hour
	}

	result := s.engine.Run(r.Context(), lookback)
	if s.metrics != nil {
		s.metrics.DetectionRuns.Inc()
		for rule, n := range result.AlertsByRule {
			s.metrics.AlertsEmitted.WithLabelValues(rule).Add(float64(n))
		}
		for rule := range result.RuleErrors {
			s.metrics.DetectionErrors.WithLabelValues(rule).Inc()
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":       result.RunID,
		"total_alerts": result.TotalAlerts,
		"rule_errors":  result.RuleErrors,
	})
}

func (s *Server) handleIngestNetwork(w http.ResponseWriter, r *http.Request) {
	var logs []model.NetworkLog
	if err := json.NewDecoder(r.Body).Decode(&logs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	res := s.ingest.NetworkLogs(r.Context(), logs)
	s.countIngest("network", res)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestAuth(w http.ResponseWriter, r *http.Request) {
	var logs []model.AuthLog
	if err := json.NewDecoder(r.Body).Decode(&logs); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	res := s.ingest.AuthLogs(r.Context(), logs)
	s.countIngest("auth", res)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestAssets(w http.ResponseWriter, r *http.Request) {
	var assets []model.AssetRecord
	if err := json.NewDecoder(r.Body).Decode(&assets); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	res := s.ingest.Assets(r.Context(), assets)
	s.countIngest("assets", res)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleIngestIndicators(w http.ResponseWriter, r *http.Request) {
	var indicators []model.ThreatIndicator
	if err := json.NewDecoder(r.Body).Decode(&indicators); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	res := s.ingest.Indicators(r.Context(), indicators)
	s.countIngest("threat-intel", res)
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	network, auth, assets, indicators, alerts, entities := s.store.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"network_logs": network,
		"auth_logs":    auth,
		"assets":       assets,
		"threat_intel": indicators,
		"alerts":       alerts,
		"entities":     entities,
		"ingestion":    s.ingest.Stats(),
	})
}

func (s *Server) countIngest(kind string, res ingest.Result) {
	if s.metrics == nil {
		return
	}
	s.metrics.EventsIngested.WithLabelValues(kind).Add(float64(res.Accepted))
	s.metrics.RecordsRejected.WithLabelValues(kind).Add(float64(len(res.Rejected)))
}

func pagination(r *http.Request) (skip, limit int) {
	limit = defaultPageSize
	if v := r.URL.Query().Get("skip"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			skip = n
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	return skip, limit
}

func parseEntityType(raw string) (model.EntityType, bool) {
	switch strings.ToUpper(raw) {
	case "":
		return "", true
	case "HOST":
		return model.EntityHost, true
	case "IP":
		return model.EntityIP, true
	case "USER":
		return model.EntityUser, true
	default:
		return "", false
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
