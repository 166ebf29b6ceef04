// Package httpserver is the operator surface of the rollout controller:
// status, reports, metrics, and the shadow/promote/rollback transitions.
package httpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/crechebooks/rollout/internal/auth"
	"github.com/crechebooks/rollout/internal/config"
	"github.com/crechebooks/rollout/internal/metrics"
	"github.com/crechebooks/rollout/internal/models"
	"github.com/crechebooks/rollout/internal/promotion"
	"github.com/crechebooks/rollout/internal/report"
	"github.com/crechebooks/rollout/internal/rollout"
	"github.com/crechebooks/rollout/internal/store"
)

type Server struct {
	cfg        config.Config
	resolver   *rollout.Resolver
	aggregator *report.Aggregator
	promotions *promotion.Service
	store      store.Store
	collector  *metrics.Collector
}

func New(cfg config.Config, resolver *rollout.Resolver, aggregator *report.Aggregator, promotions *promotion.Service, st store.Store, collector *metrics.Collector) *Server {
	return &Server{
		cfg:        cfg,
		resolver:   resolver,
		aggregator: aggregator,
		promotions: promotions,
		store:      st,
		collector:  collector,
	}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/health", s.handleHealth)
	if s.collector != nil {
		r.Method(http.MethodGet, "/metrics", s.collector.Handler())
	}

	r.Route("/rollout", func(r chi.Router) {
		r.Use(auth.Middleware(auth.Config{
			Secret:          s.cfg.AuthSecret,
			AllowDebugToken: s.cfg.AllowDebugToken,
			DebugToken:      s.cfg.DebugToken,
		}, respondError))

		r.Get("/{tenantID}/status", s.handleStatus)
		r.Get("/{tenantID}/flags", s.handleFlags)
		r.Get("/{tenantID}/reports", s.handleReports)
		r.Get("/{tenantID}/metrics", s.handleMetricsProjection)
		r.Get("/{tenantID}/{capability}/report", s.handleReport)
		r.Post("/{tenantID}/{capability}/shadow", s.handleShadow)
		r.Post("/{tenantID}/{capability}/promote", s.handlePromote)
		r.Post("/{tenantID}/{capability}/rollback", s.handleRollback)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	statuses, err := s.promotions.GetStatus(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, statuses)
}

func (s *Server) handleFlags(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	flags, err := s.resolver.ListFlags(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if flags == nil {
		flags = []models.RolloutFlag{}
	}
	respondJSON(w, http.StatusOK, flags)
}

func (s *Server) handleReports(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	reports, err := s.aggregator.GenerateAllReports(r.Context(), tenantID, windowDays(r))
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	for _, rep := range reports {
		s.collector.UpdateFromReport(rep)
	}
	respondJSON(w, http.StatusOK, reports)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	capability, ok := parseCapability(w, r)
	if !ok {
		return
	}
	rep, err := s.aggregator.GenerateReport(r.Context(), capability, tenantID, windowDays(r), nil)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.collector.UpdateFromReport(rep)
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleMetricsProjection(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	observations, err := s.aggregator.Metrics(r.Context(), tenantID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, observations)
}

type transitionRequest struct {
	Reason   string                    `json:"reason"`
	Criteria *models.PromotionCriteria `json:"criteria,omitempty"`
}

func (s *Server) handleShadow(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	capability, ok := parseCapability(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	flag, err := s.resolver.EnableShadow(r.Context(), tenantID, capability, models.TransitionMetadata{
		Reason: req.Reason,
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, flag)
}

func (s *Server) handlePromote(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	capability, ok := parseCapability(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.promotions.Promote(r.Context(), capability, tenantID, req.Criteria)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if result.Report != nil {
		s.collector.UpdateFromReport(*result.Report)
	}
	status := http.StatusOK
	if !result.Success {
		// A blocked promotion is a normal outcome; 409 signals "not
		// applied" without pretending the request was malformed.
		status = http.StatusConflict
	}
	respondJSON(w, status, result)
}

func (s *Server) handleRollback(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantID")
	capability, ok := parseCapability(w, r)
	if !ok {
		return
	}
	var req transitionRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	result, err := s.promotions.Rollback(r.Context(), capability, tenantID, req.Reason)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func parseCapability(w http.ResponseWriter, r *http.Request) (models.Capability, bool) {
	capability := models.Capability(chi.URLParam(r, "capability"))
	for _, known := range models.Capabilities() {
		if capability == known {
			return capability, true
		}
	}
	respondError(w, http.StatusNotFound, "unknown capability")
	return "", false
}

func windowDays(r *http.Request) int {
	if v := r.URL.Query().Get("windowDays"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer r.Body.Close()
	if r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
