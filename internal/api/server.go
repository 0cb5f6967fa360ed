// Package api exposes the HTTP interface for the page store service.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/seoscope/pagestore/internal/batch"
	"github.com/seoscope/pagestore/internal/config"
	"github.com/seoscope/pagestore/internal/metrics"
	"github.com/seoscope/pagestore/internal/pages"
)

// PageService is the page cache surface the API exposes.
type PageService interface {
	GetPage(ctx context.Context, req pages.GetPageRequest) (pages.GetPageResult, error)
	ListEntries(ctx context.Context, accountID string) ([]pages.CacheIndexEntry, error)
	DeleteEntries(ctx context.Context, accountID string, urlHashes []string) error
}

// BatchService is the batch engine surface the API exposes.
type BatchService interface {
	Create(ctx context.Context, req batch.CreateRequest) (batch.View, error)
	Step(ctx context.Context, batchID string) (batch.View, error)
	Cancel(ctx context.Context, batchID string) (batch.View, error)
	RetryFailed(ctx context.Context, batchID string) ([]string, batch.View, error)
}

// Server wires HTTP handlers to the resolver and batch coordinator.
type Server struct {
	router  chi.Router
	pages   PageService
	batches BatchService
	cfg     config.Config
	logger  *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(pageSvc PageService, batchSvc BatchService, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()
	s := &Server{
		pages:   pageSvc,
		batches: batchSvc,
		cfg:     cfg,
		logger:  logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metricsMiddleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/pages", func(r chi.Router) {
			r.Post("/fetch", s.fetchPage)
			r.Get("/urls", s.listURLs)
			r.Delete("/urls", s.deleteURLs)
		})
		r.Route("/batches", func(r chi.Router) {
			r.Post("/", s.createBatch)
			r.Route("/{batch_id}", func(r chi.Router) {
				r.Get("/", s.pollBatch)
				r.Delete("/", s.cancelBatch)
				r.Post("/retry", s.retryBatch)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type fetchPageRequest struct {
	URL          string `json:"url"`
	AccountID    string `json:"account_id"`
	UserID       string `json:"user_id"`
	ToolID       string `json:"tool_id"`
	ForceRefresh bool   `json:"force_refresh"`
	MaxAgeHours  *int   `json:"max_age_hours"`
}

type fetchPageResponse struct {
	Cached   bool           `json:"cached"`
	Snapshot pages.Snapshot `json:"snapshot"`
	Content  string         `json:"content"`
}

func (s *Server) fetchPage(w http.ResponseWriter, r *http.Request) {
	var req fetchPageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.URL == "" || req.AccountID == "" {
		s.writeError(w, http.StatusBadRequest, "url and account_id are required")
		return
	}
	result, err := s.pages.GetPage(r.Context(), pages.GetPageRequest{
		URL:            req.URL,
		AccountID:      req.AccountID,
		UserID:         req.UserID,
		ToolID:         req.ToolID,
		ForceRefresh:   req.ForceRefresh,
		MaxAgeOverride: req.MaxAgeHours,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, fetchPageResponse{
		Cached:   result.WasCached,
		Snapshot: result.Snapshot,
		Content:  string(result.Content),
	})
}

func (s *Server) listURLs(w http.ResponseWriter, r *http.Request) {
	accountID := r.URL.Query().Get("account_id")
	if accountID == "" {
		s.writeError(w, http.StatusBadRequest, "account_id is required")
		return
	}
	entries, err := s.pages.ListEntries(r.Context(), accountID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if entries == nil {
		entries = []pages.CacheIndexEntry{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

type deleteURLsRequest struct {
	AccountID string   `json:"account_id"`
	URLHashes []string `json:"url_hashes"`
}

func (s *Server) deleteURLs(w http.ResponseWriter, r *http.Request) {
	var req deleteURLsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AccountID == "" || len(req.URLHashes) == 0 {
		s.writeError(w, http.StatusBadRequest, "account_id and url_hashes are required")
		return
	}
	if err := s.pages.DeleteEntries(r.Context(), req.AccountID, req.URLHashes); err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"deleted": len(req.URLHashes)})
}

type createBatchRequest struct {
	AccountID string   `json:"account_id"`
	UserID    string   `json:"user_id"`
	ToolID    string   `json:"tool_id"`
	URLs      []string `json:"urls"`
}

func (s *Server) createBatch(w http.ResponseWriter, r *http.Request) {
	var req createBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.AccountID == "" || req.ToolID == "" {
		s.writeError(w, http.StatusBadRequest, "account_id and tool_id are required")
		return
	}
	view, err := s.batches.Create(r.Context(), batch.CreateRequest{
		AccountID: req.AccountID,
		CreatedBy: req.UserID,
		ToolID:    req.ToolID,
		URLs:      req.URLs,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, view)
}

// pollBatch reports batch state and advances one increment of work. Progress
// is driven entirely by these polls; there is no background scheduler.
func (s *Server) pollBatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.batches.Step(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) cancelBatch(w http.ResponseWriter, r *http.Request) {
	view, err := s.batches.Cancel(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, view)
}

func (s *Server) retryBatch(w http.ResponseWriter, r *http.Request) {
	reset, view, err := s.batches.RetryFailed(r.Context(), chi.URLParam(r, "batch_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if reset == nil {
		reset = []string{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"reset": reset, "batch": view})
}

// writeServiceError maps domain errors onto HTTP statuses.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, pages.ErrBatchNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, pages.ErrAccountNotFound):
		s.writeError(w, http.StatusForbidden, err.Error())
	case errors.Is(err, pages.ErrUnknownTool):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, pages.ErrFetchFailed):
		s.writeError(w, http.StatusBadGateway, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
