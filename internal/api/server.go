// Package api serves the local control API of the sync client: queue
// inspection, enqueueing, conflict resolution, manual passes and a websocket
// stream of the aggregate sync state.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	apperrors "github.com/kimhsiao/reportsync/internal/errors"
	"github.com/kimhsiao/reportsync/internal/logging"
	"github.com/kimhsiao/reportsync/internal/models"
	syncpkg "github.com/kimhsiao/reportsync/internal/sync"
	"github.com/kimhsiao/reportsync/internal/sync/conflict"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Engine is the part of the sync engine the API drives.
type Engine interface {
	DeviceID() string
	Enqueue(ctx context.Context, payload models.Payload) (*models.SyncItem, error)
	PendingItems(ctx context.Context) ([]*models.SyncItem, error)
	ConflictedItems(ctx context.Context) ([]*models.SyncItem, error)
	ResolveConflict(ctx context.Context, id string, res conflict.Resolution) error
	SyncNow(ctx context.Context) *syncpkg.SyncResult
	RetryFailed(ctx context.Context) (int, error)
	SetOnline(online bool)
	CurrentState(ctx context.Context) (models.SyncState, error)
	SubscribeChan(buffer int) (<-chan models.SyncState, func())
}

var _ Engine = (*syncpkg.Engine)(nil)

// Server is the HTTP surface over one Engine.
type Server struct {
	engine      Engine
	hub         *Hub
	router      chi.Router
	unsubscribe func()
}

// NewServer builds the router and starts forwarding state changes to
// websocket clients. Call Close to stop forwarding.
func NewServer(engine Engine) *Server {
	s := &Server{
		engine: engine,
		hub:    NewHub(),
	}

	states, unsubscribe := engine.SubscribeChan(16)
	s.unsubscribe = unsubscribe
	go s.hub.Forward(states)

	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/state", s.handleState)

		r.Get("/items/pending", s.handlePending)
		r.Get("/items/conflicts", s.handleConflicts)
		r.Post("/items/{type}", s.handleEnqueue)
		r.Post("/items/{id}/resolve", s.handleResolve)

		r.Post("/sync", s.handleSync)
		r.Post("/retry", s.handleRetry)
		r.Put("/network", s.handleNetwork)

		r.Get("/ws", s.hub.HandleWebSocket(s.engine))
	})
	return r
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Hub returns the websocket hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Close stops state forwarding and disconnects websocket clients.
func (s *Server) Close() {
	s.unsubscribe()
	s.hub.Close()
}

// =====================================================
// Handlers
// =====================================================

// handleHealth handles GET /api/health.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"service":   "reportsync",
		"device_id": s.engine.DeviceID(),
	})
}

// handleState handles GET /api/state.
func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.engine.CurrentState(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, state)
}

type itemsResponse struct {
	Items []*models.SyncItem `json:"items"`
	Count int                `json:"count"`
}

// handlePending handles GET /api/items/pending.
func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.PendingItems(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondItems(w, items)
}

// handleConflicts handles GET /api/items/conflicts.
func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.ConflictedItems(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondItems(w, items)
}

// handleEnqueue handles POST /api/items/{type}. The body is the payload.
func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	itemType, err := models.ParseItemType(chi.URLParam(r, "type"))
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "unknown item type", err))
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "failed to read request body", err))
		return
	}
	payload, err := models.DecodePayload(itemType, raw)
	if err != nil {
		respondError(w, apperrors.Wrap(apperrors.ErrInvalid, "invalid payload", err))
		return
	}

	item, err := s.engine.Enqueue(r.Context(), payload)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, item)
}

type resolveRequest struct {
	Resolution string `json:"resolution"`
}

// handleResolve handles POST /api/items/{id}/resolve.
func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	var req resolveRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	res, err := conflict.ParseResolution(req.Resolution)
	if err != nil {
		respondError(w, err)
		return
	}

	if err := s.engine.ResolveConflict(r.Context(), chi.URLParam(r, "id"), res); err != nil {
		respondError(w, err)
		return
	}
	s.handleState(w, r)
}

// handleSync handles POST /api/sync. It runs a pass on the request goroutine
// and reports its result, including why it was skipped.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.engine.SyncNow(r.Context()))
}

// handleRetry handles POST /api/retry.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	n, err := s.engine.RetryFailed(r.Context())
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

type networkRequest struct {
	Online *bool `json:"online"`
}

// handleNetwork handles PUT /api/network.
func (s *Server) handleNetwork(w http.ResponseWriter, r *http.Request) {
	var req networkRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, err)
		return
	}
	if req.Online == nil {
		respondError(w, apperrors.New(apperrors.ErrInvalid, "online is required"))
		return
	}

	s.engine.SetOnline(*req.Online)
	s.handleState(w, r)
}

// =====================================================
// Helpers
// =====================================================

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Error("Failed to encode response", err)
	}
}

func respondItems(w http.ResponseWriter, items []*models.SyncItem) {
	if items == nil {
		items = []*models.SyncItem{}
	}
	respondJSON(w, http.StatusOK, itemsResponse{Items: items, Count: len(items)})
}

func respondError(w http.ResponseWriter, err error) {
	code := apperrors.CodeOf(err)
	status := apperrors.HTTPStatus(code)
	if status >= http.StatusInternalServerError {
		logging.ErrorWithCode("API request failed", string(code), err)
	}

	var body errorBody
	body.Error.Code = string(code)
	body.Error.Message = err.Error()
	respondJSON(w, status, body)
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return apperrors.Wrap(apperrors.ErrInvalid, "invalid request body", err)
	}
	return nil
}

// requestLogger logs one line per request through the structured logger.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		logging.Debug("HTTP request",
			map[string]interface{}{
				"method":      r.Method,
				"path":        r.URL.Path,
				"status":      ww.Status(),
				"bytes":       ww.BytesWritten(),
				"duration_ms": time.Since(start).Milliseconds(),
				"request_id":  middleware.GetReqID(r.Context()),
			})
	})
}
