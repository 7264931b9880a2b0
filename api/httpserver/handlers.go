package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/flashbots/macnet/server"
	"github.com/flashbots/macnet/services"
	"github.com/go-chi/chi/v5"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

// ChunkServer is the part of server.Server the status routes use.
type ChunkServer interface {
	Stats() server.Stats
	Sessions() []server.SessionStats
	Shutdown(ctx context.Context) error
}

// ServerHandler exposes the chunk server's counters.
type ServerHandler struct {
	Server ChunkServer
	Log    *slog.Logger

	// ShutdownTimeout bounds the drain triggered by POST /server/shutdown.
	ShutdownTimeout time.Duration
}

func NewServerHandler(srv ChunkServer) *ServerHandler {
	return &ServerHandler{Server: srv, Log: slog.Default(), ShutdownTimeout: 10 * time.Second}
}

func (h *ServerHandler) RegisterRoutes(r chi.Router) {
	r.Get("/server/stats", h.stats)
	r.Get("/server/sessions", h.sessions)
	r.Post("/server/shutdown", h.shutdown)
}

func (h *ServerHandler) stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Server.Stats())
}

func (h *ServerHandler) sessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.Server.Sessions())
}

func (h *ServerHandler) shutdown(w http.ResponseWriter, r *http.Request) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), h.ShutdownTimeout)
		defer cancel()
		if err := h.Server.Shutdown(ctx); err != nil {
			h.Log.Error("Chunk server shutdown failed", "err", err)
			return
		}
		h.Log.Info("Chunk server stopped on request")
	}()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "shutting down"})
}

// ResultsHandler serves persisted session results and the fairness report
// computed from them.
type ResultsHandler struct {
	Store services.ResultStore
}

func NewResultsHandler(store services.ResultStore) *ResultsHandler {
	return &ResultsHandler{Store: store}
}

func (h *ResultsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/results", h.results)
	r.Get("/results/fairness", h.fairness)
}

func (h *ResultsHandler) results(w http.ResponseWriter, r *http.Request) {
	results, err := h.Store.LoadAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, results)
}

func (h *ResultsHandler) fairness(w http.ResponseWriter, r *http.Request) {
	results, err := h.Store.LoadAll(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, services.NewFairnessReport(results))
}
