package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/vectank.org/vectank-server/internal/models"
	"github.com/vectank.org/vectank-server/internal/queryengine"
)

// ManagementServer exposes health, statistics, snapshot and connection limit
// endpoints over HTTP.
type ManagementServer struct {
	srv      *Server
	listener net.Listener
	http     *http.Server
	log      *zap.Logger
}

// NewManagementServer binds addr; call Serve to start handling requests.
func NewManagementServer(s *Server, addr string) (*ManagementServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("management listen %s: %w", addr, err)
	}
	ms := &ManagementServer{
		srv:      s,
		listener: ln,
		log:      s.log.Named("management"),
	}
	ms.http = &http.Server{
		Handler:           ms.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return ms, nil
}

// Handler returns the routed management API.
func (ms *ManagementServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(ms.logRequests)

	r.Get("/health", ms.handleHealth)
	r.Get("/stats", ms.handleStats)
	r.Get("/system", ms.handleSystem)
	r.Get("/tanks", ms.handleTanks)
	r.Post("/save", ms.handleSave)
	r.Get("/limit", ms.handleGetLimit)
	r.Put("/limit", ms.handlePutLimit)
	return r
}

func (ms *ManagementServer) Addr() net.Addr { return ms.listener.Addr() }

// Serve blocks until Shutdown.
func (ms *ManagementServer) Serve() error {
	ms.log.Info("management server started", zap.String("addr", ms.listener.Addr().String()))
	if err := ms.http.Serve(ms.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (ms *ManagementServer) Shutdown(ctx context.Context) error {
	return ms.http.Shutdown(ctx)
}

func (ms *ManagementServer) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		ms.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("took", time.Since(start)))
	})
}

func (ms *ManagementServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"status":         "healthy",
		"service":        "vectank",
		"uptime_seconds": int64(time.Since(ms.srv.started).Seconds()),
	})
}

func (ms *ManagementServer) handleStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"connections": ms.srv.conns.Stats(),
		"system":      ms.srv.monitor.Stats(),
		"tanks":       ms.srv.registry.Len(),
	})
}

func (ms *ManagementServer) handleSystem(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, ms.srv.monitor.Stats())
}

func (ms *ManagementServer) handleTanks(w http.ResponseWriter, r *http.Request) {
	tanks := ms.srv.registry.Tanks()
	infos := make([]models.TankInfo, len(tanks))
	for i, t := range tanks {
		infos[i] = queryengine.TankInfo(t.Info())
	}
	respondJSON(w, http.StatusOK, map[string]any{"tanks": infos})
}

func (ms *ManagementServer) handleSave(w http.ResponseWriter, r *http.Request) {
	n, err := ms.srv.Save(r.Context(), "management")
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, models.PersistResult{Prefix: ms.srv.cfg.Storage.Prefix, Tanks: n})
}

func (ms *ManagementServer) handleGetLimit(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"current_limit":      ms.srv.conns.Limit(),
		"active_connections": ms.srv.conns.Active(),
	})
}

func (ms *ManagementServer) handlePutLimit(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Limit int `json:"limit"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := ms.srv.conns.UpdateLimit(body.Limit); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"new_limit": body.Limit,
	})
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"status": "failed", "error": msg})
}
