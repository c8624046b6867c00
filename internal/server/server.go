// Package server exposes the memory manager contract over HTTP. The routes
// mirror the cloud adapter wire format, so a Client pointed at this server
// behaves like the local engine.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/time/rate"

	"github.com/engramdb/engram/internal/cloud"
	"github.com/engramdb/engram/internal/engine"
	"github.com/engramdb/engram/pkg/types"
)

// Config holds HTTP server configuration.
type Config struct {
	// Host is the bind address (default: 127.0.0.1).
	Host string

	// Port is the listen port; 0 picks an ephemeral port.
	Port int

	// APIKey, when non-empty, requires a matching bearer token on /v1 routes.
	APIKey string

	// RequestsPerSecond rate-limits incoming requests (default: 50).
	RequestsPerSecond float64
}

// Server serves the memory manager contract.
type Server struct {
	manager cloud.Manager
	cfg     Config
	limiter *rate.Limiter
}

// New creates a server around a memory manager.
func New(manager cloud.Manager, cfg Config) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 50
	}
	burst := int(cfg.RequestsPerSecond) * 2
	if burst < 1 {
		burst = 1
	}
	return &Server{
		manager: manager,
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
	}
}

// securityHeaders adds security headers to all HTTP responses.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.cfg.APIKey != "" && r.Header.Get("Authorization") != "Bearer "+s.cfg.APIKey {
			writeError(w, http.StatusUnauthorized, "invalid or missing API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Handler builds the full route tree with middleware applied.
func (s *Server) Handler() http.Handler {
	v1 := http.NewServeMux()
	v1.HandleFunc("POST /v1/memories", s.handleRemember)
	v1.HandleFunc("POST /v1/memories/recall", s.handleRecall)
	v1.HandleFunc("DELETE /v1/memories/{id}", s.handleForget)
	v1.HandleFunc("POST /v1/memories/{id}/reinforce", s.handleReinforce)
	v1.HandleFunc("POST /v1/context", s.handleAddToContext)
	v1.HandleFunc("GET /v1/context", s.handleGetContext)
	v1.HandleFunc("DELETE /v1/context", s.handleClearContext)
	v1.HandleFunc("POST /v1/consolidate", s.handleConsolidate)
	v1.HandleFunc("GET /v1/stats", s.handleStats)
	v1.HandleFunc("GET /v1/export", s.handleExport)
	v1.HandleFunc("POST /v1/import", s.handleImport)

	mux := http.NewServeMux()
	mux.Handle("/v1/", s.requireAuth(v1))

	// Health endpoint requires no auth, used for monitoring.
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	return securityHeaders(s.rateLimit(mux))
}

// Start listens and serves until ctx is cancelled, returning the actual
// listen address (useful with port 0 in tests).
func (s *Server) Start(ctx context.Context) (string, error) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("server: listen on %s: %w", addr, err)
	}
	actualAddr := listener.Addr().String()

	srv := &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("server: serve error: %v", err)
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Printf("server: shutdown error: %v", err)
		}
	}()

	return actualAddr, nil
}

type rememberRequest struct {
	Content    string           `json:"content"`
	Type       types.MemoryType `json:"type"`
	Importance float64          `json:"importance,omitempty"`
	Source     string           `json:"source,omitempty"`
	Tags       []string         `json:"tags,omitempty"`
	SessionID  string           `json:"session_id,omitempty"`
	Metadata   types.Metadata   `json:"metadata,omitempty"`
}

type recallRequest struct {
	Query string `json:"query"`
	Limit int    `json:"limit"`
}

func (s *Server) handleRemember(w http.ResponseWriter, r *http.Request) {
	var req rememberRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.manager.Remember(r.Context(), req.Content, req.Type, engine.RememberOptions{
		Importance: req.Importance,
		Source:     req.Source,
		Tags:       req.Tags,
		SessionID:  req.SessionID,
		Metadata:   req.Metadata,
	})
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) handleRecall(w http.ResponseWriter, r *http.Request) {
	var req recallRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	memories, err := s.manager.Recall(r.Context(), req.Query, req.Limit)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if memories == nil {
		memories = []*types.MemoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"memories": memories})
}

func (s *Server) handleForget(w http.ResponseWriter, r *http.Request) {
	deleted, err := s.manager.Forget(r.Context(), r.PathValue("id"))
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": deleted})
}

func (s *Server) handleReinforce(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Boost float64 `json:"boost"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	rec, err := s.manager.Reinforce(r.Context(), r.PathValue("id"), req.Boost)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	if rec == nil {
		writeError(w, http.StatusNotFound, "memory not found")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleAddToContext(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.manager.AddToContext(r.Context(), req.Role, req.Content); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleGetContext(w http.ResponseWriter, r *http.Request) {
	maxTokens := 0
	if raw := r.URL.Query().Get("max_tokens"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid max_tokens")
			return
		}
		maxTokens = parsed
	}
	rendered, err := s.manager.GetContext(r.Context(), maxTokens)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"context": rendered})
}

func (s *Server) handleClearContext(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.ClearContext(r.Context()); err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleConsolidate(w http.ResponseWriter, r *http.Request) {
	report, err := s.manager.Consolidate(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.GetStats(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	data, err := s.manager.Export(r.Context())
	if err != nil {
		writeManagerError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(io.LimitReader(r.Body, 64<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read body")
		return
	}
	count, err := s.manager.Import(r.Context(), data)
	if err != nil {
		writeManagerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"imported": count})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, out interface{}) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 8<<20)).Decode(out); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

// writeManagerError maps manager errors to status codes: validation errors
// are the caller's fault, everything else is a server-side failure.
func writeManagerError(w http.ResponseWriter, err error) {
	if errors.Is(err, engine.ErrInvalidInput) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("server: encode response: %v", err)
	}
}
