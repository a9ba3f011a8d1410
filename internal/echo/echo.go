// Package echo is a minimal reference service speaking the orchestrator's
// wire contract: GET /health and POST /process. It echoes payloads back
// and is used for end-to-end testing and as a template for real services.
package echo

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

type Server struct {
	Version string
	// Token, when set, requires Bearer auth on /process.
	Token string

	healthy atomic.Bool
	srv     *http.Server
}

// NewServer creates a server that starts healthy.
func NewServer(version, token string) *Server {
	s := &Server{Version: version, Token: token}
	s.healthy.Store(true)
	return s
}

// SetHealthy toggles the health endpoint. Used to simulate outages.
func (s *Server) SetHealthy(ok bool) {
	s.healthy.Store(ok)
}

// Routes registers the service endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if !s.healthy.Load() {
			http.Error(w, "unhealthy", http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"status":  "healthy",
			"version": s.Version,
			"time":    time.Now(),
		})
	})
	mux.HandleFunc("/process", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		if s.Token != "" {
			if r.Header.Get("Authorization") != "Bearer "+s.Token {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		defer r.Body.Close()
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(body)
	})
	// Flip health remotely during tests and drills.
	mux.HandleFunc("/admin/health", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req struct {
			Healthy bool `json:"healthy"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		s.SetHealthy(req.Healthy)
		w.WriteHeader(http.StatusNoContent)
	})
}

// ListenAndServe starts the server on addr.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.Routes(mux)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	log.Info().Str("addr", addr).Str("version", s.Version).Msg("echo service listening")
	return s.srv.ListenAndServe()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
