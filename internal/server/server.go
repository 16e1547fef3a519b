// Package server is the management daemon: a JSON RPC surface over the
// audited action registry, plus the process lifecycle around it (lock
// file, log redirection, graceful shutdown).
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bindmgr/internal/api"
	"bindmgr/internal/auth"
	"bindmgr/internal/config"
	"bindmgr/internal/metrics"
)

type Server struct {
	cfg     config.ServerConfig
	surface *api.Surface
	auth    *auth.Cache
}

func New(cfg config.ServerConfig, surface *api.Surface, authCache *auth.Cache) *Server {
	return &Server{cfg: cfg, surface: surface, auth: authCache}
}

type rpcRequest struct {
	Action string   `json:"action"`
	Args   []string `json:"args"`
}

type rpcResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /rpc", s.requireAuth(s.handleRPC))
	mux.HandleFunc("GET /actions", s.requireAuth(s.handleActions))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

func (s *Server) requireAuth(next func(http.ResponseWriter, *http.Request, string)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if ok {
			valid, err := s.auth.Authenticate(r.Context(), username, password)
			if err != nil {
				log.Printf("authentication backend error for %s: %v", username, err)
				http.Error(w, "authentication backend unavailable", http.StatusServiceUnavailable)
				return
			}
			if valid {
				next(w, r, username)
				return
			}
		}
		w.Header().Set("WWW-Authenticate", `Basic realm="bindmgr"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request, user string) {
	if s.cfg.ServerKillswitch {
		writeJSON(w, http.StatusServiceUnavailable, rpcResponse{Error: "the server killswitch is engaged"})
		return
	}
	var req rpcRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, rpcResponse{Error: "request body is not a JSON rpc call"})
		return
	}
	err := s.surface.Call(r.Context(), user, req.Action, req.Args)
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.APICalls.WithLabelValues(req.Action, result).Inc()
	if err != nil {
		writeJSON(w, statusFor(err), rpcResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, rpcResponse{OK: true})
}

func (s *Server) handleActions(w http.ResponseWriter, r *http.Request, user string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(s.surface.Actions())
}

func statusFor(err error) int {
	var unknown *api.UnknownActionError
	var arity *api.ArityError
	if errors.As(err, &unknown) || errors.As(err, &arity) {
		return http.StatusBadRequest
	}
	return http.StatusUnprocessableEntity
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Run serves until ctx is cancelled, then shuts down gracefully within
// the configured core_die_time.
func (s *Server) Run(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("server listening on %s", addr)
		if s.cfg.SSLCertFile != "" && s.cfg.SSLKeyFile != "" {
			errCh <- httpSrv.ListenAndServeTLS(s.cfg.SSLCertFile, s.cfg.SSLKeyFile)
		} else {
			errCh <- httpSrv.ListenAndServe()
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	dieTime := time.Duration(s.cfg.CoreDieTime) * time.Second
	if dieTime <= 0 {
		dieTime = 30 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), dieTime)
	defer cancel()
	log.Printf("server shutting down (grace %s)", dieTime)
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return httpSrv.Close()
	}
	return nil
}
