package ops

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/bigbrotr/bigbrotr/internal/config"
)

// Pinger reports whether the database pool is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthServer exposes liveness and readiness over HTTP.
//
// /health returns 200 as soon as the process is up. /ready returns 200 only
// once the DB pool answers a ping and the working-set producer has enqueued at
// least one item, signalled through the ready Event. /metrics serves the
// prometheus registry.
type HealthServer struct {
	srv    *http.Server
	ready  *Event
	pinger Pinger
	token  string
	log    *Logger
}

// NewHealthServer builds the server. ready must be the event the scheduler
// sets after its first enqueue; pinger may be nil until the store exists.
func NewHealthServer(cfg *config.Health, ready *Event, pinger Pinger, log *Logger) *HealthServer {
	h := &HealthServer{
		ready:  ready,
		pinger: pinger,
		token:  cfg.Token,
		log:    log.WithComponent("health"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.auth(h.handleHealth))
	mux.HandleFunc("/ready", h.auth(h.handleReady))
	mux.Handle("/metrics", promhttp.Handler())

	h.srv = &http.Server{
		Addr:         cfg.Bind,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return h
}

// Start begins serving in the background.
func (h *HealthServer) Start() error {
	ln, err := net.Listen("tcp", h.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to bind health endpoint: %w", err)
	}
	h.log.Info("health endpoint listening", "addr", h.srv.Addr)
	go func() {
		if err := h.srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			h.log.Error("health endpoint failed", "error", err)
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (h *HealthServer) Stop(ctx context.Context) error {
	return h.srv.Shutdown(ctx)
}

func (h *HealthServer) auth(next http.HandlerFunc) http.HandlerFunc {
	if h.token == "" {
		return next
	}
	want := "Bearer " + h.token
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != want {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func (h *HealthServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ok")
}

func (h *HealthServer) handleReady(w http.ResponseWriter, r *http.Request) {
	if !h.ready.IsSet() {
		http.Error(w, "waiting for first work item", http.StatusServiceUnavailable)
		return
	}
	if h.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.pinger.Ping(ctx); err != nil {
			http.Error(w, "database unreachable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	fmt.Fprintln(w, "ready")
}
