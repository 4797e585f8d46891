// Package gateway is the local HTTP surface UI clients talk to. Commands
// arrive as action envelopes on the message endpoint; progress and results
// stream back over a WebSocket event feed.
package gateway

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	json "github.com/json-iterator/go"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/pagebrain/capd/internal/bus"
	"github.com/pagebrain/capd/internal/config"
	"github.com/pagebrain/capd/internal/orchestrator"
	"github.com/pagebrain/capd/internal/scrape"
	"github.com/pagebrain/capd/internal/secrets"
	"github.com/pagebrain/capd/internal/taskstore"
	"github.com/pagebrain/capd/internal/validate"
)

// Server exposes the daemon over HTTP and WebSocket.
type Server struct {
	cfg       config.GatewayConfig
	providers config.ProvidersConfig
	orch      *orchestrator.Orchestrator
	scraper   *scrape.Scraper
	validator *validate.Validator
	store     *taskstore.Store
	bus       *bus.Bus
	secrets   *secrets.Store
	logger    *zap.Logger

	httpServer *http.Server
	limiter    *clientLimiter
}

// New assembles the gateway server.
func New(cfg *config.Config, orch *orchestrator.Orchestrator, scraper *scrape.Scraper, validator *validate.Validator, store *taskstore.Store, eventBus *bus.Bus, secretStore *secrets.Store, logger *zap.Logger) *Server {
	s := &Server{
		cfg:       cfg.Gateway,
		providers: cfg.Providers,
		orch:      orch,
		scraper:   scraper,
		validator: validator,
		store:     store,
		bus:       eventBus,
		secrets:   secretStore,
		logger:    logger.Named("gateway"),
		limiter:   newClientLimiter(cfg.Gateway.RequestsPerHour, cfg.Gateway.Burst),
	}
	s.httpServer = &http.Server{
		Addr:              cfg.Gateway.Addr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()

	api := r.PathPrefix("/v1").Subrouter()

	limited := api.PathPrefix("").Subrouter()
	limited.Use(s.rateLimitMiddleware)
	limited.HandleFunc("/messages", s.handleMessage).Methods("POST", "OPTIONS")
	limited.HandleFunc("/history", s.handleHistory).Methods("GET")

	// The event stream is a single long-lived connection per client and is
	// not rate limited.
	api.HandleFunc("/events", s.handleEvents).Methods("GET")
	api.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	r.Use(s.corsMiddleware)
	return r
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	s.logger.Info("Gateway listening", zap.String("addr", s.cfg.Addr))
	return s.httpServer.ListenAndServe()
}

// Shutdown drains in-flight requests within the configured grace window.
func (s *Server) Shutdown(ctx context.Context) error {
	grace := s.cfg.ShutdownGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.cfg.AllowedOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) rateLimitMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.allow(clientKey(r)) {
			s.logger.Warn("Rate limit exceeded", zap.String("client", clientKey(r)))
			s.writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to write response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// clientLimiter keeps one token bucket per client address.
type clientLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rate     rate.Limit
	burst    int
}

func newClientLimiter(requestsPerHour, burst int) *clientLimiter {
	if requestsPerHour <= 0 {
		requestsPerHour = 3600
	}
	if burst <= 0 {
		burst = 10
	}
	return &clientLimiter{
		limiters: make(map[string]*rate.Limiter),
		rate:     rate.Limit(float64(requestsPerHour) / 3600.0),
		burst:    burst,
	}
}

func (l *clientLimiter) allow(key string) bool {
	l.mu.Lock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.rate, l.burst)
		l.limiters[key] = lim
	}
	l.mu.Unlock()
	return lim.Allow()
}
