// Package server exposes the Threadline HTTP and WebSocket API: job
// submission and inspection, blocking and streaming orchestration, rate
// limit status, and manual control of the background engine loops.
package server

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/threadline/threadline/config"
	"github.com/threadline/threadline/job"
	"github.com/threadline/threadline/orchestrator"
	"github.com/threadline/threadline/processor"
	"github.com/threadline/threadline/ratelimit"
	"github.com/threadline/threadline/rescuer"
	"github.com/threadline/threadline/scheduler"
)

// walletHeader carries the authenticated tenant wallet address, set by
// the fronting auth layer. Requests without it are rate limited by IP.
const walletHeader = "X-Wallet-Address"

// Server wires the stores, orchestrator, limiter, and engine loops
// behind the HTTP API
type Server struct {
	jobs      *job.Store
	messages  *job.MessageStore
	limiter   *ratelimit.Limiter
	orch      *orchestrator.Orchestrator
	scheduler *scheduler.Scheduler
	processor *processor.Processor
	rescuer   *rescuer.Rescuer

	allowedOrigins []string
	logger         *zap.SugaredLogger
	httpServer     *http.Server
}

// New creates a server over the assembled components
func New(
	jobs *job.Store,
	messages *job.MessageStore,
	limiter *ratelimit.Limiter,
	orch *orchestrator.Orchestrator,
	sched *scheduler.Scheduler,
	proc *processor.Processor,
	resc *rescuer.Rescuer,
	cfg *config.Config,
	logger *zap.SugaredLogger,
) *Server {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Server{
		jobs:           jobs,
		messages:       messages,
		limiter:        limiter,
		orch:           orch,
		scheduler:      sched,
		processor:      proc,
		rescuer:        resc,
		allowedOrigins: cfg.GetServerAllowedOrigins(),
		logger:         logger,
	}
}

// Routes builds the request mux
func (s *Server) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.corsMiddleware(s.HandleHealth))
	mux.HandleFunc("/api/jobs", s.corsMiddleware(s.HandleJobs))           // List/create jobs (GET/POST)
	mux.HandleFunc("/api/jobs/", s.corsMiddleware(s.HandleJob))           // Individual job and messages (GET)
	mux.HandleFunc("/api/orchestrate", s.corsMiddleware(s.HandleOrchestrate)) // Blocking orchestration (POST)
	mux.HandleFunc("/ws/orchestrate", s.corsMiddleware(s.HandleOrchestrateWS)) // Streaming orchestration
	mux.HandleFunc("/api/ratelimit/status", s.corsMiddleware(s.HandleRateLimitStatus))
	mux.HandleFunc("/api/engine/trigger", s.corsMiddleware(s.HandleEngineTrigger)) // Force one engine pass (POST)
	mux.HandleFunc("/api/engine/status", s.corsMiddleware(s.HandleEngineStatus))
	return mux
}

// Start begins serving on the given port, blocking until shutdown
func (s *Server) Start(port int) error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Infow("Threadline server listening", "port", port)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// HandleHealth responds to liveness probes
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// corsMiddleware adds CORS headers using the configured allowed origins
func (s *Server) corsMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+walletHeader)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next(w, r)
	}
}

// originAllowed checks the Origin header against configured origins.
// Prefix matching allows any port number.
func (s *Server) originAllowed(origin string) bool {
	if origin == "" {
		return true
	}
	for _, allowed := range s.allowedOrigins {
		if strings.HasPrefix(origin, allowed) {
			return true
		}
	}
	return false
}

// identity resolves the rate-limit identity and tier for a request
func (s *Server) identity(r *http.Request) (identifier string, tier ratelimit.Tier) {
	wallet := r.Header.Get(walletHeader)
	return ratelimit.ResolveIdentifier(wallet, clientIP(r)), s.limiter.ResolveTier(wallet)
}

// consumeQuota enforces one unit of the category for the request.
// Returns false after writing the 429 response when the cap is reached.
func (s *Server) consumeQuota(w http.ResponseWriter, r *http.Request, category ratelimit.Category) bool {
	identifier, tier := s.identity(r)
	status, err := s.limiter.CheckAndConsume(r.Context(), identifier, tier, category)
	if err == nil {
		return true
	}
	if status != nil {
		s.logger.Warnw("Rate limit exceeded",
			"identifier", identifier, "tier", string(tier), "category", string(category))
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error": fmt.Sprintf("Rate limit exceeded for %s", category),
			"limit": status,
		})
		return false
	}
	writeError(w, http.StatusInternalServerError, "rate limit check failed")
	return false
}
