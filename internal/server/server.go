// Package server provides the HTTP REST API for the automation engine.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/job-autopilot/internal/automation"
	"github.com/jonathan/job-autopilot/internal/server/ratelimit"
	"github.com/jonathan/job-autopilot/internal/types"
	wshub "github.com/jonathan/job-autopilot/internal/ws"
)

// AutomationService is the run orchestration surface the handlers call.
type AutomationService interface {
	CreateJobApplyRun(ctx context.Context, req types.JobApplyRequest) (uuid.UUID, error)
	CreateScheduledJobApplyRun(ctx context.Context, req types.ScheduleJobApplyRequest) (uuid.UUID, time.Time, error)
	RunEmailResponse(ctx context.Context, req types.EmailResponseRequest) (*automation.EmailResponseResult, error)
	GetRun(ctx context.Context, id uuid.UUID) (*types.AutomationRun, error)
	ListRuns(ctx context.Context, runType, status string) ([]types.AutomationRun, error)
}

// SettingsStore reads and writes the automation settings singleton.
type SettingsStore interface {
	AutomationSettings(ctx context.Context) (types.AutomationSettings, error)
	SaveAutomationSettings(ctx context.Context, settings types.AutomationSettings) error
}

// ArtifactResolver resolves stored screenshot names to filesystem paths.
type ArtifactResolver interface {
	ArtifactPath(runID, name string) (string, error)
}

// Server represents the HTTP server
type Server struct {
	httpServer  *http.Server
	service     AutomationService
	settings    SettingsStore
	artifacts   ArtifactResolver
	hub         *wshub.Hub
	rateLimiter *ratelimit.Limiter
}

// Config holds server configuration
type Config struct {
	Port      int
	Service   AutomationService
	Settings  SettingsStore
	Artifacts ArtifactResolver
	Hub       *wshub.Hub
}

// New creates a new server instance
func New(cfg Config) *Server {
	s := &Server{
		service:   cfg.Service,
		settings:  cfg.Settings,
		artifacts: cfg.Artifacts,
		hub:       cfg.Hub,
	}

	s.rateLimiter = ratelimit.NewLimiter(ratelimit.LoadConfig())

	mux := http.NewServeMux()
	mux.HandleFunc("POST /automation/job-apply", s.handleJobApply)
	mux.HandleFunc("POST /automation/job-apply/schedule", s.handleScheduleJobApply)
	mux.HandleFunc("POST /automation/email-response", s.handleEmailResponse)
	mux.HandleFunc("GET /automation/runs", s.handleListRuns)
	mux.HandleFunc("GET /automation/runs/{id}", s.handleGetRun)
	mux.HandleFunc("GET /automation/screenshots/{run_id}/{index}", s.handleScreenshot)
	mux.HandleFunc("GET /automation/settings", s.handleGetSettings)
	mux.HandleFunc("PUT /automation/settings", s.handleUpdateSettings)
	mux.HandleFunc("GET /ws/automation", s.handleWebSocket)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.withRateLimit(s.withLogging(s.withCORS(mux))),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // Websocket connections stay open indefinitely
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for requests and blocks until shutdown
func (s *Server) Start() error {
	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Printf("Server starting on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-stop
	log.Println("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}

	log.Println("Server stopped")
	return nil
}

// withCORS adds CORS headers
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withRateLimit adds rate limiting middleware
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		clientID := s.extractClientID(r)

		allowed, info := s.rateLimiter.Allow(clientID, r.URL.Path, r.Method)
		s.setRateLimitHeaders(w, info)
		if !allowed {
			s.rateLimitResponse(w, info)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// withLogging adds request logging
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		log.Printf("[%s] %s %s", r.Method, r.URL.Path, r.RemoteAddr)
		next.ServeHTTP(w, r)
		log.Printf("[%s] %s completed in %v", r.Method, r.URL.Path, time.Since(start))
	})
}

// handleHealth returns server health status
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// jsonResponse writes a JSON response
func (s *Server) jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("Error encoding JSON response: %v", err)
	}
}

// errorResponse writes an error JSON response
func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}

// extractClientID extracts the client identifier from the request.
// For MVP, this uses the IP address from RemoteAddr.
func (s *Server) extractClientID(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return ip
}

// setRateLimitHeaders sets standard rate limit headers on the response.
func (s *Server) setRateLimitHeaders(w http.ResponseWriter, info ratelimit.Info) {
	if info.Limit > 0 {
		w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", info.Limit))
		w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", info.Remaining))
		w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", info.ResetTime.Unix()))
	}
}

// rateLimitResponse writes a 429 Too Many Requests response with rate limit information.
func (s *Server) rateLimitResponse(w http.ResponseWriter, info ratelimit.Info) {
	response := map[string]interface{}{
		"error":     "rate_limit_exceeded",
		"message":   "Rate limit exceeded. Please try again later.",
		"limit":     info.Limit,
		"remaining": info.Remaining,
		"reset_at":  info.ResetTime.Format(time.RFC3339),
	}

	if info.RetryAfter > 0 {
		response["retry_after"] = int(info.RetryAfter.Seconds())
		w.Header().Set("Retry-After", fmt.Sprintf("%d", int(info.RetryAfter.Seconds())))
	}

	log.Printf("[rate-limit] Rate limit exceeded: Limit=%d Remaining=%d Reset=%s",
		info.Limit, info.Remaining, info.ResetTime.Format(time.RFC3339))

	s.jsonResponse(w, http.StatusTooManyRequests, response)
}
