/*
server.go - HTTP router and middleware configuration

PURPOSE:
  Configures the HTTP router (chi), middleware stack, and route definitions.
  This is the wiring layer that connects URLs to handlers.

MIDDLEWARE STACK:
  1. RequestID:  Unique ID per request for tracing
  2. Logger:     Structured request logging (slog)
  3. Recoverer:  Panic recovery (500 instead of crash)
  4. CORS:       Cross-origin requests for the frontend

ROUTE GROUPS:
  /api/cycles/*        Cycles, ledgers, streams
  /api/transactions/*  Transactions
  /api/insights/*      Snapshot and portfolio summary
  /api/board           Board summary
  /api/scenarios/*     Demo scenarios

SEE ALSO:
  - handlers.go: Handler implementations
  - cmd/server/main.go: Server startup
*/
package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/warp/cycle-ledger/log"
)

// DefaultCORSOrigins are the dev server origins allowed when none are configured.
var DefaultCORSOrigins = []string{"http://localhost:5173", "http://localhost:8080"}

// NewRouter creates a new router with all routes configured.
func NewRouter(h *Handler, corsOrigins []string) *chi.Mux {
	if len(corsOrigins) == 0 {
		corsOrigins = DefaultCORSOrigins
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RequestID)
	r.Use(requestLogger(h.logger))
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   corsOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Last-Event-ID"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		})

		// Cycle routes
		r.Route("/cycles", func(r chi.Router) {
			r.Get("/", h.ListCycles)
			r.Post("/", h.CreateCycle)
			r.Get("/stream", h.StreamCycles)
			r.Get("/{id}", h.GetCycle)
			r.Put("/{id}", h.UpdateCycle)
			r.Delete("/{id}", h.DeleteCycle)
			r.Get("/{id}/ledger", h.GetLedger)
			r.Get("/{id}/ledger/stream", h.StreamLedger)
			r.Post("/{id}/transactions", h.AddTransaction)
		})

		// Transaction routes
		r.Route("/transactions", func(r chi.Router) {
			r.Get("/{id}", h.GetTransaction)
			r.Put("/{id}", h.UpdateTransaction)
			r.Delete("/{id}", h.DeleteTransaction)
		})

		// Insight routes
		r.Route("/insights", func(r chi.Router) {
			r.Get("/snapshot", h.GetSnapshot)
			r.Get("/summary", h.GetInsights)
		})
		r.Get("/board", h.GetBoard)

		// Scenario routes
		r.Route("/scenarios", func(r chi.Router) {
			r.Get("/", h.ListScenarios)
			r.Post("/load", h.LoadScenario)
		})
	})

	return r
}

// requestLogger logs one line per request with status and duration.
func requestLogger(logger *log.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			args := []any{
				log.FieldRequestID, middleware.GetReqID(r.Context()),
				log.FieldMethod, r.Method,
				log.FieldPath, r.URL.Path,
				log.FieldStatusCode, status,
				log.FieldDuration, time.Since(start).Milliseconds(),
			}
			if status >= http.StatusInternalServerError {
				logger.ErrorContext(r.Context(), "request failed", args...)
				return
			}
			logger.InfoContext(r.Context(), "request", args...)
		})
	}
}
