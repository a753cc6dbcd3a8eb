// Package gateway exposes a clamd client over HTTP: POST /check scans the
// request body and answers with the verdict as JSON.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	clamd "github.com/DevHatRo/clamd-client-go"
)

// Scanner is the part of *clamd.Client the gateway needs.
type Scanner interface {
	Check(ctx context.Context, data []byte) (clamd.Verdict, error)
}

// Config configures the gateway routes.
type Config struct {
	// MaxBodyBytes caps the size of a /check body.
	MaxBodyBytes int64
	// Metrics, when set, is served on /metrics.
	Metrics http.Handler
	// Health, when set, answers /health.
	Health *HealthMonitor
	// Logger receives request logs and scan failures.
	Logger zerolog.Logger
}

// App serves the scan gateway.
type App struct {
	scanner Scanner
	cfg     Config
}

// NewApp creates a gateway serving scans through scanner.
func NewApp(scanner Scanner, cfg Config) *App {
	return &App{scanner: scanner, cfg: cfg}
}

// Router returns the HTTP handler for the gateway.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(requestLogger(a.cfg.Logger))

	r.Post("/check", a.check)
	r.Get("/health", a.health)
	if a.cfg.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", a.cfg.Metrics)
	}

	return r
}

func (a *App) check(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, a.cfg.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	verdict, err := a.scanner.Check(r.Context(), body)
	if err != nil {
		a.cfg.Logger.Error().Err(err).Int("bytes", len(body)).Msg("scan failed")
		writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
		return
	}

	result, err := clamd.ResultOf(verdict)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Health == nil || a.cfg.Health.Alive() {
		writeJSON(w, http.StatusOK, map[string]string{"message": "ok"})
		return
	}
	writeJSON(w, http.StatusBadGateway, map[string]string{"message": "Clamd service unavailable"})
}

// statusFor maps client errors to HTTP statuses. Every failure is a server error.
func statusFor(err error) int {
	switch {
	case clamd.IsPoolExhaustedError(err):
		return http.StatusServiceUnavailable
	case clamd.IsServerUnavailableError(err), clamd.IsTransportError(err):
		return http.StatusBadGateway
	case clamd.IsTimeoutError(err):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
