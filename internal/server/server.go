// Package server exposes the worker's health endpoint over HTTP.
package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/bytedance/sonic"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/scrypster/mnemos/internal/health"
)

// HealthSource reports per-dependency health.
type HealthSource interface {
	GetHealthStatus() []health.HealthRecord
}

// HealthResponse is the /healthz payload.
type HealthResponse struct {
	Status       string                `json:"status"` // ok or degraded
	Dependencies []health.HealthRecord `json:"dependencies"`
}

// securityHeadersMiddleware adds security headers to all HTTP responses.
func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		next.ServeHTTP(w, r)
	})
}

// rateLimitMiddleware rejects requests beyond the limiter's budget.
func rateLimitMiddleware(next http.Handler, limiter *rate.Limiter) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Content-Type", "application/json")
			http.Error(w, `{"error":"rate limit exceeded","code":"RATE_LIMITED"}`,
				http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// HealthHandler serves the dependency snapshot. The response is 503 while
// the named critical dependency has an open circuit.
func HealthHandler(src HealthSource, critical string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}

		records := src.GetHealthStatus()
		resp := HealthResponse{Status: "ok", Dependencies: records}
		code := http.StatusOK
		for _, rec := range records {
			if rec.Name == critical && rec.State == health.StateOpen {
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
			}
		}
		if resp.Dependencies == nil {
			resp.Dependencies = []health.HealthRecord{}
		}

		body, err := sonic.Marshal(resp)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write(body)
	}
}

// NewHandler builds the worker's HTTP handler.
func NewHandler(src HealthSource, critical string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", HealthHandler(src, critical))

	// 10 req/sec, burst of 20
	handler := rateLimitMiddleware(mux, rate.NewLimiter(10, 20))
	return securityHeadersMiddleware(handler)
}

// Start listens on addr and serves handler until ctx is done. It returns the
// bound address, which differs from addr when addr uses port 0.
func Start(ctx context.Context, addr string, handler http.Handler, logger zerolog.Logger) (string, error) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}

	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("health server stopped")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("health server shutdown")
		}
	}()

	return listener.Addr().String(), nil
}
