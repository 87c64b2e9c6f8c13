package gateway

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/cortexuvula/chatrelay/internal/apperr"
	"github.com/cortexuvula/chatrelay/internal/security"
)

const liveRoute = "/ws"

// instrument logs each request and records request count and latency by
// route pattern. Live connections are counted but their lifetime is not
// recorded as latency.
func (s *Server) instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		elapsed := time.Since(start)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		if s.Metrics != nil {
			s.Metrics.RequestCount.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
			if route != liveRoute {
				s.Metrics.RequestLatency.WithLabelValues(r.Method, route).Observe(elapsed.Seconds())
			}
		}
		slog.Debug("http request",
			"method", r.Method,
			"route", route,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", elapsed.String(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

// limitAuth applies the per-IP auth rate limit.
func (s *Server) limitAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cfg := s.GetConfig()
		if cfg.Security.RateLimit.Enabled && s.AuthLimiter != nil {
			ip := security.ExtractClientIP(r.RemoteAddr)
			if !s.AuthLimiter.Allow(ip) {
				slog.Warn("auth rate limit exceeded", "client_ip", ip, "path", r.URL.Path)
				s.writeError(w, fmt.Errorf("%w: too many auth attempts", apperr.ErrRateLimited))
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}
