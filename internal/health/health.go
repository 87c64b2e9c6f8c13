package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/cortexuvula/chatrelay/internal/logging"
	"github.com/cortexuvula/chatrelay/internal/metrics"
)

const recentProblems = 10

// Pinger reports whether the chat store answers.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ConnStats exposes live connection counters.
type ConnStats interface {
	ConnectionCount() int
	TotalConnections() int64
	TotalMessages() int64
}

// RoomStats exposes the number of active rooms.
type RoomStats interface {
	RoomCount() int
}

// Response is the JSON response from the health endpoint.
type Response struct {
	Status            string   `json:"status"`
	Uptime            string   `json:"uptime"`
	ActiveConnections int      `json:"active_connections"`
	ActiveRooms       int      `json:"active_rooms"`
	StoreReachable    bool     `json:"store_reachable"`
	Version           string   `json:"version,omitempty"`
	Timestamp         string   `json:"timestamp"`
	Details           *Details `json:"details,omitempty"`
}

// Details contains extended health information.
type Details struct {
	TotalConnections int64   `json:"total_connections"`
	TotalMessages    int64   `json:"total_messages"`
	MemoryMB         float64 `json:"memory_mb"`
	Goroutines       int     `json:"goroutines"`

	RecentProblems []logging.Entry `json:"recent_problems,omitempty"`
}

// Handler serves the health check endpoint.
type Handler struct {
	startTime   time.Time
	store       Pinger
	conns       ConnStats
	rooms       RoomStats
	metrics     *metrics.Metrics    // optional, nil if metrics disabled
	problems    *logging.ProblemLog // optional
	version     string
	detailed    bool
	pingTimeout time.Duration
}

// NewHandler creates a new health check handler. Version and details are
// only reported when detailed is set.
func NewHandler(store Pinger, conns ConnStats, rooms RoomStats, version string, detailed bool) *Handler {
	return &Handler{
		startTime:   time.Now(),
		store:       store,
		conns:       conns,
		rooms:       rooms,
		version:     version,
		detailed:    detailed,
		pingTimeout: 5 * time.Second,
	}
}

// SetMetrics sets the optional Prometheus metrics.
func (h *Handler) SetMetrics(m *metrics.Metrics) {
	h.metrics = m
}

// SetProblems adds the most recent warnings and errors to detailed reports.
func (h *Handler) SetProblems(p *logging.ProblemLog) {
	h.problems = p
}

// ServeHTTP handles health check requests. A store that does not answer
// turns the status to degraded with 503.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	storeOK := h.checkStore(r.Context())

	if h.metrics != nil {
		if storeOK {
			h.metrics.StoreReachable.Set(1)
		} else {
			h.metrics.StoreReachable.Set(0)
		}
	}

	status := "ok"
	httpCode := http.StatusOK
	if !storeOK {
		status = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	resp := Response{
		Status:            status,
		Uptime:            time.Since(h.startTime).Round(time.Second).String(),
		ActiveConnections: h.conns.ConnectionCount(),
		ActiveRooms:       h.rooms.RoomCount(),
		StoreReachable:    storeOK,
		Timestamp:         time.Now().UTC().Format(time.RFC3339),
	}

	if h.detailed {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		resp.Version = h.version
		resp.Details = &Details{
			TotalConnections: h.conns.TotalConnections(),
			TotalMessages:    h.conns.TotalMessages(),
			MemoryMB:         float64(memStats.Alloc) / 1024 / 1024,
			Goroutines:       runtime.NumGoroutine(),
		}
		if h.problems != nil {
			resp.Details.RecentProblems = h.problems.Recent(recentProblems)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(httpCode)
	json.NewEncoder(w).Encode(resp)
}

func (h *Handler) checkStore(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.pingTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		slog.Debug("store unreachable", "error", err)
		return false
	}
	return true
}
