package gateway

import (
	"sync"
	"sync/atomic"
)

// Limit reasons returned by Tracker.TryAcquire.
const (
	LimitGlobal = "max_connections"
	LimitPerIP  = "max_connections_per_ip"
)

// Tracker counts live connections globally and per client IP.
type Tracker struct {
	activeConnections atomic.Int64
	totalConnections  atomic.Int64
	totalMessages     atomic.Int64

	ipConnections map[string]int
	ipMu          sync.Mutex
}

// NewTracker creates an empty Tracker.
func NewTracker() *Tracker {
	return &Tracker{
		ipConnections: make(map[string]int),
	}
}

// ConnectionCount returns the current number of live connections.
func (t *Tracker) ConnectionCount() int {
	return int(t.activeConnections.Load())
}

// ConnectionCountForIP returns the live connection count for ip.
func (t *Tracker) ConnectionCountForIP(ip string) int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	return t.ipConnections[ip]
}

// ActiveIPConnections returns a copy of the per-IP counts.
func (t *Tracker) ActiveIPConnections() map[string]int {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()
	out := make(map[string]int, len(t.ipConnections))
	for ip, n := range t.ipConnections {
		out[ip] = n
	}
	return out
}

// TryAcquire checks both limits and counts the connection in one step.
// It returns "" on success or the limit that was hit.
func (t *Tracker) TryAcquire(ip string, maxGlobal, maxPerIP int) string {
	t.ipMu.Lock()
	defer t.ipMu.Unlock()

	// Read under the lock so check and increment cannot interleave.
	if int(t.activeConnections.Load()) >= maxGlobal {
		return LimitGlobal
	}
	if t.ipConnections[ip] >= maxPerIP {
		return LimitPerIP
	}

	t.activeConnections.Add(1)
	t.totalConnections.Add(1)
	t.ipConnections[ip]++
	return ""
}

// Release undoes a successful TryAcquire.
func (t *Tracker) Release(ip string) {
	t.activeConnections.Add(-1)
	t.ipMu.Lock()
	t.ipConnections[ip]--
	if t.ipConnections[ip] <= 0 {
		delete(t.ipConnections, ip)
	}
	t.ipMu.Unlock()
}

// IncrementMessages counts a message accepted from a client.
func (t *Tracker) IncrementMessages() {
	t.totalMessages.Add(1)
}

// TotalConnections returns the number of connections accepted since start.
func (t *Tracker) TotalConnections() int64 {
	return t.totalConnections.Load()
}

// TotalMessages returns the number of messages accepted since start.
func (t *Tracker) TotalMessages() int64 {
	return t.totalMessages.Load()
}
