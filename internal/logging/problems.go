package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Entry is one retained warning or error record.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// ProblemLog is a fixed-size ring of the most recent warning and error
// records, newest overwriting oldest.
type ProblemLog struct {
	mu      sync.Mutex
	entries []Entry
	next    int
	full    bool
}

// NewProblemLog creates a ring holding up to capacity entries.
func NewProblemLog(capacity int) *ProblemLog {
	if capacity <= 0 {
		capacity = 1
	}
	return &ProblemLog{entries: make([]Entry, capacity)}
}

func (p *ProblemLog) add(e Entry) {
	p.mu.Lock()
	p.entries[p.next] = e
	p.next = (p.next + 1) % len(p.entries)
	if p.next == 0 {
		p.full = true
	}
	p.mu.Unlock()
}

// Recent returns up to limit entries, newest first. limit <= 0 returns all.
func (p *ProblemLog) Recent(limit int) []Entry {
	p.mu.Lock()
	defer p.mu.Unlock()

	n := p.next
	if p.full {
		n = len(p.entries)
	}
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (p.next - 1 - i + len(p.entries)) % len(p.entries)
		out = append(out, p.entries[idx])
	}
	return out
}

// problems is fed by every handler Setup installs.
var problems = NewProblemLog(50)

// Problems returns the log of recent warnings and errors.
func Problems() *ProblemLog {
	return problems
}

// problemHandler forwards to inner and copies warn-and-above records into log.
type problemHandler struct {
	inner  slog.Handler
	log    *ProblemLog
	attrs  []slog.Attr
	groups []string
}

// NewProblemHandler returns a handler that forwards to inner and copies
// warn-and-above records into log.
func NewProblemHandler(inner slog.Handler, log *ProblemLog) slog.Handler {
	return &problemHandler{inner: inner, log: log}
}

func (h *problemHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.inner.Enabled(ctx, l)
}

func (h *problemHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		h.log.add(h.entry(r))
	}
	return h.inner.Handle(ctx, r)
}

func (h *problemHandler) entry(r slog.Record) Entry {
	e := Entry{Time: r.Time, Level: r.Level.String(), Message: r.Message}
	if len(h.attrs) == 0 && r.NumAttrs() == 0 {
		return e
	}
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	e.Attrs = make(map[string]any, len(h.attrs)+r.NumAttrs())
	for _, a := range h.attrs {
		e.Attrs[a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		v := a.Value.Any()
		if err, ok := v.(error); ok {
			v = err.Error()
		}
		e.Attrs[prefix+a.Key] = v
		return true
	})
	return e
}

func (h *problemHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	for _, a := range attrs {
		merged = append(merged, slog.Attr{Key: prefix + a.Key, Value: a.Value})
	}
	return &problemHandler{inner: h.inner.WithAttrs(attrs), log: h.log, attrs: merged, groups: h.groups}
}

func (h *problemHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := append(append([]string{}, h.groups...), name)
	return &problemHandler{inner: h.inner.WithGroup(name), log: h.log, attrs: h.attrs, groups: groups}
}
