package core

import (
	"sync"
	"time"
)

// Filter selects events from the in-memory buffer. Zero-value fields
// are ignored. From and To are inclusive bounds.
type Filter struct {
	From      time.Time
	To        time.Time
	Types     []EventType
	UserID    string
	IPAddress string
	MinRisk   int
	Limit     int
}

func (f Filter) matches(e *AuditEvent) bool {
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if len(f.Types) > 0 {
		found := false
		for _, t := range f.Types {
			if e.Type == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.UserID != "" && e.UserID != f.UserID {
		return false
	}
	if f.IPAddress != "" && e.IPAddress != f.IPAddress {
		return false
	}
	if f.MinRisk > 0 && e.RiskScore < f.MinRisk {
		return false
	}
	return true
}

// eventRing is a fixed-capacity ring buffer over audit events. Oldest
// entries are overwritten once the buffer is full. Reads return copies
// so callers can never mutate recorded events.
type eventRing struct {
	mu      sync.RWMutex
	entries []AuditEvent
	maxSize int
	pos     int
	full    bool
}

func newEventRing(maxSize int) *eventRing {
	if maxSize <= 0 {
		maxSize = 1
	}
	return &eventRing{
		entries: make([]AuditEvent, maxSize),
		maxSize: maxSize,
	}
}

func (r *eventRing) add(e AuditEvent) {
	r.mu.Lock()
	r.entries[r.pos] = e
	r.pos = (r.pos + 1) % r.maxSize
	if r.pos == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

func (r *eventRing) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return r.maxSize
	}
	return r.pos
}

func (r *eventRing) cap() int {
	return r.maxSize
}

// query returns matching events in insertion order. When f.Limit is
// positive only the most recent matches are kept, still chronological.
func (r *eventRing) query(f Filter) []AuditEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int
	if r.full {
		total = r.maxSize
	} else {
		total = r.pos
	}

	result := make([]AuditEvent, 0, total)
	start := r.pos - total
	if start < 0 {
		start += r.maxSize
	}
	for i := 0; i < total; i++ {
		idx := (start + i) % r.maxSize
		if f.matches(&r.entries[idx]) {
			result = append(result, r.entries[idx])
		}
	}
	if f.Limit > 0 && len(result) > f.Limit {
		result = result[len(result)-f.Limit:]
	}
	return result
}

// count returns the number of matching events without copying them.
func (r *eventRing) count(f Filter) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var total int
	if r.full {
		total = r.maxSize
	} else {
		total = r.pos
	}

	n := 0
	start := r.pos - total
	if start < 0 {
		start += r.maxSize
	}
	for i := 0; i < total; i++ {
		idx := (start + i) % r.maxSize
		if f.matches(&r.entries[idx]) {
			n++
		}
	}
	return n
}
