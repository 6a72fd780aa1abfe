package core

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// sinkAppendTimeout bounds a single sink delivery so one slow sink
// cannot stall the queue workers indefinitely.
const sinkAppendTimeout = 5 * time.Second

// EventLog is the append-only audit record store. Recorded events land
// in a fixed-capacity ring buffer for recent-window queries and are
// forwarded to the registered sinks by background workers. Record is
// fire-and-forget: it never blocks on sink I/O, never returns an error
// and never panics outward.
type EventLog struct {
	logger zerolog.Logger
	ring   *eventRing

	queue chan AuditEvent
	wg    sync.WaitGroup
	ctx   context.Context
	stop  context.CancelFunc

	closedMu sync.RWMutex
	closed   bool

	sinks    []Sink
	observer func(*AuditEvent)

	statsMu   sync.Mutex
	recorded  uint64
	dropped   uint64
	delivered map[string]uint64
	failed    map[string]uint64
}

// NewEventLog creates the log and starts its sink workers. capacity is
// the ring buffer size (default 1000), queueSize the sink queue depth
// (default 1024), workers the number of delivery goroutines (default 2).
func NewEventLog(capacity, queueSize, workers int, logger zerolog.Logger) *EventLog {
	if capacity <= 0 {
		capacity = 1000
	}
	if queueSize <= 0 {
		queueSize = 1024
	}
	if workers <= 0 {
		workers = 2
	}

	ctx, cancel := context.WithCancel(context.Background())
	l := &EventLog{
		logger:    logger.With().Str("component", "audit_log").Logger(),
		ring:      newEventRing(capacity),
		queue:     make(chan AuditEvent, queueSize),
		ctx:       ctx,
		stop:      cancel,
		delivered: make(map[string]uint64),
		failed:    make(map[string]uint64),
	}

	for i := 0; i < workers; i++ {
		l.wg.Add(1)
		go l.worker()
	}
	return l
}

// AddSink registers a durable sink. Call before traffic starts; sinks
// are not synchronized against in-flight deliveries.
func (l *EventLog) AddSink(s Sink) {
	l.sinks = append(l.sinks, s)
}

// Sinks returns the names of the registered sinks.
func (l *EventLog) Sinks() []string {
	names := make([]string, 0, len(l.sinks))
	for _, s := range l.sinks {
		names = append(names, s.Name())
	}
	return names
}

// SetObserver installs the hook called synchronously after each record,
// used by the anomaly detector. The hook runs outside the buffer lock
// and may itself call Record.
func (l *EventLog) SetObserver(fn func(*AuditEvent)) {
	l.observer = fn
}

// Record stamps and stores one audit event. Missing fields are filled:
// ID, timestamp (UTC, assigned once), risk score (always recomputed
// from the type so the score stays a pure function of it) and result.
func (l *EventLog) Record(e AuditEvent) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	e.RiskScore = RiskScore(e.Type)
	if e.Result == "" {
		e.Result = "success"
	}

	l.ring.add(e)
	l.statsMu.Lock()
	l.recorded++
	l.statsMu.Unlock()

	l.enqueue(e)

	if l.observer != nil {
		l.observe(&e)
	}
}

// observe isolates the detector from the record path: a panicking rule
// set must not unwind into request handling.
func (l *EventLog) observe(e *AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Str("event_id", e.ID).Msg("event observer panicked")
		}
	}()
	l.observer(e)
}

func (l *EventLog) enqueue(e AuditEvent) {
	l.closedMu.RLock()
	defer l.closedMu.RUnlock()
	if l.closed {
		return
	}
	select {
	case l.queue <- e:
	default:
		l.statsMu.Lock()
		l.dropped++
		l.statsMu.Unlock()
		l.logger.Debug().Str("event_id", e.ID).Msg("sink queue full, event not forwarded")
	}
}

func (l *EventLog) worker() {
	defer l.wg.Done()
	for e := range l.queue {
		for _, s := range l.sinks {
			l.appendToSink(s, e)
		}
	}
}

func (l *EventLog) appendToSink(s Sink, e AuditEvent) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error().Interface("panic", r).Str("sink", s.Name()).Msg("sink panicked")
			l.statsMu.Lock()
			l.failed[s.Name()]++
			l.statsMu.Unlock()
		}
	}()

	ctx, cancel := context.WithTimeout(l.ctx, sinkAppendTimeout)
	defer cancel()

	if err := s.Append(ctx, e); err != nil {
		l.statsMu.Lock()
		l.failed[s.Name()]++
		l.statsMu.Unlock()
		l.logger.Warn().Err(err).Str("sink", s.Name()).Str("event_id", e.ID).Msg("sink append failed")
		return
	}
	l.statsMu.Lock()
	l.delivered[s.Name()]++
	l.statsMu.Unlock()
}

// Query returns matching buffered events in insertion order.
func (l *EventLog) Query(f Filter) []AuditEvent {
	return l.ring.query(f)
}

// Count returns the number of matching buffered events.
func (l *EventLog) Count(f Filter) int {
	return l.ring.count(f)
}

// Recent returns the n most recent events, newest first.
func (l *EventLog) Recent(n int) []AuditEvent {
	events := l.ring.query(Filter{Limit: n})
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
	return events
}

// Stop closes intake, drains the sink queue and closes the sinks. The
// drain is abandoned when ctx expires; in-flight sink appends are then
// cancelled.
func (l *EventLog) Stop(ctx context.Context) {
	l.closedMu.Lock()
	if l.closed {
		l.closedMu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.closedMu.Unlock()

	done := make(chan struct{})
	go func() {
		l.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		l.stop()
		<-done
	}
	l.stop()

	for _, s := range l.sinks {
		if err := s.Close(); err != nil {
			l.logger.Warn().Err(err).Str("sink", s.Name()).Msg("sink close failed")
		}
	}
}

// SinkStats counts deliveries per sink.
type SinkStats struct {
	Delivered uint64 `json:"delivered"`
	Failed    uint64 `json:"failed"`
}

// LogStatus is a point-in-time snapshot of the event log.
type LogStatus struct {
	Buffered      int                  `json:"buffered"`
	Capacity      int                  `json:"capacity"`
	Recorded      uint64               `json:"recorded"`
	Dropped       uint64               `json:"dropped"`
	QueueDepth    int                  `json:"queue_depth"`
	QueueCapacity int                  `json:"queue_capacity"`
	Sinks         map[string]SinkStats `json:"sinks,omitempty"`
}

func (l *EventLog) Status() LogStatus {
	l.statsMu.Lock()
	defer l.statsMu.Unlock()

	sinks := make(map[string]SinkStats, len(l.sinks))
	for _, s := range l.sinks {
		sinks[s.Name()] = SinkStats{
			Delivered: l.delivered[s.Name()],
			Failed:    l.failed[s.Name()],
		}
	}
	return LogStatus{
		Buffered:      l.ring.len(),
		Capacity:      l.ring.cap(),
		Recorded:      l.recorded,
		Dropped:       l.dropped,
		QueueDepth:    len(l.queue),
		QueueCapacity: cap(l.queue),
		Sinks:         sinks,
	}
}
