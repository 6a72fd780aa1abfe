package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestLog(capacity int) *EventLog {
	return NewEventLog(capacity, 64, 2, zerolog.Nop())
}

// captureSink records appended events and signals each delivery.
type captureSink struct {
	mu        sync.Mutex
	events    []AuditEvent
	err       error
	delivered chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{delivered: make(chan struct{}, 128)}
}

func (s *captureSink) Name() string { return "capture" }

func (s *captureSink) Append(_ context.Context, e AuditEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		s.delivered <- struct{}{}
		return s.err
	}
	s.events = append(s.events, e)
	s.delivered <- struct{}{}
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func waitDelivered(t *testing.T, s *captureSink, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-s.delivered:
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for delivery %d of %d", i+1, n)
		}
	}
}

// ─── Record ─────────────────────────────────────────────────────────────────

func TestRecord_StampsMissingFields(t *testing.T) {
	l := newTestLog(10)
	defer l.Stop(context.Background())

	l.Record(AuditEvent{Type: TypeLoginFailed, Action: "login"})

	got := l.Query(Filter{})
	if len(got) != 1 {
		t.Fatalf("expected 1 event, got %d", len(got))
	}
	e := got[0]
	if e.ID == "" {
		t.Error("ID should be stamped")
	}
	if e.Timestamp.IsZero() {
		t.Error("Timestamp should be stamped")
	}
	if e.RiskScore != 5 {
		t.Errorf("RiskScore = %d, want 5", e.RiskScore)
	}
	if e.Result != "success" {
		t.Errorf("Result = %q, want default success", e.Result)
	}
}

func TestRecord_AlwaysRecomputesRiskScore(t *testing.T) {
	l := newTestLog(10)
	defer l.Stop(context.Background())

	l.Record(AuditEvent{Type: TypeSecurityViolation, RiskScore: 2})

	got := l.Query(Filter{})
	if got[0].RiskScore != 9 {
		t.Errorf("RiskScore = %d, want 9 (recomputed from type)", got[0].RiskScore)
	}
}

func TestRecord_PreservesCallerTimestamp(t *testing.T) {
	l := newTestLog(10)
	defer l.Stop(context.Background())

	ts := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
	l.Record(AuditEvent{Type: TypeDataAccess, Timestamp: ts})

	if got := l.Query(Filter{}); !got[0].Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got[0].Timestamp, ts)
	}
}

func TestRecord_EvictsOldestAtCapacity(t *testing.T) {
	l := newTestLog(3)
	defer l.Stop(context.Background())

	for _, id := range []string{"a", "b", "c", "d"} {
		l.Record(AuditEvent{ID: id, Type: TypeDataAccess})
	}

	got := l.Query(Filter{})
	if len(got) != 3 {
		t.Fatalf("buffered = %d, want 3", len(got))
	}
	if got[0].ID != "b" {
		t.Errorf("oldest surviving event = %q, want b", got[0].ID)
	}
}

// ─── Sink Forwarding ────────────────────────────────────────────────────────

func TestRecord_ForwardsToSink(t *testing.T) {
	l := newTestLog(10)
	sink := newCaptureSink()
	l.AddSink(sink)
	defer l.Stop(context.Background())

	l.Record(AuditEvent{Type: TypeLoginSuccess, UserID: "u-1"})

	waitDelivered(t, sink, 1)
	sink.mu.Lock()
	defer sink.mu.Unlock()
	if sink.events[0].UserID != "u-1" {
		t.Errorf("sink got UserID %q, want u-1", sink.events[0].UserID)
	}
	if sink.events[0].ID == "" {
		t.Error("sink should receive the stamped event")
	}
}

func TestRecord_SinkFailureDoesNotAffectCaller(t *testing.T) {
	l := newTestLog(10)
	sink := newCaptureSink()
	sink.err = errors.New("broker unreachable")
	l.AddSink(sink)
	defer l.Stop(context.Background())

	l.Record(AuditEvent{Type: TypeLoginFailed})
	waitDelivered(t, sink, 1)

	if got := len(l.Query(Filter{})); got != 1 {
		t.Errorf("buffered = %d, want 1 despite sink failure", got)
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if l.Status().Sinks["capture"].Failed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("sink failure was not counted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

type panicSink struct{ delivered chan struct{} }

func (s *panicSink) Name() string { return "panic" }
func (s *panicSink) Append(context.Context, AuditEvent) error {
	defer func() { s.delivered <- struct{}{} }()
	panic("sink exploded")
}
func (s *panicSink) Close() error { return nil }

func TestRecord_SinkPanicIsContained(t *testing.T) {
	l := newTestLog(10)
	ps := &panicSink{delivered: make(chan struct{}, 8)}
	cs := newCaptureSink()
	l.AddSink(ps)
	l.AddSink(cs)
	defer l.Stop(context.Background())

	l.Record(AuditEvent{Type: TypeLoginFailed})

	<-ps.delivered
	waitDelivered(t, cs, 1)
	if cs.count() != 1 {
		t.Errorf("second sink deliveries = %d, want 1", cs.count())
	}
}

type blockSink struct{ release chan struct{} }

func (s *blockSink) Name() string { return "block" }
func (s *blockSink) Append(ctx context.Context, _ AuditEvent) error {
	select {
	case <-s.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
func (s *blockSink) Close() error { return nil }

func TestRecord_NeverBlocksOnFullQueue(t *testing.T) {
	l := NewEventLog(10, 1, 1, zerolog.Nop())
	bs := &blockSink{release: make(chan struct{})}
	l.AddSink(bs)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 5; i++ {
			l.Record(AuditEvent{Type: TypeDataAccess})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full sink queue")
	}

	if l.Status().Dropped == 0 {
		t.Error("expected dropped enqueues once the queue filled")
	}
	close(bs.release)
	l.Stop(context.Background())
}

func TestStop_DrainsQueue(t *testing.T) {
	l := NewEventLog(100, 64, 2, zerolog.Nop())
	sink := newCaptureSink()
	l.AddSink(sink)

	for i := 0; i < 20; i++ {
		l.Record(AuditEvent{Type: TypeDataAccess})
	}
	l.Stop(context.Background())

	if got := sink.count(); got != 20 {
		t.Errorf("sink received %d events, want all 20 drained", got)
	}
}

func TestRecord_AfterStopIsSafe(t *testing.T) {
	l := newTestLog(10)
	l.Stop(context.Background())

	l.Record(AuditEvent{Type: TypeDataAccess})
	if got := len(l.Query(Filter{})); got != 1 {
		t.Errorf("buffer should still accept records after Stop, got %d", got)
	}
}

// ─── Observer ───────────────────────────────────────────────────────────────

func TestObserver_CalledWithStampedEvent(t *testing.T) {
	l := newTestLog(10)
	defer l.Stop(context.Background())

	var seen []AuditEvent
	l.SetObserver(func(e *AuditEvent) { seen = append(seen, *e) })

	l.Record(AuditEvent{Type: TypeLoginFailed})
	if len(seen) != 1 {
		t.Fatalf("observer called %d times, want 1", len(seen))
	}
	if seen[0].ID == "" || seen[0].RiskScore != 5 {
		t.Errorf("observer should see the stamped event: %+v", seen[0])
	}
}

func TestObserver_PanicDoesNotEscapeRecord(t *testing.T) {
	l := newTestLog(10)
	defer l.Stop(context.Background())

	l.SetObserver(func(*AuditEvent) { panic("rule exploded") })

	l.Record(AuditEvent{Type: TypeLoginFailed})
	l.Record(AuditEvent{Type: TypeLoginFailed})

	if got := len(l.Query(Filter{})); got != 2 {
		t.Errorf("buffered = %d, want 2 despite observer panics", got)
	}
}

func TestObserver_MayRecordDerivedEvents(t *testing.T) {
	l := newTestLog(10)
	defer l.Stop(context.Background())

	l.SetObserver(func(e *AuditEvent) {
		if e.Type == TypeLoginFailed {
			l.Record(AuditEvent{Type: TypeSecurityViolation, Level: LevelError})
		}
	})

	l.Record(AuditEvent{Type: TypeLoginFailed})

	got := l.Query(Filter{})
	if len(got) != 2 {
		t.Fatalf("buffered = %d, want trigger plus derived event", len(got))
	}
	if got[1].Type != TypeSecurityViolation {
		t.Errorf("second event = %q, want security_violation", got[1].Type)
	}
}

// ─── Queries ────────────────────────────────────────────────────────────────

func TestRecent_NewestFirst(t *testing.T) {
	l := newTestLog(10)
	defer l.Stop(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		l.Record(AuditEvent{ID: id, Type: TypeDataAccess})
	}

	got := l.Recent(2)
	if len(got) != 2 {
		t.Fatalf("Recent(2) returned %d events", len(got))
	}
	if got[0].ID != "c" || got[1].ID != "b" {
		t.Errorf("Recent order = %s, %s; want c, b", got[0].ID, got[1].ID)
	}
}

// ─── Concurrency ────────────────────────────────────────────────────────────

func TestRecord_ConcurrentSafe(t *testing.T) {
	l := NewEventLog(1000, 2048, 2, zerolog.Nop())
	defer l.Stop(context.Background())

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Record(AuditEvent{Type: TypeDataAccess})
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				l.Query(Filter{Limit: 5})
			}
		}()
	}
	wg.Wait()

	if got := len(l.Query(Filter{})); got != 500 {
		t.Errorf("buffered = %d, want 500", got)
	}
}
