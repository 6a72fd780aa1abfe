package collect

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/laneguard-project/laneguard/internal/core"
)

func appendToFile(t *testing.T, path, content string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		t.Fatalf("opening %s: %v", path, err)
	}
	defer f.Close()
	if _, err := f.WriteString(content); err != nil {
		t.Fatalf("appending to %s: %v", path, err)
	}
}

func TestTailFile_OnlyNewLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	if err := os.WriteFile(path, []byte("old line before start\n"), 0644); err != nil {
		t.Fatalf("seeding file: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	lines := make(chan string, 8)
	err := tailFile(ctx, path, func(line string) { lines <- line }, zerolog.Nop())
	if err != nil {
		t.Fatalf("tailFile: %v", err)
	}

	appendToFile(t, path, "first new line\nsecond new line\n")

	for _, want := range []string{"first new line", "second new line"} {
		select {
		case got := <-lines:
			if got != want {
				t.Errorf("line = %q, want %q", got, want)
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	select {
	case got := <-lines:
		t.Errorf("unexpected extra line %q, lines before start must be skipped", got)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestTailFile_MissingFile(t *testing.T) {
	err := tailFile(context.Background(), filepath.Join(t.TempDir(), "absent.log"), func(string) {}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestNDJSONCollector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.ndjson")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("creating file: %v", err)
	}

	log := core.NewEventLog(128, 64, 1, zerolog.Nop())
	defer log.Stop(context.Background())

	c := NewNDJSONCollector(path, "")
	if err := c.Start(context.Background(), log, zerolog.Nop()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	src := core.NewAuditEvent(core.TypeDataExport, core.LevelInfo, "export_shipments", "success")
	src.UserID = "user-3"
	data, err := src.Marshal()
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	appendToFile(t, path, string(data)+"\n{not json}\nplain text\n")

	events := waitForEvents(t, log, core.Filter{Types: []core.EventType{core.TypeDataExport}}, 1)
	ev := events[0]
	if ev.ID != src.ID {
		t.Errorf("id = %q, want the original %q", ev.ID, src.ID)
	}
	if ev.UserID != "user-3" {
		t.Errorf("userId = %q", ev.UserID)
	}
	if ev.Details["source"] != "collector:ndjson" {
		t.Errorf("details.source = %v", ev.Details["source"])
	}

	// The malformed lines must not have produced anything.
	if n := log.Count(core.Filter{}); n != 1 {
		t.Errorf("recorded %d events, want 1", n)
	}
}

func TestManager_StartAll(t *testing.T) {
	dir := t.TempDir()
	accessPath := filepath.Join(dir, "access.log")
	if err := os.WriteFile(accessPath, nil, 0644); err != nil {
		t.Fatalf("creating file: %v", err)
	}

	log := core.NewEventLog(128, 64, 1, zerolog.Nop())
	defer log.Stop(context.Background())

	m := NewManager(zerolog.Nop())
	cfg := core.CollectorsConfig{
		Enabled: true,
		Sources: []core.CollectorSource{
			{Type: "bogus"},
			{Type: "access", Path: filepath.Join(dir, "missing.log")},
			{Type: "access", Path: accessPath},
		},
	}
	if err := m.StartAll(context.Background(), cfg, log); err != nil {
		t.Fatalf("StartAll: %v", err)
	}

	if m.Count() != 1 {
		t.Fatalf("Count() = %d, want 1 (bad sources skipped)", m.Count())
	}
	names := m.Names()
	if len(names) != 1 || names[0] != "access:"+accessPath {
		t.Errorf("Names() = %v", names)
	}

	m.StopAll()
	if m.Count() != 0 {
		t.Errorf("Count() after StopAll = %d, want 0", m.Count())
	}
}

func TestManager_StartAll_Disabled(t *testing.T) {
	log := core.NewEventLog(128, 64, 1, zerolog.Nop())
	defer log.Stop(context.Background())

	m := NewManager(zerolog.Nop())
	cfg := core.CollectorsConfig{
		Enabled: false,
		Sources: []core.CollectorSource{{Type: "syslog", Listen: "127.0.0.1:0"}},
	}
	if err := m.StartAll(context.Background(), cfg, log); err != nil {
		t.Fatalf("StartAll: %v", err)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d, want 0 when disabled", m.Count())
	}
}

func TestAccessLogCollector_RecordsDeniedRequests(t *testing.T) {
	path := filepath.Join(t.TempDir(), "access.log")
	if err := os.WriteFile(path, nil, 0644); err != nil {
		t.Fatalf("creating file: %v", err)
	}

	log := core.NewEventLog(128, 64, 1, zerolog.Nop())
	defer log.Stop(context.Background())

	c := NewAccessLogCollector(path, "proxy")
	if err := c.Start(context.Background(), log, zerolog.Nop()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer c.Stop()

	appendToFile(t, path,
		`203.0.113.4 - - [10/Oct/2025:13:55:36 +0000] "GET /api/v1/shipments HTTP/1.1" 200 812 "-" "curl/8.0"`+"\n"+
			`203.0.113.4 - - [10/Oct/2025:13:55:37 +0000] "POST /login HTTP/1.1" 401 64 "-" "curl/8.0"`+"\n")

	events := waitForEvents(t, log, core.Filter{Types: []core.EventType{core.TypeLoginFailed}}, 1)
	ev := events[0]
	if ev.IPAddress != "203.0.113.4" {
		t.Errorf("ipAddress = %q", ev.IPAddress)
	}
	if ev.Details["source"] != "collector:proxy" {
		t.Errorf("details.source = %v", ev.Details["source"])
	}

	// The 200 line carries no signal and must not be recorded.
	if n := log.Count(core.Filter{}); n != 1 {
		t.Errorf("recorded %d events, want 1", n)
	}
}
