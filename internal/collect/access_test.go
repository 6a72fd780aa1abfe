package collect

import (
	"testing"

	"github.com/laneguard-project/laneguard/internal/core"
)

func TestParseAccessLine(t *testing.T) {
	line := `203.0.113.4 - alice [10/Oct/2025:13:55:36 -0700] "POST /login HTTP/1.1" 401 512 "https://app.example.com/" "Mozilla/5.0"`

	rec, ok := ParseAccessLine(line)
	if !ok {
		t.Fatal("ParseAccessLine returned false for a valid combined line")
	}
	if rec.ClientIP != "203.0.113.4" {
		t.Errorf("ClientIP = %q", rec.ClientIP)
	}
	if rec.User != "alice" {
		t.Errorf("User = %q", rec.User)
	}
	if rec.Method != "POST" || rec.Path != "/login" {
		t.Errorf("request = %s %s", rec.Method, rec.Path)
	}
	if rec.Status != 401 || rec.Bytes != 512 {
		t.Errorf("status/bytes = %d/%d", rec.Status, rec.Bytes)
	}
	if rec.Referer != "https://app.example.com/" {
		t.Errorf("Referer = %q", rec.Referer)
	}
	if rec.UserAgent != "Mozilla/5.0" {
		t.Errorf("UserAgent = %q", rec.UserAgent)
	}
}

func TestParseAccessLine_DashFields(t *testing.T) {
	line := `10.0.0.9 - - [10/Oct/2025:13:55:36 +0000] "GET /health HTTP/1.1" 200 -`

	rec, ok := ParseAccessLine(line)
	if !ok {
		t.Fatal("ParseAccessLine returned false")
	}
	if rec.User != "" {
		t.Errorf("User = %q, want empty for -", rec.User)
	}
	if rec.Bytes != 0 {
		t.Errorf("Bytes = %d, want 0 for -", rec.Bytes)
	}
}

func TestParseAccessLine_Garbage(t *testing.T) {
	for _, line := range []string{
		"",
		"plain text without structure",
		`{"json":"line"}`,
	} {
		if _, ok := ParseAccessLine(line); ok {
			t.Errorf("ParseAccessLine(%q) = true, want false", line)
		}
	}
}

func TestAccessEvent(t *testing.T) {
	cases := []struct {
		name     string
		method   string
		path     string
		status   int
		wantType core.EventType
		wantNil  bool
	}{
		{"401 on login path", "POST", "/login", 401, core.TypeLoginFailed, false},
		{"401 on auth token path", "POST", "/api/v1/auth/token", 401, core.TypeLoginFailed, false},
		{"401 outside login", "GET", "/api/v1/shipments", 401, core.TypeAccessDenied, false},
		{"403 forbidden", "GET", "/admin/export", 403, core.TypeAccessDenied, false},
		{"429 throttled", "GET", "/api/v1/shipments", 429, core.TypeRateLimitExceeded, false},
		{"successful login post", "POST", "/login", 200, core.TypeLoginSuccess, false},
		{"login 4xx", "POST", "/signin", 422, core.TypeLoginFailed, false},
		{"ordinary 200", "GET", "/api/v1/shipments", 200, "", true},
		{"static asset", "GET", "/assets/app.css", 304, "", true},
		{"server error", "GET", "/api/v1/shipments", 500, "", true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &AccessRecord{
				ClientIP:  "198.51.100.7",
				Method:    tc.method,
				Path:      tc.path,
				Status:    tc.status,
				UserAgent: "curl/8.0",
			}
			ev := AccessEvent(rec, "collector:proxy")
			if tc.wantNil {
				if ev != nil {
					t.Fatalf("got %s event, want nil", ev.Type)
				}
				return
			}
			if ev == nil {
				t.Fatal("got nil, want an event")
			}
			if ev.Type != tc.wantType {
				t.Errorf("type = %s, want %s", ev.Type, tc.wantType)
			}
			if ev.IPAddress != "198.51.100.7" {
				t.Errorf("ipAddress = %q", ev.IPAddress)
			}
			if ev.Details["source"] != "collector:proxy" {
				t.Errorf("details.source = %v", ev.Details["source"])
			}
			if ev.Details["status"] != tc.status {
				t.Errorf("details.status = %v, want %d", ev.Details["status"], tc.status)
			}
		})
	}
}

func TestAccessEvent_CarriesUserAndReferer(t *testing.T) {
	rec := &AccessRecord{
		ClientIP: "198.51.100.7",
		User:     "bob",
		Method:   "GET",
		Path:     "/admin",
		Status:   403,
		Referer:  "https://app.example.com/dash",
	}
	ev := AccessEvent(rec, "collector:proxy")
	if ev == nil {
		t.Fatal("got nil")
	}
	if ev.UserID != "bob" {
		t.Errorf("userId = %q", ev.UserID)
	}
	if ev.Details["referer"] != "https://app.example.com/dash" {
		t.Errorf("details.referer = %v", ev.Details["referer"])
	}
}
