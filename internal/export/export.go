// Package export renders audit events as CSV for compliance handoff.
// The column set is fixed and every field is quoted, so downstream
// spreadsheet imports never misparse a row regardless of what user
// data ended up inside an event.
package export

import (
	"bytes"
	"encoding/json"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/laneguard-project/laneguard/internal/core"
)

// Columns is the fixed CSV header, in order.
var Columns = []string{
	"timestamp", "level", "eventType", "userId", "userEmail", "userRole",
	"ipAddress", "resourceType", "resourceId", "action", "result",
	"riskScore", "details",
}

// Write renders a header row and one row per event, preserving the
// order given. Fields are double-quoted with embedded quotes doubled;
// rows end in LF.
func Write(w io.Writer, events []core.AuditEvent) error {
	if err := writeRow(w, Columns); err != nil {
		return err
	}
	for i := range events {
		if err := writeRow(w, eventRow(&events[i])); err != nil {
			return err
		}
	}
	return nil
}

// Export renders the events in the inclusive [from, to] range, oldest
// first. Zero bounds are open ends. Events already evicted from the
// ring are absent; the CSV covers what the log still holds.
func Export(log *core.EventLog, from, to time.Time, types []core.EventType) ([]byte, error) {
	events := log.Query(core.Filter{From: from, To: to, Types: types})

	var buf bytes.Buffer
	if err := Write(&buf, events); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func eventRow(e *core.AuditEvent) []string {
	details := "{}"
	if len(e.Details) > 0 {
		if data, err := json.Marshal(e.Details); err == nil {
			details = string(data)
		}
	}
	return []string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.Level.String(),
		string(e.Type),
		e.UserID,
		e.UserEmail,
		e.UserRole,
		e.IPAddress,
		e.ResourceType,
		e.ResourceID,
		e.Action,
		e.Result,
		strconv.Itoa(e.RiskScore),
		details,
	}
}

func writeRow(w io.Writer, fields []string) error {
	var sb strings.Builder
	for i, f := range fields {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteByte('"')
		sb.WriteString(strings.ReplaceAll(f, `"`, `""`))
		sb.WriteByte('"')
	}
	sb.WriteByte('\n')
	_, err := io.WriteString(w, sb.String())
	return err
}
