package core

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Level represents the severity tier of an audit event.
type Level int

const (
	LevelInfo Level = iota
	LevelWarn
	LevelError
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	case LevelCritical:
		return "critical"
	default:
		return "info"
	}
}

// ParseLevel converts a string into a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch s {
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "critical":
		return LevelCritical
	default:
		return LevelInfo
	}
}

func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

func (l *Level) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*l = ParseLevel(str)
	return nil
}

// EventType identifies the kind of security-relevant occurrence.
type EventType string

const (
	TypeLoginSuccess       EventType = "login_success"
	TypeLoginFailed        EventType = "login_failed"
	TypeLogout             EventType = "logout"
	TypeSessionExpired     EventType = "session_expired"
	TypePasswordChanged    EventType = "password_changed"
	TypePermissionGranted  EventType = "permission_granted"
	TypeAccessDenied       EventType = "access_denied"
	TypeRateLimitExceeded  EventType = "rate_limit_exceeded"
	TypeDataAccess         EventType = "data_access"
	TypeDataModification   EventType = "data_modification"
	TypeDataExport         EventType = "data_export"
	TypeInvalidInput       EventType = "invalid_input"
	TypeSuspiciousActivity EventType = "suspicious_activity"
	TypeSecurityViolation  EventType = "security_violation"
)

// riskScores maps each recognized event type to its severity class.
// The table is the single source of truth for risk scoring, shared by
// the event log and the anomaly detector's threshold checks.
var riskScores = map[EventType]int{
	TypeLoginSuccess:       1,
	TypeLogout:             1,
	TypePermissionGranted:  1,
	TypeDataAccess:         2,
	TypeSessionExpired:     2,
	TypeDataModification:   3,
	TypePasswordChanged:    4,
	TypeLoginFailed:        5,
	TypeInvalidInput:       5,
	TypeAccessDenied:       6,
	TypeRateLimitExceeded:  6,
	TypeDataExport:         6,
	TypeSuspiciousActivity: 8,
	TypeSecurityViolation:  9,
}

// RiskScore returns the risk score (1..10) for an event type.
// Unrecognized types score 1 so that misclassified events are still
// recorded rather than rejected.
func RiskScore(t EventType) int {
	if score, ok := riskScores[t]; ok {
		return score
	}
	return 1
}

// Derived reports whether the type is produced by the anomaly detector
// or a middleware short-circuit rather than by application activity.
// Derived events are never used as anomaly-rule triggers.
func (t EventType) Derived() bool {
	return t == TypeSecurityViolation || t == TypeSuspiciousActivity
}

// AuditEvent is one immutable record of a security-relevant occurrence.
// Identity, network and resource fields are optional; Details carries
// context specific to the event type.
type AuditEvent struct {
	ID            string         `json:"id"`
	Timestamp     time.Time      `json:"timestamp"`
	Level         Level          `json:"level"`
	Type          EventType      `json:"eventType"`
	UserID        string         `json:"userId,omitempty"`
	UserEmail     string         `json:"userEmail,omitempty"`
	UserRole      string         `json:"userRole,omitempty"`
	IPAddress     string         `json:"ipAddress,omitempty"`
	UserAgent     string         `json:"userAgent,omitempty"`
	ResourceType  string         `json:"resourceType,omitempty"`
	ResourceID    string         `json:"resourceId,omitempty"`
	Action        string         `json:"action"`
	Result        string         `json:"result"`
	Details       map[string]any `json:"details,omitempty"`
	RiskScore     int            `json:"riskScore"`
	CorrelationID string         `json:"correlationId,omitempty"`
}

// NewAuditEvent creates an event with a generated ID, current timestamp
// and the risk score derived from the event type.
func NewAuditEvent(eventType EventType, level Level, action, result string) *AuditEvent {
	return &AuditEvent{
		ID:        uuid.New().String(),
		Timestamp: time.Now().UTC(),
		Level:     level,
		Type:      eventType,
		Action:    action,
		Result:    result,
		Details:   make(map[string]any),
		RiskScore: RiskScore(eventType),
	}
}

// Marshal serializes the event to JSON.
func (e *AuditEvent) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalAuditEvent deserializes an AuditEvent from JSON.
func UnmarshalAuditEvent(data []byte) (*AuditEvent, error) {
	var event AuditEvent
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}
