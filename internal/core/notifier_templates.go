package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// ---------------------------------------------------------------------------
// notifier_templates.go - webhook payload formatters for PagerDuty, Slack,
// Microsoft Teams and Discord.
//
// An on-call team shouldn't need a translation proxy between laneguard and
// their paging tool. Each template produces the JSON schema the target
// service expects; endpoints without a template receive the raw audit
// event, the same shape the sinks write.
//
// Config:
//   alerts:
//     webhooks:
//       - url: "https://events.pagerduty.com/v2/enqueue"
//         template: "pagerduty"
//         routing_key: "YOUR_PD_ROUTING_KEY"
// ---------------------------------------------------------------------------

// NotificationTemplate formats an alert delivery into a service-specific
// payload.
type NotificationTemplate interface {
	Format(note *Notification) map[string]any
	Name() string
}

// GetNotificationTemplate returns a template by name. The empty name and
// "generic" mean the raw audit event JSON and return nil, as does an
// unknown name (Config.Validate rejects those up front).
func GetNotificationTemplate(name string) NotificationTemplate {
	switch strings.ToLower(name) {
	case "pagerduty", "pd":
		return &PagerDutyTemplate{}
	case "slack":
		return &SlackTemplate{}
	case "teams", "msteams":
		return &TeamsTemplate{}
	case "discord":
		return &DiscordTemplate{}
	default:
		return nil
	}
}

// ValidTemplateNames returns all supported template names.
func ValidTemplateNames() []string {
	return []string{"generic", "pagerduty", "slack", "teams", "discord"}
}

// ValidTemplateName reports whether name is usable on a webhook endpoint.
func ValidTemplateName(name string) bool {
	switch strings.ToLower(name) {
	case "", "generic", "pagerduty", "pd", "slack", "teams", "msteams", "discord":
		return true
	default:
		return false
	}
}

// renderPayload produces the request body for one delivery attempt.
func renderPayload(note *Notification) ([]byte, error) {
	tmpl := GetNotificationTemplate(note.Template)
	if tmpl == nil {
		return note.Event.Marshal()
	}
	return json.Marshal(tmpl.Format(note))
}

// alertTitle builds a one-line headline for an event. Anomaly violations
// carry the rule name in Details.
func alertTitle(e AuditEvent) string {
	if rule, ok := e.Details["rule"].(string); ok && rule != "" {
		return fmt.Sprintf("%s (%s)", e.Type, rule)
	}
	return string(e.Type)
}

// alertDescription prefers the detector's human description, falling back
// to the action/result pair.
func alertDescription(e AuditEvent) string {
	if d, ok := e.Details["description"].(string); ok && d != "" {
		return d
	}
	return fmt.Sprintf("%s: %s (risk %d)", e.Action, e.Result, e.RiskScore)
}

func shortID(id string, n int) string {
	if len(id) <= n {
		return id
	}
	return id[:n]
}

// ---------------------------------------------------------------------------
// PagerDuty Events API v2
// ---------------------------------------------------------------------------

type PagerDutyTemplate struct{}

func (t *PagerDutyTemplate) Name() string { return "pagerduty" }

func (t *PagerDutyTemplate) Format(note *Notification) map[string]any {
	e := note.Event

	pdSeverity := "warning"
	switch e.Level {
	case LevelCritical:
		pdSeverity = "critical"
	case LevelError:
		pdSeverity = "error"
	case LevelWarn:
		pdSeverity = "warning"
	default:
		pdSeverity = "info"
	}

	return map[string]any{
		"routing_key":  note.routingKey,
		"event_action": "trigger",
		"dedup_key":    fmt.Sprintf("laneguard-%s-%s", e.Type, shortID(e.ID, 8)),
		"payload": map[string]any{
			"summary":   fmt.Sprintf("[laneguard] %s — %s", strings.ToUpper(e.Level.String()), alertTitle(e)),
			"source":    "laneguard",
			"severity":  pdSeverity,
			"component": string(e.Type),
			"group":     "security",
			"class":     e.Action,
			"timestamp": e.Timestamp.Format(time.RFC3339),
			"custom_details": map[string]any{
				"event_id":    e.ID,
				"event_type":  string(e.Type),
				"risk_score":  e.RiskScore,
				"description": alertDescription(e),
				"user_id":     e.UserID,
				"source_ip":   e.IPAddress,
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Slack Block Kit
// ---------------------------------------------------------------------------

type SlackTemplate struct{}

func (t *SlackTemplate) Name() string { return "slack" }

func (t *SlackTemplate) Format(note *Notification) map[string]any {
	e := note.Event

	emoji := "⚠️"
	color := "#ff9800"
	switch e.Level {
	case LevelCritical:
		emoji = "🚨"
		color = "#d32f2f"
	case LevelError:
		emoji = "🔴"
		color = "#f44336"
	case LevelWarn:
		emoji = "🟠"
		color = "#ff9800"
	default:
		emoji = "🔵"
		color = "#2196f3"
	}

	fields := []map[string]any{
		{"type": "mrkdwn", "text": fmt.Sprintf("*Type:*\n%s", e.Type)},
		{"type": "mrkdwn", "text": fmt.Sprintf("*Risk:*\n%d/10", e.RiskScore)},
	}
	if e.IPAddress != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*Source IP:*\n`%s`", e.IPAddress)})
	}
	if e.UserID != "" {
		fields = append(fields, map[string]any{"type": "mrkdwn", "text": fmt.Sprintf("*User:*\n%s", e.UserID)})
	}

	blocks := []map[string]any{
		{
			"type": "header",
			"text": map[string]any{
				"type": "plain_text",
				"text": fmt.Sprintf("%s laneguard alert: %s", emoji, alertTitle(e)),
			},
		},
		{
			"type": "section",
			"text": map[string]any{
				"type": "mrkdwn",
				"text": truncate(alertDescription(e), 500),
			},
		},
		{
			"type":   "section",
			"fields": fields,
		},
		{
			"type": "context",
			"elements": []map[string]any{
				{"type": "mrkdwn", "text": fmt.Sprintf("Event `%s` | %s", shortID(e.ID, 12), e.Timestamp.Format(time.RFC3339))},
			},
		},
	}

	return map[string]any{
		"blocks": blocks,
		"attachments": []map[string]any{
			{"color": color, "blocks": []any{}},
		},
	}
}

// ---------------------------------------------------------------------------
// Microsoft Teams MessageCard
// ---------------------------------------------------------------------------

type TeamsTemplate struct{}

func (t *TeamsTemplate) Name() string { return "teams" }

func (t *TeamsTemplate) Format(note *Notification) map[string]any {
	e := note.Event

	themeColor := "FF9800"
	switch e.Level {
	case LevelCritical:
		themeColor = "D32F2F"
	case LevelError:
		themeColor = "F44336"
	}

	facts := []map[string]string{
		{"name": "Type", "value": string(e.Type)},
		{"name": "Risk", "value": fmt.Sprintf("%d/10", e.RiskScore)},
		{"name": "Event ID", "value": shortID(e.ID, 12)},
	}
	if e.IPAddress != "" {
		facts = append(facts, map[string]string{"name": "Source IP", "value": e.IPAddress})
	}
	if e.UserID != "" {
		facts = append(facts, map[string]string{"name": "User", "value": e.UserID})
	}

	return map[string]any{
		"@type":      "MessageCard",
		"@context":   "http://schema.org/extensions",
		"themeColor": themeColor,
		"summary":    fmt.Sprintf("laneguard: %s", alertTitle(e)),
		"sections": []map[string]any{
			{
				"activityTitle":    fmt.Sprintf("🛡️ laneguard alert: %s", alertTitle(e)),
				"activitySubtitle": e.Timestamp.Format(time.RFC3339),
				"facts":            facts,
				"text":             truncate(alertDescription(e), 500),
				"markdown":         true,
			},
		},
	}
}

// ---------------------------------------------------------------------------
// Discord Embed
// ---------------------------------------------------------------------------

type DiscordTemplate struct{}

func (t *DiscordTemplate) Name() string { return "discord" }

func (t *DiscordTemplate) Format(note *Notification) map[string]any {
	e := note.Event

	color := 0xFF9800
	switch e.Level {
	case LevelCritical:
		color = 0xD32F2F
	case LevelError:
		color = 0xF44336
	case LevelWarn:
		color = 0xFF9800
	default:
		color = 0x2196F3
	}

	fields := []map[string]any{
		{"name": "Type", "value": string(e.Type), "inline": true},
		{"name": "Risk", "value": fmt.Sprintf("%d/10", e.RiskScore), "inline": true},
	}
	if e.IPAddress != "" {
		fields = append(fields, map[string]any{"name": "Source IP", "value": fmt.Sprintf("`%s`", e.IPAddress), "inline": true})
	}

	return map[string]any{
		"embeds": []map[string]any{
			{
				"title":       fmt.Sprintf("🛡️ laneguard: %s", alertTitle(e)),
				"description": truncate(alertDescription(e), 500),
				"color":       color,
				"fields":      fields,
				"footer":      map[string]string{"text": fmt.Sprintf("Event %s", shortID(e.ID, 12))},
				"timestamp":   e.Timestamp.Format(time.RFC3339),
			},
		},
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
