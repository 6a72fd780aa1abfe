package core

import (
	"fmt"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
)

// Detector inspects the audit log after every recorded event and emits
// derived security_violation events when a window-based rule trips.
//
// Each rule is stateless: it derives everything from the log's current
// contents, so a restart loses nothing but the cooldown state. Rules
// evaluate independently; one event may fire several rules, and a rule
// that panics never blocks the others or the original record call.
//
// Cooldown: without it, every event after the threshold re-fires the rule
// for as long as the condition holds (3 failed logins fire once, the 4th,
// 5th, ... each fire again). We suppress repeats per (rule, key) for one
// rule window. This is a deliberate deviation from strict re-fire-always
// semantics and can be switched off with DisableCooldown.
type Detector struct {
	logger   zerolog.Logger
	log      *EventLog
	notifier *Notifier
	cooldown *cache.Cache

	// cfgMu guards cfg and rules, which a config reload can swap. Rule
	// closures capture their thresholds by value, so in-flight
	// evaluations finish with the parameters they started with.
	cfgMu sync.RWMutex
	cfg   DetectorConfig
	rules []anomalyRule

	statsMu      sync.Mutex
	fired        map[string]uint64
	cooldownHits map[string]uint64
}

// DetectorConfig holds the per-rule thresholds and windows.
type DetectorConfig struct {
	FailedLoginThreshold  int
	FailedLoginWindow     time.Duration
	SourceVolumeThreshold int
	SourceVolumeWindow    time.Duration
	RiskClusterThreshold  int
	RiskClusterWindow     time.Duration
	RiskClusterMinScore   int
	DisableCooldown       bool
}

// DefaultDetectorConfig returns the standard rule parameters.
func DefaultDetectorConfig() DetectorConfig {
	return DetectorConfig{
		FailedLoginThreshold:  3,
		FailedLoginWindow:     15 * time.Minute,
		SourceVolumeThreshold: 20,
		SourceVolumeWindow:    10 * time.Minute,
		RiskClusterThreshold:  5,
		RiskClusterWindow:     30 * time.Minute,
		RiskClusterMinScore:   6,
	}
}

func (cfg DetectorConfig) withDefaults() DetectorConfig {
	def := DefaultDetectorConfig()
	if cfg.FailedLoginThreshold <= 0 {
		cfg.FailedLoginThreshold = def.FailedLoginThreshold
	}
	if cfg.FailedLoginWindow <= 0 {
		cfg.FailedLoginWindow = def.FailedLoginWindow
	}
	if cfg.SourceVolumeThreshold <= 0 {
		cfg.SourceVolumeThreshold = def.SourceVolumeThreshold
	}
	if cfg.SourceVolumeWindow <= 0 {
		cfg.SourceVolumeWindow = def.SourceVolumeWindow
	}
	if cfg.RiskClusterThreshold <= 0 {
		cfg.RiskClusterThreshold = def.RiskClusterThreshold
	}
	if cfg.RiskClusterWindow <= 0 {
		cfg.RiskClusterWindow = def.RiskClusterWindow
	}
	if cfg.RiskClusterMinScore <= 0 {
		cfg.RiskClusterMinScore = def.RiskClusterMinScore
	}
	return cfg
}

type anomalyRule struct {
	name      string
	window    time.Duration
	threshold int

	// key returns the cooldown key for a trigger, or false when the rule
	// does not apply to this event at all.
	key func(e *AuditEvent) (string, bool)

	// evaluate counts the rule's window and builds the violation when the
	// threshold is met. Returns nil otherwise.
	evaluate func(log *EventLog, e *AuditEvent, since time.Time) *AuditEvent
}

// NewDetector wires the anomaly rules to an audit log. Pass it to
// EventLog.SetObserver via Inspect. The notifier may be nil.
func NewDetector(logger zerolog.Logger, log *EventLog, notifier *Notifier, cfg DetectorConfig) *Detector {
	cfg = cfg.withDefaults()
	d := &Detector{
		logger:       logger.With().Str("component", "anomaly_detector").Logger(),
		log:          log,
		notifier:     notifier,
		cfg:          cfg,
		rules:        buildRules(cfg),
		cooldown:     cache.New(5*time.Minute, 10*time.Minute),
		fired:        make(map[string]uint64),
		cooldownHits: make(map[string]uint64),
	}
	return d
}

// Reconfigure swaps the rule thresholds and windows at runtime. Fired
// counters and active cooldowns survive; evaluations already under way
// finish with the parameters they started with.
func (d *Detector) Reconfigure(cfg DetectorConfig) {
	cfg = cfg.withDefaults()
	d.cfgMu.Lock()
	d.cfg = cfg
	d.rules = buildRules(cfg)
	d.cfgMu.Unlock()
	d.logger.Info().
		Int("failed_login_threshold", cfg.FailedLoginThreshold).
		Int("source_volume_threshold", cfg.SourceVolumeThreshold).
		Int("risk_cluster_threshold", cfg.RiskClusterThreshold).
		Bool("cooldown", !cfg.DisableCooldown).
		Msg("detector reconfigured")
}

func buildRules(cfg DetectorConfig) []anomalyRule {
	return []anomalyRule{
		{
			name:      "repeated_failure",
			window:    cfg.FailedLoginWindow,
			threshold: cfg.FailedLoginThreshold,
			key: func(e *AuditEvent) (string, bool) {
				if e.Type != TypeLoginFailed || e.UserID == "" {
					return "", false
				}
				return e.UserID, true
			},
			evaluate: func(log *EventLog, e *AuditEvent, since time.Time) *AuditEvent {
				count := log.Count(Filter{
					From:   since,
					Types:  []EventType{TypeLoginFailed},
					UserID: e.UserID,
				})
				if count < cfg.FailedLoginThreshold {
					return nil
				}
				v := NewAuditEvent(TypeSecurityViolation, LevelError, "anomaly_detected", "failure")
				v.UserID = e.UserID
				v.UserEmail = e.UserEmail
				v.IPAddress = e.IPAddress
				v.Details["rule"] = "repeated_failure"
				v.Details["failedAttempts"] = count
				v.Details["windowSeconds"] = int(cfg.FailedLoginWindow.Seconds())
				v.Details["description"] = fmt.Sprintf("%d failed logins for user %s within %s", count, e.UserID, cfg.FailedLoginWindow)
				return v
			},
		},
		{
			name:      "source_volume",
			window:    cfg.SourceVolumeWindow,
			threshold: cfg.SourceVolumeThreshold,
			key: func(e *AuditEvent) (string, bool) {
				if e.IPAddress == "" {
					return "", false
				}
				return e.IPAddress, true
			},
			evaluate: func(log *EventLog, e *AuditEvent, since time.Time) *AuditEvent {
				count := log.Count(Filter{
					From:      since,
					IPAddress: e.IPAddress,
				})
				if count < cfg.SourceVolumeThreshold {
					return nil
				}
				v := NewAuditEvent(TypeSecurityViolation, LevelError, "anomaly_detected", "failure")
				v.IPAddress = e.IPAddress
				v.Details["rule"] = "source_volume"
				v.Details["eventCount"] = count
				v.Details["windowSeconds"] = int(cfg.SourceVolumeWindow.Seconds())
				v.Details["description"] = fmt.Sprintf("%d events from %s within %s", count, e.IPAddress, cfg.SourceVolumeWindow)
				return v
			},
		},
		{
			name:      "risk_cluster",
			window:    cfg.RiskClusterWindow,
			threshold: cfg.RiskClusterThreshold,
			key: func(e *AuditEvent) (string, bool) {
				// Log-wide rule, one shared cooldown key.
				return "global", true
			},
			evaluate: func(log *EventLog, e *AuditEvent, since time.Time) *AuditEvent {
				count := log.Count(Filter{
					From:    since,
					MinRisk: cfg.RiskClusterMinScore,
				})
				if count < cfg.RiskClusterThreshold {
					return nil
				}
				v := NewAuditEvent(TypeSecurityViolation, LevelError, "anomaly_detected", "failure")
				v.Details["rule"] = "risk_cluster"
				v.Details["highRiskCount"] = count
				v.Details["minRiskScore"] = cfg.RiskClusterMinScore
				v.Details["windowSeconds"] = int(cfg.RiskClusterWindow.Seconds())
				v.Details["description"] = fmt.Sprintf("%d events with risk >= %d within %s", count, cfg.RiskClusterMinScore, cfg.RiskClusterWindow)
				return v
			},
		},
	}
}

// Inspect evaluates every rule against a freshly recorded event. Derived
// events (violations the detector itself produced, sanitizer findings)
// never act as triggers, which keeps the detector from feeding on its own
// output. They still count toward the windows of later evaluations.
func (d *Detector) Inspect(e *AuditEvent) {
	if e == nil || e.Derived() {
		return
	}
	d.cfgMu.RLock()
	rules, cooldownOff := d.rules, d.cfg.DisableCooldown
	d.cfgMu.RUnlock()

	for i := range rules {
		d.runRule(&rules[i], e, cooldownOff)
	}
}

func (d *Detector) runRule(r *anomalyRule, trigger *AuditEvent, cooldownOff bool) {
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error().
				Str("rule", r.name).
				Interface("panic", rec).
				Msg("anomaly rule panicked during evaluation")
		}
	}()

	key, ok := r.key(trigger)
	if !ok {
		return
	}

	cooldownKey := r.name + "|" + key
	if !cooldownOff {
		if _, held := d.cooldown.Get(cooldownKey); held {
			d.statsMu.Lock()
			d.cooldownHits[r.name]++
			d.statsMu.Unlock()
			return
		}
	}

	violation := r.evaluate(d.log, trigger, time.Now().UTC().Add(-r.window))
	if violation == nil {
		return
	}
	violation.CorrelationID = trigger.ID

	d.log.Record(*violation)
	if d.notifier != nil {
		d.notifier.Notify(*violation)
	}
	if !cooldownOff {
		d.cooldown.Set(cooldownKey, true, r.window)
	}

	d.statsMu.Lock()
	d.fired[r.name]++
	d.statsMu.Unlock()

	d.logger.Warn().
		Str("rule", r.name).
		Str("key", key).
		Str("violation_id", violation.ID).
		Str("trigger_id", trigger.ID).
		Msg("anomaly rule fired")
}

// RuleStatus describes one anomaly rule for API exposure.
type RuleStatus struct {
	Name          string `json:"name"`
	WindowSeconds int    `json:"window_seconds"`
	Threshold     int    `json:"threshold"`
	Fired         uint64 `json:"fired"`
	CooldownHits  uint64 `json:"cooldown_hits"`
}

// DetectorStatus is the detector state exposed on the status API.
type DetectorStatus struct {
	CooldownEnabled bool         `json:"cooldown_enabled"`
	ActiveCooldowns int          `json:"active_cooldowns"`
	Rules           []RuleStatus `json:"rules"`
}

// Status returns a snapshot of rule configuration and counters.
func (d *Detector) Status() DetectorStatus {
	d.cfgMu.RLock()
	current, cooldownOff := d.rules, d.cfg.DisableCooldown
	d.cfgMu.RUnlock()

	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	rules := make([]RuleStatus, 0, len(current))
	for _, r := range current {
		rules = append(rules, RuleStatus{
			Name:          r.name,
			WindowSeconds: int(r.window.Seconds()),
			Threshold:     r.threshold,
			Fired:         d.fired[r.name],
			CooldownHits:  d.cooldownHits[r.name],
		})
	}
	return DetectorStatus{
		CooldownEnabled: !cooldownOff,
		ActiveCooldowns: d.cooldown.ItemCount(),
		Rules:           rules,
	}
}
