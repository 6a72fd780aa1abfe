package core

import (
	"fmt"
	"maps"
	"slices"
)

// ReloadConfig re-reads the config file and applies every setting that can
// change without a restart. Returns a list of what changed. A file that
// fails to load or validate leaves the running configuration untouched.
//
// Hot-reloadable:
//   - rate limit policies
//   - detector thresholds, windows, cooldown switch
//   - alert endpoints, risk threshold, retry settings
//   - logging level
//
// NOT hot-reloadable (require restart):
//   - server host/port
//   - audit buffer sizing, sinks
//   - auth secrets, API keys, admin roles
//   - collector sources
func ReloadConfig(e *Engine, path string) ([]string, error) {
	if path == "" {
		return nil, fmt.Errorf("no config path set, cannot reload")
	}

	newCfg, err := LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	if err := newCfg.Validate(); err != nil {
		return nil, fmt.Errorf("rejecting reload: %w", err)
	}

	var changes []string

	if newCfg.LogLevel() != e.Config.LogLevel() {
		setLogLevel(newCfg.LogLevel())
		e.Config.Logging.Level = newCfg.Logging.Level
		changes = append(changes, "logging.level → "+newCfg.LogLevel())
	}

	if !maps.Equal(newCfg.RateLimit.Policies, e.Config.RateLimit.Policies) {
		e.Config.RateLimit.Policies = newCfg.RateLimit.Policies
		e.Limiter.SetPolicies(newCfg.RateLimitPolicies())
		changes = append(changes, fmt.Sprintf("rate_limit.policies → %d policies", len(newCfg.RateLimit.Policies)))
	}

	if newCfg.Detector != e.Config.Detector {
		e.Config.Detector = newCfg.Detector
		e.Detector.Reconfigure(newCfg.DetectorConfig())
		changes = append(changes, "detector rules reloaded")
	}

	if !alertsEqual(newCfg.Alerts, e.Config.Alerts) {
		e.Config.Alerts = newCfg.Alerts
		e.Notifier.Reconfigure(newCfg.NotifierConfig())
		endpoints := len(newCfg.Alerts.WebhookURLs) + len(newCfg.Alerts.Webhooks)
		changes = append(changes, fmt.Sprintf("alerts → %d endpoints, min risk %d", endpoints, newCfg.Alerts.MinRisk))
	}

	if len(changes) == 0 {
		changes = append(changes, "no changes detected")
	}

	e.Logger.Info().Strs("changes", changes).Msg("configuration reloaded")
	return changes, nil
}

func alertsEqual(a, b AlertsConfig) bool {
	return slices.Equal(a.WebhookURLs, b.WebhookURLs) &&
		slices.Equal(a.Webhooks, b.Webhooks) &&
		a.MinRisk == b.MinRisk &&
		a.MaxRetries == b.MaxRetries &&
		a.QueueSize == b.QueueSize &&
		a.Workers == b.Workers
}
