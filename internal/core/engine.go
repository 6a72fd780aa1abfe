package core

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/laneguard-project/laneguard/internal/ratelimit"
)

// Version is the laneguard release version. Overridden at build time for
// tagged releases.
const Version = "0.4.0"

// Engine owns the security core: the audit log with its sinks, the anomaly
// detector, the alert notifier and the rate limiter. The HTTP layer receives
// a constructed Engine and never builds these pieces itself.
type Engine struct {
	Config   *Config
	Log      *EventLog
	Limiter  *ratelimit.Limiter
	Detector *Detector
	Notifier *Notifier
	Logger   zerolog.Logger

	// ConfigPath, when set, enables SIGHUP config reload in Run.
	ConfigPath string

	ctx       context.Context
	cancel    context.CancelFunc
	startTime time.Time
}

// NewEngine creates a laneguard engine from configuration. Components are
// constructed and wired; nothing touches disk or network until Start.
func NewEngine(cfg *Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	var logger zerolog.Logger
	if cfg.Logging.Format == "json" {
		logger = zerolog.New(os.Stdout).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
	setLogLevel(cfg.LogLevel())

	ctx, cancel := context.WithCancel(context.Background())

	engine := &Engine{
		Config: cfg,
		Logger: logger.With().Str("component", "engine").Logger(),
		ctx:    ctx,
		cancel: cancel,
	}

	engine.Notifier = NewNotifier(logger, cfg.NotifierConfig())
	engine.Log = NewEventLog(cfg.Audit.Capacity, cfg.Audit.QueueSize, cfg.Audit.Workers, logger)
	engine.Detector = NewDetector(logger, engine.Log, engine.Notifier, cfg.DetectorConfig())
	engine.Log.SetObserver(engine.Detector.Inspect)

	engine.Limiter = ratelimit.New(cfg.RateLimitPolicies(), cfg.RateLimit.MaxKeys, logger)
	engine.Limiter.OnRejected = func(policy, key string, d ratelimit.Decision) {
		ev := NewAuditEvent(TypeRateLimitExceeded, LevelWarn, "rate_limit_check", "blocked")
		ev.IPAddress = key
		ev.Details["policy"] = policy
		ev.Details["limit"] = d.Limit
		ev.Details["retryAfterSeconds"] = d.RetryAfterSeconds()
		engine.Log.Record(*ev)
	}

	return engine, nil
}

// setLogLevel adjusts the process-wide zerolog gate. Component loggers
// carry no level of their own, so a config reload changes verbosity
// everywhere at once.
func setLogLevel(level string) {
	switch level {
	case "debug":
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	case "warn":
		zerolog.SetGlobalLevel(zerolog.WarnLevel)
	case "error":
		zerolog.SetGlobalLevel(zerolog.ErrorLevel)
	default:
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}
}

// Start attaches the configured durable sinks and begins background
// maintenance. Must be called before serving traffic.
func (e *Engine) Start() error {
	e.Logger.Info().Msg("starting laneguard engine")

	if e.Config.Sinks.File.Enabled {
		sink, err := NewFileSink(e.Config.Sinks.File.FileSinkConfig, e.Logger)
		if err != nil {
			return fmt.Errorf("starting file sink: %w", err)
		}
		e.Log.AddSink(sink)
	}
	if e.Config.Sinks.Kafka.Enabled {
		sink, err := NewKafkaSink(e.Config.Sinks.Kafka.KafkaSinkConfig, e.Logger)
		if err != nil {
			return fmt.Errorf("starting kafka sink: %w", err)
		}
		e.Log.AddSink(sink)
	}
	if e.Config.Sinks.NATS.Enabled {
		sink, err := NewNATSSink(e.Config.Sinks.NATS.NATSSinkConfig, e.Logger)
		if err != nil {
			return fmt.Errorf("starting nats sink: %w", err)
		}
		e.Log.AddSink(sink)
	}

	go e.Limiter.CleanupLoop(e.ctx)

	e.startTime = time.Now()
	e.Logger.Info().
		Int("sinks", len(e.Log.Sinks())).
		Int("policies", len(e.Config.RateLimit.Policies)).
		Bool("alerts", e.Notifier.Enabled()).
		Msg("laneguard engine started")

	return nil
}

// Run starts the engine and blocks until a shutdown signal is received.
// SIGHUP triggers a config reload instead of shutting down.
func (e *Engine) Run() error {
	if err := e.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		select {
		case sig := <-sigCh:
			if sig == syscall.SIGHUP {
				if e.ConfigPath == "" {
					e.Logger.Warn().Msg("SIGHUP received but no config file to reload")
					continue
				}
				if _, err := ReloadConfig(e, e.ConfigPath); err != nil {
					e.Logger.Error().Err(err).Msg("config reload failed, keeping previous configuration")
				}
				continue
			}
			e.Logger.Info().Str("signal", sig.String()).Msg("shutdown signal received")
			return e.Shutdown()
		case <-e.ctx.Done():
			e.Logger.Info().Msg("context cancelled")
			return e.Shutdown()
		}
	}
}

// Shutdown drains the audit queue into the sinks and stops everything.
func (e *Engine) Shutdown() error {
	e.Logger.Info().Msg("shutting down laneguard engine")
	e.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	e.Log.Stop(ctx)
	e.Notifier.Stop()

	e.Logger.Info().Msg("laneguard engine stopped")
	return nil
}

// Context returns the engine's lifecycle context.
func (e *Engine) Context() context.Context {
	return e.ctx
}

// Uptime returns how long the engine has been running, zero before Start.
func (e *Engine) Uptime() time.Duration {
	if e.startTime.IsZero() {
		return 0
	}
	return time.Since(e.startTime)
}

// EngineStatus aggregates component state for the status API.
type EngineStatus struct {
	Version       string           `json:"version"`
	UptimeSeconds int64            `json:"uptime_seconds"`
	Audit         LogStatus        `json:"audit"`
	RateLimit     ratelimit.Status `json:"rate_limit"`
	Detector      DetectorStatus   `json:"detector"`
	Alerts        NotifierStatus   `json:"alerts"`
}

// Status returns a snapshot across all components.
func (e *Engine) Status() EngineStatus {
	return EngineStatus{
		Version:       Version,
		UptimeSeconds: int64(e.Uptime().Seconds()),
		Audit:         e.Log.Status(),
		RateLimit:     e.Limiter.Status(),
		Detector:      e.Detector.Status(),
		Alerts:        e.Notifier.Status(),
	}
}
