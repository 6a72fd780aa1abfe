package core

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// ---------------------------------------------------------------------------
// notifier.go - webhook delivery for high-risk security alerts.
//
// Anomaly violations above the risk threshold are POSTed to the configured
// webhook URLs (PagerDuty, Slack bridges, SIEM collectors). Delivery is
// asynchronous with exponential backoff and a per-URL circuit breaker, and
// permanently failed deliveries land in a queryable dead letter buffer.
// A flapping endpoint must never stall the request path or the detector.
// ---------------------------------------------------------------------------

// WebhookEndpoint is one alert destination. Template selects the payload
// format (slack, teams, discord, pagerduty); empty or "generic" posts the
// raw audit event JSON. RoutingKey is required by the pagerduty template
// and ignored by the others.
type WebhookEndpoint struct {
	URL        string `yaml:"url" json:"url"`
	Template   string `yaml:"template" json:"template,omitempty"`
	RoutingKey string `yaml:"routing_key" json:"-"`
}

// Notification is a single alert delivery tracked through the retry pipeline.
type Notification struct {
	ID        string     `json:"id"`
	URL       string     `json:"url"`
	Template  string     `json:"template,omitempty"`
	Event     AuditEvent `json:"event"`
	CreatedAt time.Time  `json:"created_at"`
	Attempts  int        `json:"attempts"`
	LastError string     `json:"last_error,omitempty"`
	Status    string     `json:"status"` // "pending", "delivered", "dead_letter"

	routingKey string
}

// DeadLetter is a failed delivery preserved for inspection.
type DeadLetter struct {
	Notification Notification `json:"notification"`
	FailedAt     time.Time    `json:"failed_at"`
	LastError    string       `json:"last_error"`
}

// NotifierConfig controls alert webhook delivery. URLs is shorthand for
// endpoints with the default raw-JSON payload.
type NotifierConfig struct {
	URLs           []string
	Endpoints      []WebhookEndpoint
	MinRisk        int
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	QueueSize      int
	Workers        int
}

// DefaultNotifierConfig returns delivery defaults. No URLs are configured,
// so the notifier starts disabled until the operator adds endpoints.
func DefaultNotifierConfig() NotifierConfig {
	return NotifierConfig{
		MinRisk:        8,
		MaxRetries:     3,
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     30 * time.Second,
		QueueSize:      256,
		Workers:        2,
	}
}

func (cfg NotifierConfig) withDefaults() NotifierConfig {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 1 * time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MinRisk <= 0 {
		cfg.MinRisk = 8
	}
	return cfg
}

// endpoints merges the URL shorthand and the endpoint list.
func (cfg NotifierConfig) endpoints() []WebhookEndpoint {
	eps := make([]WebhookEndpoint, 0, len(cfg.URLs)+len(cfg.Endpoints))
	for _, u := range cfg.URLs {
		eps = append(eps, WebhookEndpoint{URL: u})
	}
	return append(eps, cfg.Endpoints...)
}

// Notifier delivers alert events to external webhooks with retries.
type Notifier struct {
	logger zerolog.Logger
	queue  chan *Notification

	// cfgMu guards cfg and endpoints, which a config reload can swap.
	cfgMu     sync.RWMutex
	cfg       NotifierConfig
	endpoints []WebhookEndpoint

	dlMu       sync.RWMutex
	deadLetter []*DeadLetter
	maxDL      int

	// One circuit breaker per webhook URL, created lazily.
	cbMu     sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	delivered atomic.Uint64
	dropped   atomic.Uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewNotifier creates a notifier with background delivery workers.
func NewNotifier(logger zerolog.Logger, cfg NotifierConfig) *Notifier {
	cfg = cfg.withDefaults()

	ctx, cancel := context.WithCancel(context.Background())
	n := &Notifier{
		logger:     logger.With().Str("component", "notifier").Logger(),
		cfg:        cfg,
		endpoints:  cfg.endpoints(),
		queue:      make(chan *Notification, cfg.QueueSize),
		deadLetter: make([]*DeadLetter, 0, 32),
		maxDL:      200,
		breakers:   make(map[string]*gobreaker.CircuitBreaker),
		ctx:        ctx,
		cancel:     cancel,
	}

	for i := 0; i < cfg.Workers; i++ {
		n.wg.Add(1)
		go n.worker()
	}

	if n.Enabled() {
		n.logger.Info().
			Int("endpoints", len(n.endpoints)).
			Int("workers", cfg.Workers).
			Int("min_risk", cfg.MinRisk).
			Msg("alert notifier started")
	}
	return n
}

// Enabled reports whether any webhook endpoints are configured.
func (n *Notifier) Enabled() bool {
	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	return len(n.endpoints) > 0
}

// Reconfigure swaps the endpoints, risk threshold and retry settings at
// runtime. Queue size and worker count are fixed at construction; queued
// deliveries proceed with the new settings.
func (n *Notifier) Reconfigure(cfg NotifierConfig) {
	cfg = cfg.withDefaults()

	n.cfgMu.Lock()
	n.cfg.URLs = cfg.URLs
	n.cfg.Endpoints = cfg.Endpoints
	n.cfg.MinRisk = cfg.MinRisk
	n.cfg.MaxRetries = cfg.MaxRetries
	n.cfg.InitialBackoff = cfg.InitialBackoff
	n.cfg.MaxBackoff = cfg.MaxBackoff
	n.endpoints = cfg.endpoints()
	eps, minRisk := len(n.endpoints), n.cfg.MinRisk
	n.cfgMu.Unlock()

	n.logger.Info().
		Int("endpoints", eps).
		Int("min_risk", minRisk).
		Msg("notifier reconfigured")
}

// Notify queues an alert event for delivery to every configured webhook.
// Events below the risk threshold are ignored. Never blocks.
func (n *Notifier) Notify(event AuditEvent) {
	n.cfgMu.RLock()
	endpoints, minRisk := n.endpoints, n.cfg.MinRisk
	n.cfgMu.RUnlock()

	if len(endpoints) == 0 || event.RiskScore < minRisk {
		return
	}

	for _, ep := range endpoints {
		note := &Notification{
			ID:         uuid.New().String(),
			URL:        ep.URL,
			Template:   ep.Template,
			Event:      event,
			CreatedAt:  time.Now().UTC(),
			Status:     "pending",
			routingKey: ep.RoutingKey,
		}
		select {
		case n.queue <- note:
			n.logger.Debug().Str("id", note.ID).Str("url", ep.URL).Msg("alert queued")
		default:
			n.dropped.Add(1)
			n.addDeadLetter(note, "queue full, delivery dropped")
		}
	}
}

// DeadLetters returns the most recent failed deliveries, oldest first.
func (n *Notifier) DeadLetters(limit int) []*DeadLetter {
	n.dlMu.RLock()
	defer n.dlMu.RUnlock()

	if limit <= 0 || limit > len(n.deadLetter) {
		limit = len(n.deadLetter)
	}
	result := make([]*DeadLetter, 0, limit)
	for i := len(n.deadLetter) - limit; i < len(n.deadLetter); i++ {
		result = append(result, n.deadLetter[i])
	}
	return result
}

// Stop shuts down the delivery workers. Queued alerts that have not started
// delivery are abandoned.
func (n *Notifier) Stop() {
	n.cancel()
	n.wg.Wait()
	n.dlMu.RLock()
	dl := len(n.deadLetter)
	n.dlMu.RUnlock()
	if n.Enabled() {
		n.logger.Info().Int("dead_letters", dl).Msg("alert notifier stopped")
	}
}

func (n *Notifier) worker() {
	defer n.wg.Done()
	client := &http.Client{Timeout: 15 * time.Second}

	for {
		select {
		case <-n.ctx.Done():
			return
		case note, ok := <-n.queue:
			if !ok {
				return
			}
			n.deliver(client, note)
		}
	}
}

func (n *Notifier) deliver(client *http.Client, note *Notification) {
	n.cfgMu.RLock()
	maxRetries := n.cfg.MaxRetries
	n.cfgMu.RUnlock()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		note.Attempts = attempt + 1

		status, err := n.post(client, note)
		if err == nil {
			if status >= 200 && status < 300 {
				note.Status = "delivered"
				n.delivered.Add(1)
				n.logger.Debug().
					Str("id", note.ID).
					Str("url", note.URL).
					Int("attempts", note.Attempts).
					Int("status", status).
					Msg("alert delivered")
				return
			}
			// 4xx (other than 429) will not succeed on retry.
			note.LastError = fmt.Sprintf("client error: HTTP %d", status)
			n.addDeadLetter(note, note.LastError)
			return
		}

		note.LastError = err.Error()
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			n.addDeadLetter(note, "circuit breaker open for "+note.URL)
			return
		}
		if attempt < maxRetries {
			n.backoff(attempt)
		}
	}

	n.addDeadLetter(note, note.LastError)
}

// post performs one delivery attempt through the URL's circuit breaker.
// Returns the HTTP status when a response was received; network errors,
// 5xx and 429 responses count as breaker failures.
func (n *Notifier) post(client *http.Client, note *Notification) (int, error) {
	body, err := renderPayload(note)
	if err != nil {
		return 0, fmt.Errorf("marshal alert: %w", err)
	}

	result, err := n.breaker(note.URL).Execute(func() (interface{}, error) {
		req, err := http.NewRequestWithContext(n.ctx, http.MethodPost, note.URL, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("User-Agent", "laneguard-notifier/1.0")
		req.Header.Set("X-Laneguard-Alert-ID", note.ID)
		req.Header.Set("X-Laneguard-Attempt", fmt.Sprintf("%d", note.Attempts))

		resp, err := client.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return 0, fmt.Errorf("server error: HTTP %d", resp.StatusCode)
		}
		return resp.StatusCode, nil
	})
	if err != nil {
		return 0, err
	}
	return result.(int), nil
}

func (n *Notifier) breaker(url string) *gobreaker.CircuitBreaker {
	n.cbMu.Lock()
	defer n.cbMu.Unlock()
	if cb, ok := n.breakers[url]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        url,
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			n.logger.Warn().
				Str("url", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("webhook circuit state changed")
		},
	})
	n.breakers[url] = cb
	return cb
}

func (n *Notifier) backoff(attempt int) {
	n.cfgMu.RLock()
	initial, max := n.cfg.InitialBackoff, n.cfg.MaxBackoff
	n.cfgMu.RUnlock()

	delay := time.Duration(float64(initial) * math.Pow(2, float64(attempt)))
	if delay > max {
		delay = max
	}
	select {
	case <-time.After(delay):
	case <-n.ctx.Done():
	}
}

func (n *Notifier) addDeadLetter(note *Notification, reason string) {
	note.Status = "dead_letter"
	n.dlMu.Lock()
	if len(n.deadLetter) >= n.maxDL {
		n.deadLetter = n.deadLetter[n.maxDL/10:]
	}
	n.deadLetter = append(n.deadLetter, &DeadLetter{
		Notification: *note,
		FailedAt:     time.Now().UTC(),
		LastError:    reason,
	})
	n.dlMu.Unlock()
	n.logger.Warn().
		Str("id", note.ID).
		Str("url", note.URL).
		Int("attempts", note.Attempts).
		Str("error", reason).
		Msg("alert moved to dead letter")
}

// NotifierStatus is the notifier state exposed on the status API.
type NotifierStatus struct {
	Enabled       bool   `json:"enabled"`
	Endpoints     int    `json:"endpoints"`
	MinRisk       int    `json:"min_risk"`
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	Workers       int    `json:"workers"`
	MaxRetries    int    `json:"max_retries"`
	Delivered     uint64 `json:"delivered"`
	Dropped       uint64 `json:"dropped"`
	DeadLetters   int    `json:"dead_letters"`
	OpenCircuits  int    `json:"open_circuits"`
}

// Status returns a snapshot of delivery state.
func (n *Notifier) Status() NotifierStatus {
	n.dlMu.RLock()
	dl := len(n.deadLetter)
	n.dlMu.RUnlock()

	n.cbMu.Lock()
	open := 0
	for _, cb := range n.breakers {
		if cb.State() == gobreaker.StateOpen {
			open++
		}
	}
	n.cbMu.Unlock()

	n.cfgMu.RLock()
	defer n.cfgMu.RUnlock()
	return NotifierStatus{
		Enabled:       len(n.endpoints) > 0,
		Endpoints:     len(n.endpoints),
		MinRisk:       n.cfg.MinRisk,
		QueueDepth:    len(n.queue),
		QueueCapacity: n.cfg.QueueSize,
		Workers:       n.cfg.Workers,
		MaxRetries:    n.cfg.MaxRetries,
		Delivered:     n.delivered.Load(),
		Dropped:       n.dropped.Load(),
		DeadLetters:   dl,
		OpenCircuits:  open,
	}
}
