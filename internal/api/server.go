// Package api exposes the laneguard daemon's REST surface. Every route
// goes through the security middleware chain, so the daemon's own API
// is protected by the same pipeline it provides to the host
// application.
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/laneguard-project/laneguard/internal/core"
	"github.com/laneguard-project/laneguard/internal/export"
	"github.com/laneguard-project/laneguard/internal/middleware"
	"github.com/laneguard-project/laneguard/internal/ratelimit"
)

// Server is the laneguard REST API server.
type Server struct {
	engine *core.Engine
	server *http.Server
	logger zerolog.Logger
}

// NewServer creates the API server and wires every route through the
// middleware chain. Route classes: ingest (api policy, any identity),
// admin (strict policy, roles from config), health (public).
func NewServer(engine *core.Engine) *Server {
	s := &Server{
		engine: engine,
		logger: engine.Logger.With().Str("component", "api_server").Logger(),
	}

	chain := middleware.NewChain(engine.Log, engine.Limiter, buildProvider(engine.Config), engine.Logger)

	ingest := middleware.RouteClass{Name: "ingest", Policy: ratelimit.PolicyAPI}
	admin := middleware.RouteClass{Name: "admin", Policy: ratelimit.PolicyStrict, Roles: engine.Config.Auth.AdminRoles}
	health := middleware.RouteClass{Name: "health", Public: true}

	mux := http.NewServeMux()
	mux.Handle("/healthz", chain.Wrap(http.HandlerFunc(s.handleHealth), health))
	mux.Handle("/api/v1/events", chain.Wrap(http.HandlerFunc(s.handleEvents), ingest))
	mux.Handle("/api/v1/events/summary", chain.Wrap(http.HandlerFunc(s.handleSummary), ingest))
	mux.Handle("/api/v1/status", chain.Wrap(http.HandlerFunc(s.handleStatus), ingest))
	mux.Handle("/api/v1/export", chain.Wrap(http.HandlerFunc(s.handleExport), admin))
	mux.Handle("/api/v1/alerts", chain.Wrap(http.HandlerFunc(s.handleAlerts), admin))

	s.server = &http.Server{
		Addr:         engine.Config.ListenAddr(),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// buildProvider assembles the identity providers from config. Both a
// JWT secret and API keys may be active at once; nil means no
// credentials are configured and protected routes run open.
func buildProvider(cfg *core.Config) middleware.IdentityProvider {
	var providers middleware.Providers
	if cfg.Auth.JWTSecret != "" {
		providers = append(providers, middleware.NewJWTProvider(cfg.Auth.JWTSecret, cfg.Auth.JWTIssuer))
	}
	if len(cfg.Auth.APIKeys) > 0 {
		providers = append(providers, middleware.NewAPIKeyProvider(cfg.Auth.APIKeys,
			middleware.Identity{UserID: "api-key-client", Role: "service"}))
	}
	if len(providers) == 0 {
		return nil
	}
	return providers
}

// Handler returns the fully wrapped route tree.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start begins serving the API.
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("API server starting")
	if s.engine.Config.Auth.JWTSecret == "" && len(s.engine.Config.Auth.APIKeys) == 0 {
		s.logger.Warn().Msg("no jwt_secret or api_keys configured, protected routes run open")
	}
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("API server error")
		}
	}()
	return nil
}

// Stop gracefully shuts down the API server.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"version":   core.Version,
		"timestamp": time.Now().UTC(),
	})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.ingestEvent(w, r)
	case http.MethodGet:
		s.listEvents(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// ingestEvent accepts one audit event from the host application. The
// log stamps the timestamp and recomputes the risk score; the handler
// fills the id and network fields so the response can echo the id.
func (s *Server) ingestEvent(w http.ResponseWriter, r *http.Request) {
	var event core.AuditEvent
	limited := io.LimitReader(r.Body, 1<<20)
	if err := json.NewDecoder(limited).Decode(&event); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid event JSON: " + err.Error()})
		return
	}
	if event.Type == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "eventType is required"})
		return
	}
	if event.Action == "" {
		event.Action = string(event.Type)
	}
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.IPAddress == "" {
		event.IPAddress = middleware.ClientIP(r)
	}
	if event.CorrelationID == "" {
		event.CorrelationID = middleware.RequestIDFrom(r.Context())
	}

	s.engine.Log.Record(event)

	writeJSON(w, http.StatusAccepted, map[string]string{
		"status":   "accepted",
		"event_id": event.ID,
	})
}

// listEvents returns matching events newest first.
func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	events := s.engine.Log.Query(f)
	reverse(events)

	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"total":  len(events),
	})
}

type userCount struct {
	UserID string `json:"user_id"`
	Count  int    `json:"count"`
}

// handleSummary aggregates the recent window: totals, counts by type,
// level and user, and the latest events.
func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	hours := 24
	if v := r.URL.Query().Get("hours"); v != "" {
		if h, err := strconv.Atoi(v); err == nil && h > 0 {
			hours = h
		}
	}
	since := time.Now().UTC().Add(-time.Duration(hours) * time.Hour)
	events := s.engine.Log.Query(core.Filter{From: since})

	byType := make(map[string]int)
	byLevel := make(map[string]int)
	byUser := make(map[string]int)
	for i := range events {
		byType[string(events[i].Type)]++
		byLevel[events[i].Level.String()]++
		if events[i].UserID != "" {
			byUser[events[i].UserID]++
		}
	}

	topUsers := make([]userCount, 0, len(byUser))
	for id, n := range byUser {
		topUsers = append(topUsers, userCount{UserID: id, Count: n})
	}
	sort.Slice(topUsers, func(i, j int) bool {
		if topUsers[i].Count != topUsers[j].Count {
			return topUsers[i].Count > topUsers[j].Count
		}
		return topUsers[i].UserID < topUsers[j].UserID
	})
	if len(topUsers) > 10 {
		topUsers = topUsers[:10]
	}

	recent := events
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	recent = append([]core.AuditEvent(nil), recent...)
	reverse(recent)

	writeJSON(w, http.StatusOK, map[string]any{
		"window_hours": hours,
		"total":        len(events),
		"by_type":      byType,
		"by_level":     byLevel,
		"top_users":    topUsers,
		"recent":       recent,
	})
}

// handleExport streams the audit CSV. The download itself is recorded
// as a data_export event naming the requester and range before the
// first byte goes out.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	f, err := filterFromQuery(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	data, err := export.Export(s.engine.Log, f.From, f.To, f.Types)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "export failed"})
		return
	}

	ev := core.NewAuditEvent(core.TypeDataExport, core.LevelInfo, "export_csv", "success")
	if ident, ok := middleware.IdentityFrom(r.Context()); ok {
		ev.UserID = ident.UserID
		ev.UserEmail = ident.Email
		ev.UserRole = ident.Role
	}
	ev.IPAddress = middleware.ClientIP(r)
	ev.CorrelationID = middleware.RequestIDFrom(r.Context())
	ev.ResourceType = "audit_log"
	if !f.From.IsZero() {
		ev.Details["from"] = f.From.Format(time.RFC3339)
	}
	if !f.To.IsZero() {
		ev.Details["to"] = f.To.Format(time.RFC3339)
	}
	ev.Details["rows"] = strings.Count(string(data), "\n") - 1
	s.engine.Log.Record(*ev)

	filename := "laneguard-audit-" + time.Now().UTC().Format("20060102T150405Z") + ".csv"
	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+filename+`"`)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Status())
}

// handleAlerts reports undeliverable webhook notifications.
func (s *Server) handleAlerts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	dead := s.engine.Notifier.DeadLetters(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"dead_letters": dead,
		"total":        len(dead),
		"notifier":     s.engine.Notifier.Status(),
	})
}

// filterFromQuery parses the shared query parameters for event
// listing and export: start, end (RFC3339), types (comma separated),
// user_id, ip, min_risk, limit.
func filterFromQuery(r *http.Request) (core.Filter, error) {
	q := r.URL.Query()
	var f core.Filter

	if v := q.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errBadParam("start")
		}
		f.From = t
	}
	if v := q.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, errBadParam("end")
		}
		f.To = t
	}
	if v := q.Get("types"); v != "" {
		for _, name := range strings.Split(v, ",") {
			name = strings.TrimSpace(name)
			if name != "" {
				f.Types = append(f.Types, core.EventType(name))
			}
		}
	}
	f.UserID = q.Get("user_id")
	f.IPAddress = q.Get("ip")
	if v := q.Get("min_risk"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errBadParam("min_risk")
		}
		f.MinRisk = n
	}
	f.Limit = 100
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return f, errBadParam("limit")
		}
		f.Limit = n
	}
	return f, nil
}

type badParamError string

func errBadParam(name string) error { return badParamError(name) }

func (e badParamError) Error() string { return "invalid query parameter: " + string(e) }

func reverse(events []core.AuditEvent) {
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
