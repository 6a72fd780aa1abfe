// Package middleware implements the laneguard request pipeline. Every
// protected route passes through a fixed sequence of stages: security
// headers, input sanitization, injection detection, rate limiting,
// authentication and role authorization. A stage that blocks a request
// records its audit event before writing the response, so the log
// always explains the rejection.
package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/laneguard-project/laneguard/internal/core"
	"github.com/laneguard-project/laneguard/internal/ratelimit"
)

// RouteClass describes how the chain treats a group of routes. Policy
// names a rate limit policy, empty meaning unlimited. Public routes
// skip authentication and authorization. Roles, when non-empty,
// restricts the route to identities holding one of them.
type RouteClass struct {
	Name   string
	Policy string
	Roles  []string
	Public bool
}

// Chain wires the pipeline stages to the audit log, the rate limiter
// and an identity provider.
type Chain struct {
	log       *core.EventLog
	limiter   *ratelimit.Limiter
	provider  IdentityProvider
	logger    zerolog.Logger
	inspector *inspector
}

// NewChain builds a middleware chain. provider may be nil, in which
// case non-public routes run in open mode without identities; the
// server logs a warning at startup when that happens.
func NewChain(log *core.EventLog, limiter *ratelimit.Limiter, provider IdentityProvider, logger zerolog.Logger) *Chain {
	return &Chain{
		log:       log,
		limiter:   limiter,
		provider:  provider,
		logger:    logger.With().Str("component", "middleware").Logger(),
		inspector: newInspector(),
	}
}

// Wrap composes the stages around next for one route class. Stages are
// listed innermost first; requests traverse them top of file to
// bottom: request id, headers, sanitize, inject, rate limit, authn,
// authz.
func (c *Chain) Wrap(next http.Handler, rc RouteClass) http.Handler {
	h := next
	h = c.authorize(h, rc)
	h = c.authenticate(h, rc)
	h = c.rateLimit(h, rc)
	h = c.detectInjection(h, rc)
	h = c.sanitizeBody(h)
	h = c.securityHeaders(h)
	h = c.requestID(h)
	return h
}

type contextKey struct{ name string }

var (
	identityKey  = &contextKey{"identity"}
	requestIDKey = &contextKey{"request_id"}
)

// IdentityFrom returns the authenticated identity stored on the
// context by the authentication stage.
func IdentityFrom(ctx context.Context) (*Identity, bool) {
	ident, ok := ctx.Value(identityKey).(*Identity)
	return ident, ok
}

// RequestIDFrom returns the request id assigned by the chain, empty
// outside a wrapped handler.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// ClientIP resolves the caller address: first hop of X-Forwarded-For,
// then X-Real-IP, then the connection's remote host.
func ClientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i >= 0 {
			fwd = fwd[:i]
		}
		return strings.TrimSpace(fwd)
	}
	if real := r.Header.Get("X-Real-IP"); real != "" {
		return real
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// record fills the request-scoped fields and hands the event to the
// audit log.
func (c *Chain) record(r *http.Request, ev *core.AuditEvent) {
	if ev.IPAddress == "" {
		ev.IPAddress = ClientIP(r)
	}
	if ev.UserAgent == "" {
		ev.UserAgent = r.UserAgent()
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = RequestIDFrom(r.Context())
	}
	c.log.Record(*ev)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// ─── Stages ──────────────────────────────────────────────────────────────────

// requestID honors an inbound X-Request-ID or assigns one, echoes it
// on the response and stores it for correlation of audit events.
func (c *Chain) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey, id)))
	})
}

func (c *Chain) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		h.Set("X-Content-Type-Options", "nosniff")
		h.Set("X-Frame-Options", "DENY")
		h.Set("Content-Security-Policy", "default-src 'self'")
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// sanitizeBody scrubs active content out of JSON bodies. The request
// continues either way; a stripped field is recorded as suspicious
// activity, not blocked.
func (c *Chain) sanitizeBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		touched := sanitizeRequest(r)
		if len(touched) > 0 {
			ev := core.NewAuditEvent(core.TypeSuspiciousActivity, core.LevelWarn, "input_sanitization", "sanitized")
			ev.Details["path"] = r.URL.Path
			ev.Details["method"] = r.Method
			ev.Details["fields"] = touched
			c.record(r, ev)
			c.logger.Warn().
				Str("path", r.URL.Path).
				Strs("fields", touched).
				Msg("active content stripped from request body")
		}
		next.ServeHTTP(w, r)
	})
}

// detectInjection blocks requests whose query or body matches the
// injection pattern table.
func (c *Chain) detectInjection(next http.Handler, rc RouteClass) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		findings := c.inspector.scanRequest(r)
		if len(findings) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		patterns := make([]string, 0, len(findings))
		for _, f := range findings {
			patterns = append(patterns, f.Pattern)
		}

		ev := core.NewAuditEvent(core.TypeSecurityViolation, core.LevelError, "injection_scan", "blocked")
		ev.Details["path"] = r.URL.Path
		ev.Details["method"] = r.Method
		ev.Details["route"] = rc.Name
		ev.Details["patterns"] = patterns
		ev.Details["findings"] = findings
		c.record(r, ev)

		c.logger.Error().
			Str("path", r.URL.Path).
			Str("ip", ClientIP(r)).
			Strs("patterns", patterns).
			Msg("injection attempt blocked")

		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":   "invalid request content",
			"details": patterns,
		})
	})
}

// rateLimit consumes one point from the route's policy. The limiter's
// rejection hook records the audit event; this stage only shapes the
// response. Allowed requests advertise their remaining quota in
// X-RateLimit headers.
func (c *Chain) rateLimit(next http.Handler, rc RouteClass) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rc.Policy == "" {
			next.ServeHTTP(w, r)
			return
		}

		d := c.limiter.Consume(rc.Policy, ClientIP(r))
		if !d.Allowed {
			retry := d.RetryAfterSeconds()
			w.Header().Set("Retry-After", strconv.Itoa(retry))
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"error":      "rate limit exceeded",
				"retryAfter": retry,
			})
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
		next.ServeHTTP(w, r)
	})
}

// authenticate resolves the caller identity on non-public routes. A
// successful authentication records exactly one permission_granted
// event and stores the identity on the context.
func (c *Chain) authenticate(next http.Handler, rc RouteClass) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rc.Public || c.provider == nil {
			next.ServeHTTP(w, r)
			return
		}

		ident, err := c.provider.Authenticate(r)
		if err != nil {
			ev := core.NewAuditEvent(core.TypeAccessDenied, core.LevelWarn, "authenticate", "failure")
			ev.Details["path"] = r.URL.Path
			ev.Details["method"] = r.Method
			ev.Details["reason"] = err.Error()
			c.record(r, ev)

			msg := "invalid credentials"
			if errors.Is(err, ErrNoCredentials) {
				msg = "authentication required"
			}
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": msg})
			return
		}

		ev := core.NewAuditEvent(core.TypePermissionGranted, core.LevelInfo, "authenticate", "success")
		ev.UserID = ident.UserID
		ev.UserEmail = ident.Email
		ev.UserRole = ident.Role
		ev.Details["path"] = r.URL.Path
		ev.Details["method"] = r.Method
		ev.Details["route"] = rc.Name
		c.record(r, ev)

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey, ident)))
	})
}

// authorize rejects identities whose role is outside the route's
// allow list.
func (c *Chain) authorize(next http.Handler, rc RouteClass) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rc.Public || len(rc.Roles) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		ident, ok := IdentityFrom(r.Context())
		if !ok {
			writeJSON(w, http.StatusUnauthorized, map[string]any{"error": "authentication required"})
			return
		}

		for _, role := range rc.Roles {
			if role == ident.Role {
				next.ServeHTTP(w, r)
				return
			}
		}

		ev := core.NewAuditEvent(core.TypeAccessDenied, core.LevelWarn, "authorize", "failure")
		ev.UserID = ident.UserID
		ev.UserEmail = ident.Email
		ev.UserRole = ident.Role
		ev.Details["path"] = r.URL.Path
		ev.Details["method"] = r.Method
		ev.Details["required"] = rc.Roles
		ev.Details["current"] = ident.Role
		c.record(r, ev)

		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":    "insufficient role",
			"required": rc.Roles,
			"current":  ident.Role,
		})
	})
}
