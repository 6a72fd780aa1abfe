package collect

import (
	"context"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/laneguard-project/laneguard/internal/core"
)

// AuthLogCollector tails the host's auth log (sshd, PAM, sudo) and
// records login outcomes against the host itself. Operator SSH access
// to the machine running the application is part of the same security
// picture as the application's own logins.
type AuthLogCollector struct {
	path   string
	tag    string
	cancel context.CancelFunc
}

var (
	// sshd: Failed password for invalid user admin from 10.0.0.5 port 22 ssh2
	authFailRe = regexp.MustCompile(`(?i)(failed\s+password|authentication\s+failure|invalid\s+user|access\s+denied|account\s+locked)`)
	// sshd: Accepted publickey for deploy from 10.0.0.5 port 22 ssh2
	authSuccRe = regexp.MustCompile(`(?i)(accepted\s+password|accepted\s+publickey|session\s+opened|successful\s+login)`)
	authSessRe = regexp.MustCompile(`(?i)(session\s+closed|session\s+expired|session\s+timeout)`)
	// sudo: deploy : TTY=pts/0 ; PWD=/srv ; USER=root ; COMMAND=/bin/systemctl restart app
	sudoCmdRe = regexp.MustCompile(`(?i)sudo:.*COMMAND=(.+)`)

	// sshd writes "for deploy from", "for invalid user admin from" and
	// "for user deploy"; PAM writes "user=root" (and "ruser=", which the
	// boundary keeps from matching).
	authUserRe = regexp.MustCompile(`(?i)(?:\bfor\s+(?:invalid\s+)?(?:user\s+)?|\buser[=:\s]+)(\S+?)(?:\s|$|"|')`)
	authIPRe   = regexp.MustCompile(`(?:from|rhost=)\s*(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
)

// AuthLogEvent maps one auth log line to an audit event, or nil for
// lines without a recognized auth signal.
func AuthLogEvent(line, source string) *core.AuditEvent {
	var ev *core.AuditEvent

	switch {
	case authFailRe.MatchString(line):
		ev = core.NewAuditEvent(core.TypeLoginFailed, core.LevelWarn, "host_login", "failure")
	case authSuccRe.MatchString(line):
		ev = core.NewAuditEvent(core.TypeLoginSuccess, core.LevelInfo, "host_login", "success")
	case authSessRe.MatchString(line):
		ev = core.NewAuditEvent(core.TypeSessionExpired, core.LevelInfo, "host_session", "success")
	case sudoCmdRe.MatchString(line):
		ev = core.NewAuditEvent(core.TypePermissionGranted, core.LevelInfo, "sudo_command", "success")
		if m := sudoCmdRe.FindStringSubmatch(line); m != nil {
			ev.Details["command"] = strings.TrimSpace(m[1])
		}
	default:
		return nil
	}

	if m := authUserRe.FindStringSubmatch(line); m != nil {
		ev.UserID = m[1]
	}
	if m := authIPRe.FindStringSubmatch(line); m != nil {
		ev.IPAddress = m[1]
	}
	ev.Details["source"] = source
	ev.Details["line"] = truncateLine(line, 300)
	return ev
}

// NewAuthLogCollector creates a collector for the host auth log,
// defaulting to /var/log/auth.log.
func NewAuthLogCollector(path, tag string) *AuthLogCollector {
	if tag == "" {
		tag = "authlog"
	}
	if path == "" {
		path = "/var/log/auth.log"
	}
	return &AuthLogCollector{path: path, tag: tag}
}

func (c *AuthLogCollector) Name() string { return "authlog:" + c.path }

func (c *AuthLogCollector) Start(ctx context.Context, log *core.EventLog, logger zerolog.Logger) error {
	ctx, c.cancel = context.WithCancel(ctx)

	return tailFile(ctx, c.path, func(line string) {
		if ev := AuthLogEvent(line, "collector:"+c.tag); ev != nil {
			log.Record(*ev)
		}
	}, logger)
}

func (c *AuthLogCollector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}

func truncateLine(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
