package collect

import (
	"context"
	"regexp"
	"strconv"

	"github.com/rs/zerolog"

	"github.com/laneguard-project/laneguard/internal/core"
)

// AccessLogCollector tails an nginx/apache combined access log and
// records the security-relevant outcomes: denied requests, rate-limit
// rejections and login endpoint activity. Ordinary 2xx traffic outside
// the login paths is intentionally not recorded.
type AccessLogCollector struct {
	path   string
	tag    string
	cancel context.CancelFunc
}

// AccessRecord is one parsed combined-format access log line.
type AccessRecord struct {
	ClientIP  string
	User      string
	Method    string
	Path      string
	Status    int
	Bytes     int64
	Referer   string
	UserAgent string
}

// combined log format:
// 1.2.3.4 - user [10/Oct/2000:13:55:36 -0700] "GET /path HTTP/1.1" 200 2326 "referer" "user-agent"
var accessLineRe = regexp.MustCompile(
	`^(\S+)\s+\S+\s+(\S+)\s+\[[^\]]+\]\s+"(\S+)\s+(\S+)[^"]*"\s+(\d{3})\s+(\d+|-)(?:\s+"([^"]*)")?(?:\s+"([^"]*)")?`,
)

// loginPathRe marks endpoints whose outcomes count as login attempts.
var loginPathRe = regexp.MustCompile(`(?i)/(login|signin|sign-in|auth|token|session)s?(/|\?|$)`)

// ParseAccessLine parses one combined-format line. Returns false when
// the line is not an access log entry.
func ParseAccessLine(line string) (*AccessRecord, bool) {
	m := accessLineRe.FindStringSubmatch(line)
	if m == nil {
		return nil, false
	}
	rec := &AccessRecord{
		ClientIP:  m[1],
		User:      m[2],
		Method:    m[3],
		Path:      m[4],
		Referer:   m[7],
		UserAgent: m[8],
	}
	rec.Status, _ = strconv.Atoi(m[5])
	if m[6] != "-" {
		rec.Bytes, _ = strconv.ParseInt(m[6], 10, 64)
	}
	if rec.User == "-" {
		rec.User = ""
	}
	return rec, true
}

// AccessEvent maps a parsed access record to an audit event, or nil
// when the record carries no security signal.
func AccessEvent(rec *AccessRecord, source string) *core.AuditEvent {
	var ev *core.AuditEvent
	login := loginPathRe.MatchString(rec.Path)

	switch {
	case rec.Status == 401 && login:
		ev = core.NewAuditEvent(core.TypeLoginFailed, core.LevelWarn, "http_login", "failure")
	case rec.Status == 401 || rec.Status == 403:
		ev = core.NewAuditEvent(core.TypeAccessDenied, core.LevelWarn, "http_request", "failure")
	case rec.Status == 429:
		ev = core.NewAuditEvent(core.TypeRateLimitExceeded, core.LevelWarn, "http_request", "failure")
	case login && rec.Status >= 200 && rec.Status < 300 && rec.Method == "POST":
		ev = core.NewAuditEvent(core.TypeLoginSuccess, core.LevelInfo, "http_login", "success")
	case login && rec.Status >= 400 && rec.Status < 500:
		ev = core.NewAuditEvent(core.TypeLoginFailed, core.LevelWarn, "http_login", "failure")
	default:
		return nil
	}

	ev.IPAddress = rec.ClientIP
	ev.UserAgent = rec.UserAgent
	ev.UserID = rec.User
	ev.Details["source"] = source
	ev.Details["method"] = rec.Method
	ev.Details["path"] = rec.Path
	ev.Details["status"] = rec.Status
	if rec.Referer != "" {
		ev.Details["referer"] = rec.Referer
	}
	return ev
}

// NewAccessLogCollector creates a collector for the given access log.
func NewAccessLogCollector(path, tag string) *AccessLogCollector {
	if tag == "" {
		tag = "access"
	}
	return &AccessLogCollector{path: path, tag: tag}
}

func (c *AccessLogCollector) Name() string { return "access:" + c.path }

func (c *AccessLogCollector) Start(ctx context.Context, log *core.EventLog, logger zerolog.Logger) error {
	ctx, c.cancel = context.WithCancel(ctx)

	return tailFile(ctx, c.path, func(line string) {
		rec, ok := ParseAccessLine(line)
		if !ok {
			return
		}
		if ev := AccessEvent(rec, "collector:"+c.tag); ev != nil {
			log.Record(*ev)
		}
	}, logger)
}

func (c *AccessLogCollector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	return nil
}
