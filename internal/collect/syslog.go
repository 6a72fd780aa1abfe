package collect

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/laneguard-project/laneguard/internal/core"
)

// SyslogCollector listens for syslog messages (RFC 5424 / RFC 3164) over
// UDP and/or TCP and records the ones that carry an auth or firewall
// signal. It gives appliances in front of the application - the load
// balancer, the firewall, a host's rsyslog forwarder - a push path into
// the audit log that needs no shared file.
type SyslogCollector struct {
	listen   string
	protocol string
	tag      string

	cancel  context.CancelFunc
	udpConn *net.UDPConn
	tcpLn   net.Listener
}

// NewSyslogCollector creates a syslog listener on the given address.
// Protocol is udp, tcp or both; empty means udp.
func NewSyslogCollector(listen, protocol, tag string) *SyslogCollector {
	if tag == "" {
		tag = "syslog"
	}
	if protocol == "" {
		protocol = "udp"
	}
	return &SyslogCollector{listen: listen, protocol: strings.ToLower(protocol), tag: tag}
}

func (c *SyslogCollector) Name() string { return "syslog:" + c.listen }

// Addr returns the bound UDP or TCP address. Useful when listen was
// configured with port 0.
func (c *SyslogCollector) Addr() string {
	if c.udpConn != nil {
		return c.udpConn.LocalAddr().String()
	}
	if c.tcpLn != nil {
		return c.tcpLn.Addr().String()
	}
	return c.listen
}

func (c *SyslogCollector) Start(ctx context.Context, log *core.EventLog, logger zerolog.Logger) error {
	ctx, c.cancel = context.WithCancel(ctx)
	lg := logger.With().Str("collector", c.Name()).Logger()

	if c.protocol == "udp" || c.protocol == "both" {
		if err := c.startUDP(ctx, log, lg); err != nil {
			return err
		}
	}
	if c.protocol == "tcp" || c.protocol == "both" {
		if err := c.startTCP(ctx, log, lg); err != nil {
			if c.udpConn != nil {
				c.udpConn.Close()
			}
			return err
		}
	}
	return nil
}

func (c *SyslogCollector) Stop() error {
	if c.cancel != nil {
		c.cancel()
	}
	if c.udpConn != nil {
		c.udpConn.Close()
	}
	if c.tcpLn != nil {
		c.tcpLn.Close()
	}
	return nil
}

func (c *SyslogCollector) startUDP(ctx context.Context, log *core.EventLog, lg zerolog.Logger) error {
	udpAddr, err := net.ResolveUDPAddr("udp", c.listen)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", c.listen, err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return fmt.Errorf("listening on udp %s: %w", c.listen, err)
	}
	c.udpConn = conn

	go func() {
		buf := make([]byte, 65536)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}

			conn.SetReadDeadline(time.Now().Add(1 * time.Second))
			n, remote, err := conn.ReadFromUDP(buf)
			if err != nil {
				if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
					continue
				}
				if ctx.Err() == nil {
					lg.Error().Err(err).Msg("udp read error")
				}
				return
			}

			remoteIP := ""
			if remote != nil {
				remoteIP = remote.IP.String()
			}
			c.handleLine(string(buf[:n]), remoteIP, log)
		}
	}()
	return nil
}

func (c *SyslogCollector) startTCP(ctx context.Context, log *core.EventLog, lg zerolog.Logger) error {
	ln, err := net.Listen("tcp", c.listen)
	if err != nil {
		return fmt.Errorf("listening on tcp %s: %w", c.listen, err)
	}
	c.tcpLn = ln

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				if ctx.Err() == nil {
					lg.Debug().Err(err).Msg("tcp accept error")
				}
				return
			}
			go c.handleConn(ctx, conn, log, lg)
		}
	}()
	return nil
}

func (c *SyslogCollector) handleConn(ctx context.Context, conn net.Conn, log *core.EventLog, lg zerolog.Logger) {
	defer conn.Close()

	remoteIP := ""
	if addr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		remoteIP = addr.IP.String()
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 65536), 65536)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}
		c.handleLine(scanner.Text(), remoteIP, log)
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		lg.Debug().Err(err).Str("remote", remoteIP).Msg("tcp read error")
	}
}

func (c *SyslogCollector) handleLine(raw, remoteIP string, log *core.EventLog) {
	msg, ok := ParseSyslogLine(raw)
	if !ok {
		// Not framed as syslog; still scan the raw text for a signal.
		msg = &SyslogMessage{Facility: 1, Severity: 6, Message: strings.TrimSpace(raw)}
	}
	if ev := SyslogEvent(msg, remoteIP, "collector:"+c.tag); ev != nil {
		log.Record(*ev)
	}
}

// SyslogMessage is one parsed syslog datagram or stream line.
type SyslogMessage struct {
	Facility  int
	Severity  int
	Timestamp time.Time
	Host      string
	App       string
	PID       string
	Message   string
}

// RFC 5424: <PRI>VERSION TIMESTAMP HOSTNAME APP-NAME PROCID MSGID MSG
var rfc5424Re = regexp.MustCompile(`^<(\d{1,3})>(\d)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s+(\S+)\s*(.*)$`)

// RFC 3164: <PRI>TIMESTAMP HOSTNAME MSG
var rfc3164Re = regexp.MustCompile(`^<(\d{1,3})>([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\s+(\S+)\s+(.*)$`)

// Bare priority: <PRI>MSG
var barePriRe = regexp.MustCompile(`^<(\d{1,3})>(.+)$`)

// ParseSyslogLine parses RFC 5424, RFC 3164 and bare-priority framing.
// Returns false for lines with no syslog priority header.
func ParseSyslogLine(raw string) (*SyslogMessage, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}

	if m := rfc5424Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &SyslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Host:     m[4],
			App:      m[5],
			PID:      m[6],
			Message:  m[8],
		}
		if t, err := time.Parse(time.RFC3339, m[3]); err == nil {
			msg.Timestamp = t.UTC()
		}
		if msg.App == "-" {
			msg.App = ""
		}
		if msg.PID == "-" {
			msg.PID = ""
		}
		return msg, true
	}

	if m := rfc3164Re.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		msg := &SyslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Host:     m[3],
			Message:  m[4],
		}
		// BSD timestamps have no year; assume the current one.
		tsStr := fmt.Sprintf("%d %s", time.Now().Year(), m[2])
		if t, err := time.Parse("2006 Jan  2 15:04:05", tsStr); err == nil {
			msg.Timestamp = t.UTC()
		} else if t, err := time.Parse("2006 Jan 2 15:04:05", tsStr); err == nil {
			msg.Timestamp = t.UTC()
		}
		// "sshd[1234]: message" carries the app in the message body.
		if idx := strings.Index(msg.Message, ":"); idx > 0 {
			appPart := msg.Message[:idx]
			if pidIdx := strings.Index(appPart, "["); pidIdx > 0 {
				msg.App = appPart[:pidIdx]
				msg.PID = strings.Trim(appPart[pidIdx:], "[]")
			} else if !strings.ContainsAny(appPart, " \t") {
				msg.App = appPart
			}
			if msg.App != "" {
				msg.Message = strings.TrimSpace(msg.Message[idx+1:])
			}
		}
		return msg, true
	}

	if m := barePriRe.FindStringSubmatch(raw); m != nil {
		pri, _ := strconv.Atoi(m[1])
		return &SyslogMessage{
			Facility: pri / 8,
			Severity: pri % 8,
			Message:  m[2],
		}, true
	}

	return nil, false
}

var (
	// kernel: [UFW BLOCK] IN=eth0 OUT= SRC=203.0.113.9 DST=10.0.0.2 PROTO=TCP DPT=22
	fwRe    = regexp.MustCompile(`(?i)(ufw\s+block|iptables|nftables|filterlog|firewall)`)
	fwSrcRe = regexp.MustCompile(`SRC=(\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)
	fwDptRe = regexp.MustCompile(`DPT=(\d{1,5})`)
)

// SyslogEvent maps a parsed syslog message to an audit event, or nil for
// messages without a recognized security signal. Firewall blocks are
// checked before the auth patterns so a dropped packet never reads as a
// failed login.
func SyslogEvent(msg *SyslogMessage, remoteIP, source string) *core.AuditEvent {
	combined := strings.TrimSpace(msg.App + " " + msg.Message)

	var ev *core.AuditEvent
	if fwRe.MatchString(combined) {
		ev = core.NewAuditEvent(core.TypeAccessDenied, core.LevelWarn, "network_block", "failure")
		if m := fwSrcRe.FindStringSubmatch(combined); m != nil {
			ev.IPAddress = m[1]
		}
		if m := fwDptRe.FindStringSubmatch(combined); m != nil {
			ev.Details["destPort"] = m[1]
		}
		ev.Details["source"] = source
		ev.Details["line"] = truncateLine(combined, 300)
	} else {
		ev = AuthLogEvent(combined, source)
	}
	if ev == nil {
		return nil
	}

	if ev.IPAddress == "" {
		ev.IPAddress = remoteIP
	}
	if msg.Host != "" {
		ev.Details["host"] = msg.Host
	}
	if msg.App != "" {
		ev.Details["app"] = msg.App
	}
	ev.Details["facility"] = msg.Facility
	ev.Details["severity"] = msg.Severity
	if !msg.Timestamp.IsZero() {
		ev.Timestamp = msg.Timestamp
	}
	return ev
}
