package main

// ---------------------------------------------------------------------------
// banner.go — banner, version/usage printing, per-command help
// ---------------------------------------------------------------------------

import (
	"fmt"
	"io"
	"os"
	goruntime "runtime"
	"runtime/debug"
)

func bannerText() string {
	art := `
   ┌───────────────────────────────────────────────┐
   │                                               │
   │   ██╗      █████╗ ███╗  ██╗███████╗           │
   │   ██║     ██╔══██╗████╗ ██║██╔════╝           │
   │   ██║     ███████║██╔██╗██║█████╗             │
   │   ██║     ██╔══██║██║╚████║██╔══╝             │
   │   ███████╗██║  ██║██║ ╚███║███████╗GUARD      │
   │   ╚══════╝╚═╝  ╚═╝╚═╝  ╚══╝╚══════╝           │
   │                                               │
   │   SECURITY OBSERVABILITY FOR LOGISTICS APPS   │
   │                                               │
   └───────────────────────────────────────────────┘
`
	if !colorEnabled() {
		return art
	}
	return "\033[36m" + art + "\033[0m"
}

func printVersion(w io.Writer) {
	fmt.Fprintf(w, "laneguard v%s", version)
	if commit != "dev" {
		fmt.Fprintf(w, " (%s)", commit[:min(7, len(commit))])
	}
	if buildDate != "unknown" {
		fmt.Fprintf(w, " built %s", buildDate)
	}
	if bi, ok := debug.ReadBuildInfo(); ok {
		fmt.Fprintf(w, " %s", bi.GoVersion)
	}
	fmt.Fprintf(w, " %s/%s", goruntime.GOOS, goruntime.GOARCH)
	fmt.Fprintln(w)
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, bannerText())
	fmt.Fprintf(w, "  %s\n\n", dim("v"+version))
	fmt.Fprintf(w, "%s\n\n", bold("USAGE"))
	fmt.Fprintf(w, "  laneguard <command> [flags]\n\n")
	fmt.Fprintf(w, "%s\n\n", bold("COMMANDS"))
	fmt.Fprintf(w, "  %-10s  %s\n", bold("serve"), "Run the laneguard daemon (audit log, limiter, API)")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("status"), "Show runtime status of a running daemon")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("events"), "Query recent audit events, or submit one")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("export"), "Download the audit log as CSV")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("version"), "Print version and build info")
	fmt.Fprintf(w, "  %-10s  %s\n", bold("help"), "Show help for a command")
	fmt.Fprintf(w, "\n%s\n\n", bold("GLOBAL FLAGS"))
	fmt.Fprintf(w, "  %-20s  %s\n", "-addr <host:port>", "Daemon address (default: 127.0.0.1:8700, env: LANEGUARD_ADDR)")
	fmt.Fprintf(w, "  %-20s  %s\n", "-token <token>", "Bearer token or API key (env: LANEGUARD_TOKEN)")
	fmt.Fprintf(w, "  %-20s  %s\n", "-o <fmt>", "Output format: table, json (default: table)")
	fmt.Fprintf(w, "  %-20s  %s\n", "--version, -V", "Print version and exit")
	fmt.Fprintf(w, "  %-20s  %s\n", "--help, -h", "Show help")
	fmt.Fprintf(w, "\n%s\n\n", bold("ENVIRONMENT VARIABLES"))
	fmt.Fprintf(w, "  %-20s  %s\n", "LANEGUARD_ADDR", "Default daemon address for query commands")
	fmt.Fprintf(w, "  %-20s  %s\n", "LANEGUARD_TOKEN", "Credential for query commands")
	fmt.Fprintf(w, "  %-20s  %s\n", "LANEGUARD_CONFIG", "Default config file path for serve")
	fmt.Fprintf(w, "  %-20s  %s\n", "LANEGUARD_LISTEN", "Listen address override for serve")
	fmt.Fprintf(w, "  %-20s  %s\n", "LANEGUARD_JWT_SECRET", "JWT verification secret for serve")
	fmt.Fprintf(w, "\n%s\n\n", bold("EXAMPLES"))
	fmt.Fprintf(w, "  %s\n", dim("# Run the daemon with defaults"))
	fmt.Fprintf(w, "  laneguard serve\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Check a running daemon"))
	fmt.Fprintf(w, "  laneguard status -o json\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Show recent high risk events"))
	fmt.Fprintf(w, "  laneguard events -min-risk 6 -limit 20\n\n")
	fmt.Fprintf(w, "  %s\n", dim("# Download last week's audit trail"))
	fmt.Fprintf(w, "  laneguard export -start 2026-08-17T00:00:00Z -output audit.csv\n\n")
	fmt.Fprintf(w, "Run %s for detailed help on any command.\n\n", bold("laneguard help <command>"))
}

func cmdHelp(topic string) {
	w := os.Stdout
	switch topic {
	case "serve":
		fmt.Fprintf(w, "%s\n\n  laneguard serve [flags]\n\n", bold("laneguard serve"))
		fmt.Fprintf(w, "Run the daemon: audit event log, rate limiter, anomaly detector,\n")
		fmt.Fprintf(w, "log collectors, alert webhooks, and the HTTP API, until SIGINT\n")
		fmt.Fprintf(w, "or SIGTERM. SIGHUP reloads rate limit policies, detector\n")
		fmt.Fprintf(w, "thresholds and alert endpoints without a restart.\n\n")
		fmt.Fprintf(w, "%s\n", bold("FLAGS"))
		fmt.Fprintf(w, "  %-22s  %s\n", "-config <path>", "Config file path (default: laneguard.yaml)")
		fmt.Fprintf(w, "  %-22s  %s\n", "-log-level <level>", "Override log level: debug, info, warn, error")
		fmt.Fprintf(w, "  %-22s  %s\n", "-dry-run", "Validate config and exit")
		fmt.Fprintf(w, "  %-22s  %s\n", "-quiet, -q", "Suppress banner and startup chatter")
		fmt.Fprintf(w, "  %-22s  %s\n", "-no-color", "Disable color output")
	case "status":
		fmt.Fprintf(w, "%s\n\n  laneguard status [flags]\n\n", bold("laneguard status"))
		fmt.Fprintf(w, "Fetch /api/v1/status from a running daemon: audit buffer, limiter\n")
		fmt.Fprintf(w, "counters, detector rules, and alert delivery state.\n\n")
		fmt.Fprintf(w, "%s\n", bold("FLAGS"))
		fmt.Fprintf(w, "  %-22s  %s\n", "-addr <host:port>", "Daemon address")
		fmt.Fprintf(w, "  %-22s  %s\n", "-token <token>", "Bearer token or API key")
		fmt.Fprintf(w, "  %-22s  %s\n", "-o <fmt>", "Output format: table, json")
	case "events":
		fmt.Fprintf(w, "%s\n\n  laneguard events [flags]\n\n", bold("laneguard events"))
		fmt.Fprintf(w, "Query recent audit events, newest first. With -send, submit one\n")
		fmt.Fprintf(w, "event from a JSON file (or - for stdin) instead.\n\n")
		fmt.Fprintf(w, "%s\n", bold("FLAGS"))
		fmt.Fprintf(w, "  %-22s  %s\n", "-addr <host:port>", "Daemon address")
		fmt.Fprintf(w, "  %-22s  %s\n", "-token <token>", "Bearer token or API key")
		fmt.Fprintf(w, "  %-22s  %s\n", "-type <types>", "Comma separated event types")
		fmt.Fprintf(w, "  %-22s  %s\n", "-user <id>", "Filter by user id")
		fmt.Fprintf(w, "  %-22s  %s\n", "-ip <addr>", "Filter by source IP")
		fmt.Fprintf(w, "  %-22s  %s\n", "-min-risk <n>", "Minimum risk score")
		fmt.Fprintf(w, "  %-22s  %s\n", "-limit <n>", "Maximum events to return (default: 50)")
		fmt.Fprintf(w, "  %-22s  %s\n", "-send <file>", "Submit event JSON from file, - for stdin")
		fmt.Fprintf(w, "  %-22s  %s\n", "-o <fmt>", "Output format: table, json")
	case "export":
		fmt.Fprintf(w, "%s\n\n  laneguard export [flags]\n\n", bold("laneguard export"))
		fmt.Fprintf(w, "Download the audit log as CSV from a running daemon. Requires an\n")
		fmt.Fprintf(w, "admin role credential; the download is itself audited.\n\n")
		fmt.Fprintf(w, "%s\n", bold("FLAGS"))
		fmt.Fprintf(w, "  %-22s  %s\n", "-addr <host:port>", "Daemon address")
		fmt.Fprintf(w, "  %-22s  %s\n", "-token <token>", "Bearer token with an admin role")
		fmt.Fprintf(w, "  %-22s  %s\n", "-start <ts>", "Range start, RFC3339")
		fmt.Fprintf(w, "  %-22s  %s\n", "-end <ts>", "Range end, RFC3339")
		fmt.Fprintf(w, "  %-22s  %s\n", "-type <types>", "Comma separated event types")
		fmt.Fprintf(w, "  %-22s  %s\n", "-output <path>", "Write CSV to file (default: stdout)")
	case "version":
		fmt.Fprintf(w, "%s\n\n  laneguard version\n\nPrint version and build info.\n", bold("laneguard version"))
	default:
		printUsage(w)
	}
}
