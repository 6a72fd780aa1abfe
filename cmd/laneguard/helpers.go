package main

// ---------------------------------------------------------------------------
// helpers.go — TTY detection, color, error helpers, env-based defaults
// ---------------------------------------------------------------------------

import (
	"fmt"
	"os"
	"strings"
)

// ---------------------------------------------------------------------------
// TTY / color helpers
// ---------------------------------------------------------------------------

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func colorEnabled() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	return isTTY(os.Stderr)
}

func ansi(code, s string) string {
	if !colorEnabled() {
		return s
	}
	return code + s + "\033[0m"
}

func red(s string) string    { return ansi("\033[91m", s) }
func yellow(s string) string { return ansi("\033[93m", s) }
func green(s string) string  { return ansi("\033[32m", s) }
func dim(s string) string    { return ansi("\033[90m", s) }
func bold(s string) string   { return ansi("\033[1m", s) }

// ---------------------------------------------------------------------------
// Error / warn helpers (always to stderr)
// ---------------------------------------------------------------------------

func errorf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, red("error: ")+format+"\n", args...)
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, yellow("warn: ")+format+"\n", args...)
}

// ---------------------------------------------------------------------------
// Env-based defaults
//
// Environment variables:
//   LANEGUARD_ADDR   — base address of a running daemon (host:port)
//   LANEGUARD_TOKEN  — bearer token or API key for query commands
//   LANEGUARD_CONFIG — default config file path for serve
// ---------------------------------------------------------------------------

// envAddr returns the daemon address, preferring flag > env > default.
func envAddr(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	if e := os.Getenv("LANEGUARD_ADDR"); e != "" {
		return e
	}
	return "127.0.0.1:8700"
}

// envToken returns the credential, preferring flag > env.
func envToken(flagVal string) string {
	if flagVal != "" {
		return flagVal
	}
	return os.Getenv("LANEGUARD_TOKEN")
}

// envConfig returns the config path, preferring flag > env > default.
func envConfig(flagVal string) string {
	if flagVal != "" && flagVal != "laneguard.yaml" {
		return flagVal
	}
	if e := os.Getenv("LANEGUARD_CONFIG"); e != "" {
		return e
	}
	return flagVal
}

// ---------------------------------------------------------------------------
// Suggest — typo correction for unknown commands
// ---------------------------------------------------------------------------

func suggest(input string) string {
	cmds := []string{"serve", "status", "events", "export", "version", "help"}
	input = strings.ToLower(input)
	for _, c := range cmds {
		if strings.HasPrefix(c, input) || strings.HasPrefix(input, c) {
			return c
		}
	}
	for _, c := range cmds {
		if len(c) == len(input) {
			diff := 0
			for i := range c {
				if c[i] != input[i] {
					diff++
				}
			}
			if diff <= 1 {
				return c
			}
		}
	}
	return ""
}
