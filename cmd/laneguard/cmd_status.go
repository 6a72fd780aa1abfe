package main

// ---------------------------------------------------------------------------
// cmd_status.go — runtime status of a running daemon
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	addr := fs.String("addr", "", "Daemon address (host:port)")
	token := fs.String("token", "", "Bearer token or API key")
	format := fs.String("o", "table", "Output format: table, json")
	timeoutStr := fs.String("timeout", "5s", "Request timeout")
	fs.Parse(args)

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		errorf("invalid timeout %q: %v", *timeoutStr, err)
	}

	base := baseURL(envAddr(*addr))
	body, err := apiGet(base+"/api/v1/status", envToken(*token), timeout)
	if err != nil {
		errorf("%v", err)
	}

	if parseFormat(*format) == FormatJSON {
		fmt.Println(string(body))
		return
	}

	var status struct {
		Version       string `json:"version"`
		UptimeSeconds int64  `json:"uptime_seconds"`
		Audit         struct {
			Buffered   int    `json:"buffered"`
			Capacity   int    `json:"capacity"`
			Recorded   uint64 `json:"recorded"`
			Dropped    uint64 `json:"dropped"`
			QueueDepth int    `json:"queue_depth"`
		} `json:"audit"`
		RateLimit struct {
			ActiveKeys int    `json:"active_keys"`
			Allowed    uint64 `json:"allowed"`
			Rejected   uint64 `json:"rejected"`
		} `json:"rate_limit"`
		Detector struct {
			ActiveCooldowns int `json:"active_cooldowns"`
			Rules           []struct {
				Name          string `json:"name"`
				WindowSeconds int    `json:"window_seconds"`
				Threshold     int    `json:"threshold"`
				Fired         uint64 `json:"fired"`
			} `json:"rules"`
		} `json:"detector"`
		Alerts struct {
			Enabled     bool   `json:"enabled"`
			Delivered   uint64 `json:"delivered"`
			DeadLetters int    `json:"dead_letters"`
		} `json:"alerts"`
	}
	if err := json.Unmarshal(body, &status); err != nil {
		errorf("parsing response: %v", err)
	}

	fmt.Printf("%s laneguard status\n\n", bold("●"))
	fmt.Printf("  %-16s %s\n", "Version:", green(status.Version))
	fmt.Printf("  %-16s %s\n", "Uptime:", (time.Duration(status.UptimeSeconds) * time.Second).String())
	fmt.Printf("  %-16s %d/%d buffered, %d recorded, %d dropped\n",
		"Audit log:", status.Audit.Buffered, status.Audit.Capacity,
		status.Audit.Recorded, status.Audit.Dropped)
	fmt.Printf("  %-16s %d keys, %d allowed, %d rejected\n",
		"Rate limiter:", status.RateLimit.ActiveKeys,
		status.RateLimit.Allowed, status.RateLimit.Rejected)
	alerts := dim("disabled")
	if status.Alerts.Enabled {
		alerts = fmt.Sprintf("%d delivered, %d dead letters",
			status.Alerts.Delivered, status.Alerts.DeadLetters)
		if status.Alerts.DeadLetters > 0 {
			alerts = yellow(alerts)
		}
	}
	fmt.Printf("  %-16s %s\n", "Alerts:", alerts)

	if len(status.Detector.Rules) > 0 {
		fmt.Printf("\n  %s\n", bold("Detector rules:"))
		tbl := NewTable(os.Stdout, "rule", "window", "threshold", "fired")
		for _, r := range status.Detector.Rules {
			tbl.AddRow(r.Name,
				(time.Duration(r.WindowSeconds)*time.Second).String(),
				fmt.Sprintf("%d", r.Threshold),
				fmt.Sprintf("%d", r.Fired))
		}
		tbl.Render()
	}
	fmt.Println()
}
