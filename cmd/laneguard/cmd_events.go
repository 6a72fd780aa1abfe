package main

// ---------------------------------------------------------------------------
// cmd_events.go — query recent audit events, or submit one
// ---------------------------------------------------------------------------

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"time"
)

func cmdEvents(args []string) {
	fs := flag.NewFlagSet("events", flag.ExitOnError)
	addr := fs.String("addr", "", "Daemon address (host:port)")
	token := fs.String("token", "", "Bearer token or API key")
	types := fs.String("type", "", "Comma separated event types")
	user := fs.String("user", "", "Filter by user id")
	ip := fs.String("ip", "", "Filter by source IP")
	minRisk := fs.Int("min-risk", 0, "Minimum risk score")
	limit := fs.Int("limit", 50, "Maximum events to return")
	sendFile := fs.String("send", "", "Submit event JSON from file, - for stdin")
	format := fs.String("o", "table", "Output format: table, json")
	timeoutStr := fs.String("timeout", "10s", "Request timeout")
	fs.Parse(args)

	timeout, err := time.ParseDuration(*timeoutStr)
	if err != nil {
		errorf("invalid timeout %q: %v", *timeoutStr, err)
	}
	base := baseURL(envAddr(*addr))
	cred := envToken(*token)

	if *sendFile != "" {
		sendEvent(base, cred, *sendFile, timeout, parseFormat(*format))
		return
	}

	q := url.Values{}
	if *types != "" {
		q.Set("types", *types)
	}
	if *user != "" {
		q.Set("user_id", *user)
	}
	if *ip != "" {
		q.Set("ip", *ip)
	}
	if *minRisk > 0 {
		q.Set("min_risk", strconv.Itoa(*minRisk))
	}
	q.Set("limit", strconv.Itoa(*limit))

	body, err := apiGet(base+"/api/v1/events?"+q.Encode(), cred, timeout)
	if err != nil {
		errorf("%v", err)
	}

	if parseFormat(*format) == FormatJSON {
		fmt.Println(string(body))
		return
	}

	var resp struct {
		Events []struct {
			Timestamp time.Time `json:"timestamp"`
			Level     string    `json:"level"`
			Type      string    `json:"eventType"`
			UserID    string    `json:"userId"`
			IPAddress string    `json:"ipAddress"`
			Action    string    `json:"action"`
			Result    string    `json:"result"`
			RiskScore int       `json:"riskScore"`
		} `json:"events"`
		Total int `json:"total"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		errorf("parsing response: %v", err)
	}

	if resp.Total == 0 {
		fmt.Printf("%s no matching events\n", dim("○"))
		return
	}

	tbl := NewTable(os.Stdout, "time", "level", "type", "user", "ip", "risk", "action", "result")
	for _, e := range resp.Events {
		tbl.AddRow(
			e.Timestamp.Local().Format("15:04:05"),
			e.Level,
			e.Type,
			truncate(e.UserID, 16),
			e.IPAddress,
			strconv.Itoa(e.RiskScore),
			truncate(e.Action, 28),
			e.Result,
		)
	}
	tbl.Render()
	fmt.Printf("%s %d event(s)\n", dim("▸"), resp.Total)
}

// sendEvent submits one event read from a file or stdin.
func sendEvent(base, cred, path string, timeout time.Duration, outFmt OutputFormat) {
	var reader io.Reader
	if path == "-" {
		fi, err := os.Stdin.Stat()
		if err != nil {
			errorf("checking stdin: %v", err)
		}
		if (fi.Mode() & os.ModeCharDevice) != 0 {
			errorf("no input provided, pipe event JSON via stdin or use -send <file>")
		}
		reader = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			errorf("opening input file %q: %v", path, err)
		}
		defer f.Close()
		reader = f
	}

	payload, err := io.ReadAll(reader)
	if err != nil {
		errorf("reading input: %v", err)
	}
	if len(payload) == 0 {
		errorf("empty input, provide event JSON")
	}

	var event map[string]interface{}
	if err := json.Unmarshal(payload, &event); err != nil {
		errorf("invalid JSON: %v", err)
	}
	if _, ok := event["eventType"]; !ok {
		errorf("event JSON must include eventType")
	}

	normalized, _ := json.Marshal(event)
	body, err := apiPost(base+"/api/v1/events", normalized, cred, timeout)
	if err != nil {
		errorf("%v", err)
	}

	if outFmt == FormatJSON {
		fmt.Println(string(body))
		return
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(body, &resp); err != nil {
		fmt.Println(string(body))
		return
	}
	fmt.Printf("%s Event submitted, id=%s status=%s\n",
		green("✓"), resp["event_id"], resp["status"])
}
