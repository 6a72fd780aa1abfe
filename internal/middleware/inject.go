package middleware

import (
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"
)

// injectPattern is one compiled detection rule. The table is scanned
// in order against normalized input; every match is reported.
//
// Pattern matching is a best-effort screen, not a parser: it can both
// over- and under-match. The data layer still owes parameterized
// queries and output encoding; this stage only cuts the obvious noise
// before it reaches them.
type injectPattern struct {
	name     string
	category string
	re       *regexp.Regexp
}

func injectionPatterns() []injectPattern {
	return []injectPattern{
		// SQL injection
		{name: "sql_union_select", category: "sql",
			re: regexp.MustCompile(`(?i)\bunion\b\s+(all\s+)?select\b`)},
		{name: "sql_or_tautology", category: "sql",
			re: regexp.MustCompile(`(?i)(\bor\b\s+[\d'"]+\s*=\s*[\d'"]+|'\s*or\s*'[^']*'\s*=\s*'[^']*')`)},
		{name: "sql_stacked_statement", category: "sql",
			re: regexp.MustCompile(`(?i);\s*(drop|alter|truncate|delete\s+from|update\s+\w+\s+set|insert\s+into|exec|execute)\b`)},
		{name: "sql_comment_ddl", category: "sql",
			re: regexp.MustCompile(`(?i)(--|#|/\*.*?\*/)\s*(drop|alter|delete|update|insert|create|exec)\b`)},
		{name: "sql_time_probe", category: "sql",
			re: regexp.MustCompile(`(?i)(sleep\s*\(\s*\d+\s*\)|benchmark\s*\(\s*\d+|waitfor\s+delay\s+')`)},
		{name: "sql_schema_probe", category: "sql",
			re: regexp.MustCompile(`(?i)(information_schema|pg_catalog|sysobjects)`)},

		// Cross-site scripting
		{name: "xss_script_tag", category: "xss",
			re: regexp.MustCompile(`(?i)<\s*script[^>]*>`)},
		{name: "xss_event_handler", category: "xss",
			re: regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|blur|submit|change|input)\s*=`)},
		{name: "xss_script_uri", category: "xss",
			re: regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:`)},

		// Path traversal
		{name: "path_traversal", category: "path",
			re: regexp.MustCompile(`(\.\.[\\/]){2,}`)},
		{name: "path_sensitive_file", category: "path",
			re: regexp.MustCompile(`(?i)(/etc/(passwd|shadow)|/proc/self/|\.git/config|\bwp-config\.php)`)},

		// Command injection
		{name: "cmd_chained_binary", category: "cmd",
			re: regexp.MustCompile("(\\||&&|;|`)\\s*(cat|ls|whoami|id|uname|wget|curl|nc|bash|sh|powershell)\\b")},
	}
}

// Finding names a pattern that matched somewhere in the request.
type Finding struct {
	Pattern  string `json:"pattern"`
	Category string `json:"category"`
	Source   string `json:"source"`
}

type inspector struct {
	patterns []injectPattern
}

func newInspector() *inspector {
	return &inspector{patterns: injectionPatterns()}
}

func (in *inspector) scanString(input, source string) []Finding {
	if input == "" {
		return nil
	}
	normalized := normalizeInput(input)

	var findings []Finding
	for _, p := range in.patterns {
		if p.re.MatchString(normalized) {
			findings = append(findings, Finding{Pattern: p.name, Category: p.category, Source: source})
		}
	}
	return findings
}

// scanRequest checks query parameters and the request body. The body
// is buffered and put back so handlers downstream still see it.
func (in *inspector) scanRequest(r *http.Request) []Finding {
	var findings []Finding

	for name, values := range r.URL.Query() {
		findings = append(findings, in.scanString(name, "query")...)
		for _, v := range values {
			findings = append(findings, in.scanString(v, "query:"+name)...)
		}
	}

	if r.Body != nil && r.Body != http.NoBody {
		body, overflow, err := readBody(r, maxBodyBytes)
		if err == nil && !overflow {
			restoreBody(r, body)
			findings = append(findings, in.scanBody(body, r.Header.Get("Content-Type"))...)
		}
	}
	return findings
}

func (in *inspector) scanBody(body []byte, contentType string) []Finding {
	if strings.Contains(contentType, "application/json") {
		var doc any
		if err := json.Unmarshal(body, &doc); err == nil {
			var findings []Finding
			in.walkJSON(doc, "$", &findings)
			return findings
		}
	}
	return in.scanString(string(body), "body")
}

func (in *inspector) walkJSON(v any, path string, findings *[]Finding) {
	switch t := v.(type) {
	case string:
		*findings = append(*findings, in.scanString(t, "body:"+path)...)
	case map[string]any:
		for k, child := range t {
			in.walkJSON(child, path+"."+k, findings)
		}
	case []any:
		for i, child := range t {
			in.walkJSON(child, fmt.Sprintf("%s[%d]", path, i), findings)
		}
	}
}

var collapseRe = regexp.MustCompile(`\s+`)

var percentDecoder = strings.NewReplacer(
	"%20", " ",
	"%27", "'",
	"%22", "\"",
	"%3C", "<",
	"%3E", ">",
	"%28", "(",
	"%29", ")",
	"%3B", ";",
	"%7C", "|",
	"%26", "&",
	"%2F", "/",
	"%5C", "\\",
	"%2E", ".",
	"%3D", "=",
	"%2D", "-",
	"%2A", "*",
	"%00", "\x00",
	"%09", "\t",
	"%0A", "\n",
	"%0D", "\r",
)

var homoglyphFolder = strings.NewReplacer(
	"‘", "'",
	"’", "'",
	"“", "\"",
	"”", "\"",
	"＜", "<",
	"＞", ">",
	"（", "(",
	"）", ")",
	"․", ".",
	"／", "/",
	"＼", "\\",
)

// normalizeInput folds common evasion tricks before matching: percent
// encoding (applied twice for double-encoded payloads), unicode
// lookalike characters and whitespace runs.
func normalizeInput(input string) string {
	result := percentDecoder.Replace(input)
	result = percentDecoder.Replace(result)
	result = homoglyphFolder.Replace(result)
	return collapseRe.ReplaceAllString(result, " ")
}
