package middleware

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
)

// maxBodyBytes caps how much of a request body the sanitizer and the
// injection scanner will buffer. Larger bodies pass through untouched.
const maxBodyBytes = 1 << 20

// Blocklist scrubbing is defense in depth, not output encoding: a
// renderer that echoes user input still owes its own escaping.
var (
	scriptBlockRe = regexp.MustCompile(`(?is)<\s*script[^>]*>.*?<\s*/\s*script\s*>`)
	scriptTagRe   = regexp.MustCompile(`(?i)<\s*/?\s*script[^>]*>`)
	jsURIRe       = regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:`)
	eventAttrRe   = regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|mouseout|focus|blur|submit|change|input|keyup|keydown|dblclick|contextmenu)\s*=\s*("[^"]*"|'[^']*'|[^\s>]+)`)
)

// sanitizeString strips script blocks, stray script tags, script URIs
// and inline event handlers from a single value.
func sanitizeString(s string) (string, bool) {
	out := scriptBlockRe.ReplaceAllString(s, "")
	out = scriptTagRe.ReplaceAllString(out, "")
	out = jsURIRe.ReplaceAllString(out, "")
	out = eventAttrRe.ReplaceAllString(out, "")
	return out, out != s
}

// sanitizeValue walks a decoded JSON document and scrubs every string,
// collecting the paths of the fields it changed.
func sanitizeValue(v any, path string, touched *[]string) any {
	switch t := v.(type) {
	case string:
		clean, changed := sanitizeString(t)
		if changed {
			*touched = append(*touched, path)
		}
		return clean
	case map[string]any:
		for k, child := range t {
			t[k] = sanitizeValue(child, path+"."+k, touched)
		}
		return t
	case []any:
		for i, child := range t {
			t[i] = sanitizeValue(child, fmt.Sprintf("%s[%d]", path, i), touched)
		}
		return t
	default:
		return v
	}
}

func isJSONRequest(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Content-Type"), "application/json")
}

// readBody buffers up to limit bytes of the request body. When the
// body is larger the buffered prefix is stitched back onto the reader
// and overflow is reported; callers then leave the request alone.
func readBody(r *http.Request, limit int64) ([]byte, bool, error) {
	data, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(data)) > limit {
		r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(data), r.Body))
		return data, true, nil
	}
	r.Body.Close()
	return data, false, nil
}

func restoreBody(r *http.Request, data []byte) {
	r.Body = io.NopCloser(bytes.NewReader(data))
	r.ContentLength = int64(len(data))
}

// sanitizeRequest rewrites a JSON request body with active content
// removed. It returns the paths of the scrubbed fields; an empty slice
// means the body was left byte-identical.
func sanitizeRequest(r *http.Request) []string {
	if r.Body == nil || r.Body == http.NoBody || !isJSONRequest(r) {
		return nil
	}
	body, overflow, err := readBody(r, maxBodyBytes)
	if err != nil {
		return nil
	}
	if overflow {
		return nil
	}

	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		restoreBody(r, body)
		return nil
	}

	var touched []string
	doc = sanitizeValue(doc, "$", &touched)
	if len(touched) == 0 {
		restoreBody(r, body)
		return nil
	}

	clean, err := json.Marshal(doc)
	if err != nil {
		restoreBody(r, body)
		return nil
	}
	restoreBody(r, clean)
	return touched
}
