package app

import (
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

const (
	ansiReset   = "\x1b[0m"
	ansiBright  = "\x1b[1m"
	ansiDim     = "\x1b[2m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"

	ellipsis = "…"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// visualLen is the printed width of s, ignoring color codes.
func visualLen(s string) int {
	return utf8.RuneCountInString(stripANSI(s))
}

// wrapSegments joins segs with sep into lines no wider than width. Continuation
// lines start with prefix. A segment that cannot fit on an empty line is truncated.
func wrapSegments(segs []string, sep string, width int, prefix string) []string {
	if width <= 0 {
		return []string{strings.Join(segs, sep)}
	}

	var (
		lines []string
		cur   strings.Builder
		n     int
	)
	flush := func() {
		if cur.Len() > 0 {
			lines = append(lines, cur.String())
		}
		cur.Reset()
		n = 0
	}
	start := func() {
		if len(lines) > 0 {
			cur.WriteString(prefix)
			n = visualLen(prefix)
		}
	}

	for _, seg := range segs {
		w := visualLen(seg)
		if cur.Len() > 0 && n+visualLen(sep)+w > width {
			flush()
		}
		if cur.Len() == 0 {
			start()
			if n+w > width {
				seg = truncateVisual(seg, width-n)
				w = visualLen(seg)
			}
			cur.WriteString(seg)
			n += w
			continue
		}
		cur.WriteString(sep)
		cur.WriteString(seg)
		n += visualLen(sep) + w
	}
	flush()
	return lines
}

// truncateVisual cuts s to max printed runes, ending in an ellipsis. Color codes are dropped.
func truncateVisual(s string, max int) string {
	plain := []rune(stripANSI(s))
	if len(plain) <= max {
		return string(plain)
	}
	if max <= 1 {
		return ellipsis
	}
	return string(plain[:max-1]) + ellipsis
}

func colorizeHTTPMethod(m string, color bool) string {
	if !color {
		return m
	}
	switch m {
	case "GET", "HEAD":
		return ansiGreen + m + ansiReset
	case "POST":
		return ansiBlue + m + ansiReset
	case "DELETE":
		return ansiRed + m + ansiReset
	case "OPTIONS":
		return ansiDim + m + ansiReset
	default:
		return ansiYellow + m + ansiReset
	}
}

func colorizeStatusCode(code int, color bool) string {
	s := strconv.Itoa(code)
	if !color {
		return s
	}
	switch {
	case code >= 500:
		return ansiRed + s + ansiReset
	case code >= 400:
		return ansiYellow + s + ansiReset
	case code >= 300:
		return ansiCyan + s + ansiReset
	default:
		return ansiGreen + s + ansiReset
	}
}

func colorizeStatusClass(class string, color bool) string {
	if !color {
		return class
	}
	switch class {
	case "5xx":
		return ansiRed + class + ansiReset
	case "4xx":
		return ansiYellow + class + ansiReset
	case "3xx":
		return ansiCyan + class + ansiReset
	default:
		return ansiGreen + class + ansiReset
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	if !color {
		return s
	}
	switch {
	case ms >= 1000:
		return ansiRed + s + ansiReset
	case ms >= 200:
		return ansiYellow + s + ansiReset
	default:
		return ansiDim + s + ansiReset
	}
}

func colorizeResult(result string, color bool) string {
	if !color {
		return result
	}
	switch result {
	case "success":
		return ansiGreen + result + ansiReset
	case "redirect":
		return ansiCyan + result + ansiReset
	case "client_error":
		return ansiYellow + result + ansiReset
	case "server_error":
		return ansiRed + result + ansiReset
	default:
		return result
	}
}

func valueToInt64(v slog.Value) (int64, bool) {
	switch v.Kind() {
	case slog.KindInt64:
		return v.Int64(), true
	case slog.KindUint64:
		return int64(v.Uint64()), true
	case slog.KindFloat64:
		return int64(v.Float64()), true
	case slog.KindString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.String()), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
