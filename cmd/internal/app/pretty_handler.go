package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	prettyDefaultWidth = 100
	prettyMinWidth     = 40
	prettyContinuation = "    "

	// Session digests are 64 hex chars; a prefix is enough to follow one run.
	prettyDigestChars = 12
)

// prettyHandler renders one event per line for local runs:
//
//	12:00:00.000 INFO  stage.rejected stage=bob code=recipient_mismatch session=3f9a1c0b7e21…
//
// Lines wrap to the terminal width. Attributes bound with WithAttrs are
// rendered once, when they are bound.
type prettyHandler struct {
	out    *lockedWriter
	level  slog.Leveler
	source bool
	color  bool
	width  int
	prefix string
	bound  []string
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (lw *lockedWriter) write(s string) error {
	lw.mu.Lock()
	defer lw.mu.Unlock()
	_, err := io.WriteString(lw.w, s)
	return err
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{
		out:   &lockedWriter{w: w},
		level: slog.LevelInfo,
		color: color,
		width: terminalWidth(),
	}
	if opts != nil {
		if opts.Level != nil {
			h.level = opts.Level
		}
		h.source = opts.AddSource
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}

	segs := make([]string, 0, 2+len(h.bound)+r.NumAttrs())
	segs = append(segs, applyDim(ts.Format("15:04:05.000"), h.color)+" "+levelTag(r.Level, h.color)+" "+applyBold(r.Message, h.color))
	segs = append(segs, h.bound...)
	r.Attrs(func(a slog.Attr) bool {
		segs = h.render(segs, h.prefix, a)
		return true
	})

	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			segs = append(segs, applyDim(fmt.Sprintf("@%s:%d", filepath.Base(frame.File), frame.Line), h.color))
		}
	}

	lines := wrapSegments(segs, " ", h.width, prettyContinuation)
	return h.out.write(strings.Join(lines, "\n") + "\n")
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.bound = append([]string{}, h.bound...)
	for _, a := range attrs {
		cp.bound = h.render(cp.bound, h.prefix, a)
	}
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	name = strings.TrimSpace(name)
	if name == "" {
		return h
	}
	cp := *h
	cp.prefix = h.prefix + name + "."
	return &cp
}

func (h *prettyHandler) render(segs []string, prefix string, a slog.Attr) []string {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)

	if a.Value.Kind() == slog.KindGroup {
		if key != "" {
			prefix += key + "."
		}
		for _, ga := range a.Value.Group() {
			segs = h.render(segs, prefix, ga)
		}
		return segs
	}
	if key == "" {
		return segs
	}

	name, val := h.field(key, a.Value)
	return append(segs, prefix+name+"="+val)
}

// field returns the printed key and value for one attribute. key excludes
// any group prefix.
func (h *prettyHandler) field(key string, v slog.Value) (string, string) {
	switch key {
	case "stage":
		return key, colorizeStage(strings.TrimSpace(v.String()), h.color)
	case "session":
		return key, applyDim(shortDigest(strings.TrimSpace(v.String())), h.color)
	case "code":
		return key, colorizeCode(strings.TrimSpace(v.String()), h.color)
	case "err":
		return key, colorize(quoteIfNeeded(v.String()), ansiRed, h.color)
	case "method":
		return key, colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "path":
		return key, colorize(strings.TrimSpace(v.String()), ansiCyan, h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return key, colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return "class", colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return "duration", colorizeDurationMS(n, h.color)
		}
	case "result":
		return key, colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	}
	return key, quoteIfNeeded(plainValue(v))
}

func plainValue(v slog.Value) string {
	if v.Kind() == slog.KindTime {
		return v.Time().Format(time.RFC3339)
	}
	return v.String()
}

func quoteIfNeeded(s string) string {
	if s == "" {
		return `""`
	}
	if strings.ContainsAny(s, " \t\r\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func shortDigest(s string) string {
	if len(s) <= prettyDigestChars {
		return s
	}
	return s[:prettyDigestChars] + ellipsis
}

// terminalWidth returns the wrap width: ENTANGLE_LOG_WIDTH, then COLUMNS, then a default.
// Values narrower than prettyMinWidth are ignored.
func terminalWidth() int {
	for _, key := range []string{"ENTANGLE_LOG_WIDTH", "COLUMNS"} {
		n, err := strconv.Atoi(strings.TrimSpace(os.Getenv(key)))
		if err == nil && n >= prettyMinWidth {
			return n
		}
	}
	return prettyDefaultWidth
}

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return colorize("ERROR", ansiRed, color)
	case level >= slog.LevelWarn:
		return colorize("WARN ", ansiYellow, color)
	case level < slog.LevelInfo:
		return colorize("DEBUG", ansiMagenta, color)
	default:
		return colorize("INFO ", ansiBlue, color)
	}
}

func colorizeStage(stage string, color bool) string {
	switch stage {
	case "alice":
		return colorize(stage, ansiBlue, color)
	case "bob":
		return colorize(stage, ansiMagenta, color)
	case "charlie":
		return colorize(stage, ansiCyan, color)
	default:
		return stage
	}
}

func colorizeCode(code string, color bool) string {
	switch code {
	case "ok":
		return colorize(code, ansiGreen, color)
	case "internal_error":
		return colorize(code, ansiRed, color)
	default:
		return colorize(code, ansiYellow, color)
	}
}

func colorize(s, code string, color bool) string {
	if !color {
		return s
	}
	return code + s + ansiReset
}

func applyDim(s string, color bool) string { return colorize(s, ansiDim, color) }

func applyBold(s string, color bool) string { return colorize(s, ansiBright, color) }
