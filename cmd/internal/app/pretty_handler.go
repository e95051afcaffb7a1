package app

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"
)

// prettyHandler renders one line per record for local development:
//
//	15:04:05.000 INF worker.entry.persisted msg=1f0c9a2e entry=1718-0 consumer=worker-ab12cd34
//
// Ids are shortened, the event name is colored by its outcome suffix and
// pipeline keys get short aliases. Production uses the JSON handler.
type prettyHandler struct {
	w      io.Writer
	opts   slog.HandlerOptions
	attrs  []slog.Attr
	groups []string
	color  bool
	mu     *sync.Mutex
}

func newPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) slog.Handler {
	h := &prettyHandler{w: w, color: color, mu: &sync.Mutex{}}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *prettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.opts.Level != nil {
		minLevel = h.opts.Level.Level()
	}
	return level >= minLevel
}

func (h *prettyHandler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder

	ts := r.Time
	if ts.IsZero() {
		ts = time.Now()
	}
	b.WriteString(paint(ts.Format("15:04:05.000"), ansiDim, h.color))
	b.WriteByte(' ')
	b.WriteString(levelTag(r.Level, h.color))
	b.WriteByte(' ')
	b.WriteString(paint(r.Message, eventColor(r.Message), h.color))

	for _, a := range h.attrs {
		h.appendAttr(&b, a, "")
	}
	r.Attrs(func(a slog.Attr) bool {
		h.appendAttr(&b, a, "")
		return true
	})

	if h.opts.AddSource && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		if frame.File != "" {
			b.WriteByte(' ')
			b.WriteString(paint(fmt.Sprintf("@%s:%d", filepath.Base(frame.File), frame.Line), ansiDim, h.color))
		}
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *prettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	cp := *h
	cp.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &cp
}

func (h *prettyHandler) WithGroup(name string) slog.Handler {
	if strings.TrimSpace(name) == "" {
		return h
	}
	cp := *h
	cp.groups = append(append([]string{}, h.groups...), name)
	return &cp
}

func (h *prettyHandler) appendAttr(b *strings.Builder, a slog.Attr, parent string) {
	a.Value = a.Value.Resolve()
	key := strings.TrimSpace(a.Key)
	if key == "" || a.Equal(slog.Attr{}) {
		return
	}
	if parent != "" {
		key = parent + "." + key
	}

	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			h.appendAttr(b, ga, key)
		}
		return
	}

	shown := prettyKey(key)
	if len(h.groups) > 0 {
		shown = strings.Join(h.groups, ".") + "." + shown
	}
	b.WriteByte(' ')
	b.WriteString(shown)
	b.WriteByte('=')
	b.WriteString(h.prettyValue(key, a.Value))
}

// prettyKey aliases the keys that appear on most pipeline lines.
func prettyKey(k string) string {
	switch k {
	case "message_id":
		return "msg"
	case "room_id":
		return "room"
	case "user_id":
		return "user"
	case "session_id":
		return "session"
	case "entry_id":
		return "entry"
	case "status_class":
		return "class"
	case "duration_ms":
		return "took"
	default:
		return k
	}
}

func (h *prettyHandler) prettyValue(key string, v slog.Value) string {
	switch key {
	case "message_id", "room_id", "user_id":
		return paint(shortID(v.String()), ansiCyan, h.color)
	case "session_id", "consumer":
		return paint(v.String(), ansiDim, h.color)
	case "entry_id", "source_id":
		return paint(v.String(), ansiMagenta, h.color)
	case "deliveries":
		if n, ok := valueToInt64(v); ok && n > 1 {
			return paint(strconv.FormatInt(n, 10), ansiYellow, h.color)
		}
	case "err":
		return paint(quoteIfNeeded(valueToString(v)), ansiRed, h.color)
	case "reason":
		return paint(quoteIfNeeded(valueToString(v)), ansiYellow, h.color)
	case "method":
		return colorizeHTTPMethod(strings.ToUpper(strings.TrimSpace(v.String())), h.color)
	case "status":
		if n, ok := valueToInt64(v); ok {
			return colorizeStatusCode(int(n), h.color)
		}
	case "status_class":
		return colorizeStatusClass(strings.TrimSpace(v.String()), h.color)
	case "duration_ms":
		if n, ok := valueToInt64(v); ok {
			return colorizeDurationMS(n, h.color)
		}
	case "result":
		return colorizeResult(strings.ToLower(strings.TrimSpace(v.String())), h.color)
	}
	return quoteIfNeeded(valueToString(v))
}

// shortID keeps the first 8 characters of a UUID; they are unique enough to
// follow one message through a dev session.
func shortID(s string) string {
	if len(s) == 36 && s[8] == '-' {
		return s[:8]
	}
	return s
}

// eventColor colors an event name by its last segment.
func eventColor(event string) string {
	last := event
	if i := strings.LastIndexByte(event, '.'); i >= 0 {
		last = event[i+1:]
	}
	switch last {
	case "fail", "dead_lettered", "invalid":
		return ansiRed
	case "retry", "restart", "dropped", "rejected":
		return ansiYellow
	case "persisted", "accepted", "subscribed", "active", "start":
		return ansiGreen
	case "duplicate":
		return ansiCyan
	default:
		return ansiBright
	}
}

func valueToString(v slog.Value) string {
	switch v.Kind() {
	case slog.KindString:
		return v.String()
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'f', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	default:
		return fmt.Sprint(v.Any())
	}
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

func levelTag(level slog.Level, color bool) string {
	switch {
	case level >= slog.LevelError:
		return paint("ERR", ansiRed, color)
	case level >= slog.LevelWarn:
		return paint("WRN", ansiYellow, color)
	case level < slog.LevelInfo:
		return paint("DBG", ansiMagenta, color)
	default:
		return paint("INF", ansiBlue, color)
	}
}
