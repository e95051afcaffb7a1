package app

import (
	"log/slog"
	"strconv"
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
)

func paint(s, color string, enabled bool) string {
	if !enabled || color == "" {
		return s
	}
	return color + s + ansiReset
}

func colorizeHTTPMethod(method string, enabled bool) string {
	switch method {
	case "GET", "HEAD":
		return paint(method, ansiBlue, enabled)
	case "POST":
		return paint(method, ansiGreen, enabled)
	case "PUT", "PATCH":
		return paint(method, ansiYellow, enabled)
	case "DELETE":
		return paint(method, ansiRed, enabled)
	default:
		return paint(method, ansiMagenta, enabled)
	}
}

func colorizeStatusCode(code int, enabled bool) string {
	return paint(strconv.Itoa(code), statusColor(statusClass(code)), enabled)
}

func colorizeStatusClass(class string, enabled bool) string {
	return paint(class, statusColor(class), enabled)
}

func statusColor(class string) string {
	switch class {
	case "2xx":
		return ansiGreen
	case "3xx":
		return ansiCyan
	case "4xx":
		return ansiYellow
	case "5xx":
		return ansiRed
	default:
		return ""
	}
}

func colorizeDurationMS(ms int64, enabled bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, enabled)
	case ms >= 250:
		return paint(s, ansiYellow, enabled)
	default:
		return paint(s, ansiDim, enabled)
	}
}

func colorizeResult(result string, enabled bool) string {
	switch result {
	case "success":
		return paint(result, ansiGreen, enabled)
	case "redirect":
		return paint(result, ansiCyan, enabled)
	case "client_error":
		return paint(result, ansiYellow, enabled)
	case "server_error":
		return paint(result, ansiRed, enabled)
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
		n, err := strconv.ParseInt(v.String(), 10, 64)
		return n, err == nil
	default:
		return 0, false
	}
}
