package app

import (
	"log/slog"
	"regexp"
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

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*m`)

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

func paint(s, code string, color bool) string {
	if !color || s == "" {
		return s
	}
	return code + s + ansiReset
}

func colorizeHTTPMethod(method string, color bool) string {
	switch method {
	case "GET", "HEAD", "OPTIONS":
		return paint(method, ansiBlue, color)
	case "POST":
		return paint(method, ansiGreen, color)
	case "PUT", "PATCH":
		return paint(method, ansiYellow, color)
	case "DELETE":
		return paint(method, ansiRed, color)
	default:
		return paint(method, ansiMagenta, color)
	}
}

func colorizeStatusCode(code int, color bool) string {
	return paint(strconv.Itoa(code), statusColor(statusClass(code)), color)
}

func colorizeStatusClass(class string, color bool) string {
	return paint(class, statusColor(class), color)
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
		return ansiDim
	}
}

func colorizeDurationMS(ms int64, color bool) string {
	s := strconv.FormatInt(ms, 10) + "ms"
	switch {
	case ms >= 1000:
		return paint(s, ansiRed, color)
	case ms >= 250:
		return paint(s, ansiYellow, color)
	default:
		return paint(s, ansiDim, color)
	}
}

func colorizeResult(result string, color bool) string {
	switch result {
	case "success", "ok":
		return paint(result, ansiGreen, color)
	case "redirect":
		return paint(result, ansiCyan, color)
	case "client_error":
		return paint(result, ansiYellow, color)
	case "server_error", "error":
		return paint(result, ansiRed, color)
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
