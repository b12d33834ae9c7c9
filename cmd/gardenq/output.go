package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/dustin/go-humanize"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

// stderr receives status lines so stdout stays clean for JSON output.
var stderr io.Writer = os.Stderr

func printLine(color, glyph, format string, args ...any) {
	fmt.Fprintln(stderr, colorize(color, glyph+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args...) }
func printError(format string, args ...any)   { printLine(colorRed, "✗", format, args...) }
func printWarning(format string, args ...any) { printLine(colorYellow, "⚠", format, args...) }

func printStatus(label string, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// statusColor highlights job states that need attention.
func statusColor(status string) string {
	switch status {
	case "synced":
		return colorize(colorGreen, status)
	case "failed", "needs_review":
		return colorize(colorRed, status)
	case "in_flight":
		return colorize(colorCyan, status)
	default:
		return colorize(colorYellow, status)
	}
}

func bytesLabel(n int64) string {
	if n < 0 {
		n = 0
	}
	return humanize.Bytes(uint64(n))
}

func ago(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
