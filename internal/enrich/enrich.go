// Package enrich implements a pure line-enrichment function: given a raw
// log line and the current time, it extracts a leading timestamp and an
// embedded level token, stripping both from the returned text.
package enrich

import (
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Result is the outcome of enriching one raw line.
type Result struct {
	Text      string
	Timestamp time.Time
	Level     string // empty when no level token was found
}

var (
	// 1. ISO-8601, optional fractional seconds, optional offset or Z.
	isoTimestamp = regexp.MustCompile(`^\[?(\d{4}-\d{2}-\d{2}T\d{2}:\d{2}:\d{2}(?:\.\d+)?(?:Z|[+-]\d{2}:?\d{2})?)\]?\s*`)
	// 2. Space-separated variant.
	spaceTimestamp = regexp.MustCompile(`^\[?(\d{4}-\d{2}-\d{2} \d{2}:\d{2}:\d{2}(?:\.\d+)?)\]?\s*`)
	// 3. Syslog RFC-3164, year inferred.
	syslogTimestamp = regexp.MustCompile(`^\[?([A-Z][a-z]{2}\s+\d{1,2}\s+\d{2}:\d{2}:\d{2})\]?\s*`)
	// 4. Epoch seconds or milliseconds. Millis must be tried first: regexp
	// alternation is leftmost-first, so \d{10} would otherwise match the
	// leading 10 digits of a 13-digit millis value and leave the rest.
	epochTimestamp = regexp.MustCompile(`^\[?(\d{13}|\d{10})\]?\s*`)

	levelToken = regexp.MustCompile(`(?i)\b(TRACE|DEBUG|INFO|NOTICE|WARNING|WARN|ERROR|ERR|CRITICAL|CRIT|FATAL|ALERT|EMERGENCY)\b`)

	levelNormalize = map[string]string{
		"TRACE":     "TRACE",
		"DEBUG":     "DEBUG",
		"INFO":      "INFO",
		"NOTICE":    "NOTICE",
		"WARN":      "WARN",
		"WARNING":   "WARN",
		"ERROR":     "ERROR",
		"ERR":       "ERROR",
		"CRITICAL":  "CRITICAL",
		"CRIT":      "CRITICAL",
		"FATAL":     "FATAL",
		"ALERT":     "ALERT",
		"EMERGENCY": "EMERGENCY",
	}

	isoLayouts = []string{
		"2006-01-02T15:04:05Z07:00",
		"2006-01-02T15:04:05.999999Z07:00",
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05.999999",
		"2006-01-02T15:04:05-0700",
		"2006-01-02T15:04:05.999999-0700",
	}
	spaceLayouts = []string{
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999",
	}
)

const levelScanWindow = 64

// Enrich extracts the timestamp and level from raw, using now as the
// fallback timestamp and as the year source for syslog's year-less dates.
// It never returns an empty Text: if stripping would leave nothing, the
// original raw line is kept untouched and no level is attached, so a
// second pass (enrich(enrich(line).Text)) is a no-op.
func Enrich(raw string, now time.Time) Result {
	text, ts, ok := stripTimestamp(raw, now)
	if !ok {
		text, ts = raw, now
	}

	level, stripped, found := stripLevel(text)
	if found {
		text = stripped
	}

	if strings.TrimSpace(text) == "" {
		return Result{Text: raw, Timestamp: ts}
	}

	return Result{Text: text, Timestamp: ts, Level: level}
}

func stripTimestamp(raw string, now time.Time) (string, time.Time, bool) {
	if m := isoTimestamp.FindStringSubmatchIndex(raw); m != nil {
		if t, ok := parseAny(raw[m[2]:m[3]], isoLayouts); ok {
			return raw[m[1]:], t, true
		}
	}
	if m := spaceTimestamp.FindStringSubmatchIndex(raw); m != nil {
		if t, ok := parseAny(raw[m[2]:m[3]], spaceLayouts); ok {
			return raw[m[1]:], t, true
		}
	}
	if m := syslogTimestamp.FindStringSubmatchIndex(raw); m != nil {
		candidate := strconv.Itoa(now.Year()) + " " + raw[m[2]:m[3]]
		if t, err := time.ParseInLocation("2006 Jan 2 15:04:05", candidate, now.Location()); err == nil {
			return raw[m[1]:], t, true
		}
	}
	if m := epochTimestamp.FindStringSubmatchIndex(raw); m != nil {
		digits := raw[m[2]:m[3]]
		n, err := strconv.ParseInt(digits, 10, 64)
		if err == nil {
			var t time.Time
			if len(digits) == 13 {
				t = time.UnixMilli(n)
			} else {
				t = time.Unix(n, 0)
			}
			return raw[m[1]:], t, true
		}
	}
	return raw, time.Time{}, false
}

func parseAny(s string, layouts []string) (time.Time, bool) {
	for _, layout := range layouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func stripLevel(text string) (level string, stripped string, found bool) {
	window := text
	truncated := false
	if len(window) > levelScanWindow {
		window = window[:levelScanWindow]
		truncated = true
	}

	loc := levelToken.FindStringIndex(window)
	if loc == nil {
		return "", text, false
	}
	// A truncated window match right at the boundary may be a partial
	// token; re-scan the full text to get the real extent in that case.
	if truncated && loc[1] == len(window) {
		loc = levelToken.FindStringIndex(text)
		if loc == nil {
			return "", text, false
		}
	}

	raw := strings.ToUpper(text[loc[0]:loc[1]])
	normalized, ok := levelNormalize[raw]
	if !ok {
		return "", text, false
	}

	rest := text[:loc[0]] + text[loc[1]:]
	rest = strings.TrimLeft(rest, " \t:-")
	rest = strings.TrimRight(rest, " \t")
	return normalized, rest, true
}
