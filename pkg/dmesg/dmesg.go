// Package dmesg implements the Dmesg Classifier spec §4.7 describes:
// line-level kernel log parsing with panic/oops/error/warning extraction
// and false-positive suppression, aggregated into four disjoint lists.
package dmesg

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/kernellab/kdevd/pkg/types"
)

var timestampRe = regexp.MustCompile(`^\[\s*(\d+\.\d+)\]\s*(.*)$`)
var priorityRe = regexp.MustCompile(`^<(\d)>\s*(.*)$`)
var subsystemRe = regexp.MustCompile(`^([A-Z][A-Z0-9_]+):\s*(.*)$`)

var logLevels = map[int]types.DmesgSeverity{
	0: types.SeverityEmerg,
	1: types.SeverityAlert,
	2: types.SeverityCrit,
	3: types.SeverityErr,
	4: types.SeverityWarn,
	5: types.SeverityNotice,
	6: types.SeverityInfo,
	7: types.SeverityDebug,
}

var panicPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)Kernel panic`),
	regexp.MustCompile(`(?i)BUG: unable to handle`),
	regexp.MustCompile(`(?i)general protection fault`),
}

var oopsPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)BUG:`),
	regexp.MustCompile(`(?i)Oops:`),
	regexp.MustCompile(`(?i)unable to handle kernel`),
}

var errorPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\berror\b`),
	regexp.MustCompile(`(?i)\bfailed\b`),
	regexp.MustCompile(`(?i)\bfailure\b`),
}

var warningPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\bwarning\b`),
	regexp.MustCompile(`(?i)\bWARN`),
}

// suppressedPatterns are known-benign lines dropped before classification
// (spec §4.7): without these, virtualized boots appear to produce
// spurious errors.
var suppressedPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)failed.*ignoring`),
	regexp.MustCompile(`(?i)PCI: Fatal: No config space`),
	regexp.MustCompile(`^virtme-ng-init:`),
	regexp.MustCompile(`(?i)systemd-tmpfiles.*Failed to (?:change|open|stat)`),
}

// callTraceFrameRe recognizes a structured call-trace continuation line
// (no timestamp of its own, e.g. " [<...>] func_name+0x.../0x...").
var callTraceFrameRe = regexp.MustCompile(`^\s*(?:\[<[0-9a-fA-Fx]+>\]|\?|RIP:|Call Trace:|Code:)`)

func suppressed(line string) bool {
	for _, p := range suppressedPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// hasTimestamp reports whether line carries its own kernel monotonic
// timestamp prefix.
func hasTimestamp(line string) bool {
	return timestampRe.MatchString(line)
}

// ParseLine parses a single dmesg line, or returns (Message{}, false) for
// a blank, suppressed, or untimestamped non-call-trace continuation line.
func ParseLine(line string) (types.DmesgMessage, bool) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return types.DmesgMessage{}, false
	}
	if suppressed(trimmed) {
		return types.DmesgMessage{}, false
	}
	untimestamped := !hasTimestamp(trimmed) && !priorityRe.MatchString(trimmed)
	if untimestamped && !callTraceFrameRe.MatchString(line) && !matchesAny(panicPatterns, trimmed) && !matchesAny(oopsPatterns, trimmed) {
		// A continuation line with no kernel timestamp, no priority tag,
		// and no recognizable call-trace or panic/oops shape is guest
		// userspace noise interleaved with kernel output; spec §4.7
		// drops it. Lines that themselves match a panic/oops pattern are
		// always classified, even without a timestamp (spec's explicit
		// boundary case).
		return types.DmesgMessage{}, false
	}

	var timestamp *float64
	severity := types.SeverityInfo
	var subsystem string
	message := trimmed

	if m := timestampRe.FindStringSubmatch(message); m != nil {
		f, _ := strconv.ParseFloat(m[1], 64)
		timestamp = &f
		message = m[2]
	}

	if m := priorityRe.FindStringSubmatch(message); m != nil {
		n, _ := strconv.Atoi(m[1])
		if lvl, ok := logLevels[n]; ok {
			severity = lvl
		}
		message = m[2]
	}

	if m := subsystemRe.FindStringSubmatch(message); m != nil {
		subsystem = m[1]
		message = m[2]
	}

	if severity == types.SeverityInfo {
		severity = classifyByContent(message)
	}

	return types.DmesgMessage{
		Timestamp: timestamp,
		Severity:  severity,
		Subsystem: subsystem,
		Body:      message,
	}, true
}

func classifyByContent(message string) types.DmesgSeverity {
	if matchesAny(panicPatterns, message) {
		return types.SeverityEmerg
	}
	if matchesAny(oopsPatterns, message) {
		return types.SeverityCrit
	}
	if matchesAny(errorPatterns, message) {
		return types.SeverityErr
	}
	if matchesAny(warningPatterns, message) {
		return types.SeverityWarn
	}
	return types.SeverityInfo
}

func matchesAny(patterns []*regexp.Regexp, s string) bool {
	for _, p := range patterns {
		if p.MatchString(s) {
			return true
		}
	}
	return false
}

func isPanic(msg types.DmesgMessage) bool {
	return msg.Severity == types.SeverityEmerg || matchesAny(panicPatterns, msg.Body)
}

func isOops(msg types.DmesgMessage) bool {
	if isPanic(msg) {
		return false
	}
	return msg.Severity == types.SeverityCrit || matchesAny(oopsPatterns, msg.Body)
}

// Classification holds the four disjoint aggregation lists spec §4.7
// requires: a message lands in exactly one.
type Classification struct {
	Panics   []types.DmesgMessage
	Oops     []types.DmesgMessage
	Errors   []types.DmesgMessage
	Warnings []types.DmesgMessage
}

// Analyze is a pure function of dmesgText: parsing and classifying the
// same input twice yields identical lists (spec's round-trip law).
func Analyze(dmesgText string) Classification {
	var c Classification
	for _, line := range strings.Split(dmesgText, "\n") {
		msg, ok := ParseLine(line)
		if !ok {
			continue
		}
		switch {
		case isPanic(msg):
			c.Panics = append(c.Panics, msg)
		case isOops(msg):
			c.Oops = append(c.Oops, msg)
		case msg.Severity == types.SeverityEmerg, msg.Severity == types.SeverityAlert,
			msg.Severity == types.SeverityCrit, msg.Severity == types.SeverityErr:
			c.Errors = append(c.Errors, msg)
		case msg.Severity == types.SeverityWarn:
			c.Warnings = append(c.Warnings, msg)
		}
	}
	return c
}
