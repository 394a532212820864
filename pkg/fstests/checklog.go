package fstests

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/kernellab/kdevd/pkg/types"
)

// runSeparatorRe marks the start of a fresh fstests invocation inside a
// concatenated check.log: the harness re-prints its banner each time
// ./check runs, e.g. "FSTYP         -- ext4".
var runSeparatorRe = regexp.MustCompile(`(?m)^FSTYP\s+--`)

var (
	testDurationRe = regexp.MustCompile(`^([a-zA-Z0-9_]+/[0-9]+)\s+([0-9]+)s\s*$`)
	testNotRunRe   = regexp.MustCompile(`^([a-zA-Z0-9_]+/[0-9]+)\s+\[not run\]\s*(.*)$`)
	testFailedRe   = regexp.MustCompile(`^([a-zA-Z0-9_]+/[0-9]+)\s+-\s*(.*)$`)

	ranRe          = regexp.MustCompile(`^Ran:\s*(.*)$`)
	failuresRe     = regexp.MustCompile(`^Failures:\s*(.*)$`)
	notRunRe       = regexp.MustCompile(`^Not run:\s*(.*)$`)
	passedAllRe    = regexp.MustCompile(`^Passed all (\d+) tests\s*$`)
	failedOfRe     = regexp.MustCompile(`^Failed (\d+) of (\d+) tests\s*$`)
	kernelDmesgRe  = regexp.MustCompile(`^\[\s*\d+\.\d+\]`)
	timingPrefixRe = regexp.MustCompile(`^\s*[0-9]+s\s*$`)
)

// ParseCheckLog parses a guest's check.log, spec §4.9: multiple runs may
// be concatenated (only the last counts), kernel dmesg lines may be
// interleaved into test output, and the per-test lines reconcile with
// the trailing summary lines.
func ParseCheckLog(content string) types.RunResult {
	lastRun := lastRunSection(content)
	return parseRunSection(lastRun)
}

// lastRunSection returns the text belonging to the final ./check
// invocation in content, splitting on the harness's repeated banner.
func lastRunSection(content string) string {
	locs := runSeparatorRe.FindAllStringIndex(content, -1)
	if len(locs) == 0 {
		return content
	}
	return content[locs[len(locs)-1][0]:]
}

func parseRunSection(section string) types.RunResult {
	var result types.RunResult
	var sawSummaryLine bool
	tests := map[string]types.TestResult{}
	var order []string

	lines := strings.Split(section, "\n")
	for i := 0; i < len(lines); i++ {
		line := strings.TrimRight(lines[i], "\r")
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if kernelDmesgRe.MatchString(trimmed) {
			continue
		}

		if m := testDurationRe.FindStringSubmatch(trimmed); m != nil {
			secs, _ := strconv.Atoi(m[2])
			addTest(tests, &order, types.TestResult{Name: m[1], Status: types.TestPassed, Duration: time.Duration(secs) * time.Second})
			continue
		}
		if m := testNotRunRe.FindStringSubmatch(trimmed); m != nil {
			addTest(tests, &order, types.TestResult{Name: m[1], Status: types.TestNotRun, FailureReason: strings.TrimSpace(m[2])})
			continue
		}
		if m := testFailedRe.FindStringSubmatch(trimmed); m != nil {
			addTest(tests, &order, types.TestResult{Name: m[1], Status: types.TestFailed, FailureReason: strings.TrimSpace(m[2])})
			continue
		}

		// A kernel log line can land inside a test's own line (spec
		// §4.9's robustness case): "btrfs/003  [ 2.38] run fstests ...",
		// with the duration arriving on the next line by itself.
		if strings.Contains(trimmed, "/") {
			fields := strings.Fields(trimmed)
			if len(fields) >= 1 {
				name := fields[0]
				if suiteTestRe.MatchString(name) {
					if j := i + 1; j < len(lines) && timingPrefixRe.MatchString(strings.TrimSpace(lines[j])) {
						secs, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimSpace(lines[j]), "s"))
						addTest(tests, &order, types.TestResult{Name: name, Status: types.TestPassed, Duration: time.Duration(secs) * time.Second})
						i = j
						continue
					}
				}
			}
		}

		if m := ranRe.FindStringSubmatch(trimmed); m != nil {
			continue // the per-test lines already name every test; the Ran list is not used
		}
		if m := failuresRe.FindStringSubmatch(trimmed); m != nil {
			for _, name := range strings.Fields(m[1]) {
				if t, ok := tests[name]; !ok || t.Status != types.TestFailed {
					addTest(tests, &order, types.TestResult{Name: name, Status: types.TestFailed})
				}
			}
			continue
		}
		if m := notRunRe.FindStringSubmatch(trimmed); m != nil {
			for _, name := range strings.Fields(m[1]) {
				if _, ok := tests[name]; !ok {
					addTest(tests, &order, types.TestResult{Name: name, Status: types.TestNotRun})
				}
			}
			continue
		}
		if passedAllRe.MatchString(trimmed) {
			result.Success = true
			sawSummaryLine = true
			continue
		}
		if failedOfRe.MatchString(trimmed) {
			result.Success = false
			sawSummaryLine = true
			continue
		}
	}

	for _, name := range order {
		result.Tests = append(result.Tests, tests[name])
	}
	result.Total = len(result.Tests)
	for _, t := range result.Tests {
		switch t.Status {
		case types.TestPassed:
			result.Passed++
		case types.TestFailed:
			result.Failed++
		case types.TestNotRun:
			result.NotRun++
		}
	}
	if !sawSummaryLine && result.Total > 0 {
		result.Success = result.Failed == 0
	}
	return result
}

func addTest(tests map[string]types.TestResult, order *[]string, t types.TestResult) {
	if _, exists := tests[t.Name]; !exists {
		*order = append(*order, t.Name)
	}
	tests[t.Name] = t
}

// FormatRunResult renders a RunResult for display, spec §4.9's
// human-readable summary surfaced back to the RPC caller.
func FormatRunResult(r types.RunResult) string {
	if r.Success {
		return fmt.Sprintf("Passed all %d tests", r.Total)
	}
	return fmt.Sprintf("Failed %d of %d tests", r.Failed, r.Total)
}
