package gates

import (
	"bufio"
	"regexp"
	"strings"
)

// GenericParser reads one test per line in the forms
// "PASS: id", "FAIL id", "ok id", "SKIP: id" (PASSED, FAILED, ERROR and
// SKIPPED are accepted too). pytest's "id PASSED" order also matches.
// Verdicts are upper case so ordinary log lines are not mistaken for tests.
type GenericParser struct{}

var (
	genericPrefix = regexp.MustCompile(`^\s*(?:---\s+)?(PASS(?:ED)?|FAIL(?:ED)?|ERROR|ok|SKIP(?:PED)?)[:\s]+(\S+)`)
	genericSuffix = regexp.MustCompile(`^\s*(\S+::\S+)\s+(PASS(?:ED)?|FAIL(?:ED)?|ERROR|SKIP(?:PED)?)\b`)
)

func (p *GenericParser) Parse(stdout string, stderr string, exitCode int) *TestRun {
	run := &TestRun{}
	seen := make(map[string]string)

	sc := bufio.NewScanner(strings.NewReader(stdout + "\n" + stderr))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		var verdict, id string
		if m := genericPrefix.FindStringSubmatch(line); m != nil {
			verdict, id = m[1], m[2]
		} else if m := genericSuffix.FindStringSubmatch(line); m != nil {
			id, verdict = m[1], m[2]
		} else {
			continue
		}
		id = strings.TrimRight(id, ":")
		// The last verdict for an id wins.
		seen[id] = normalizeVerdict(verdict)
	}

	if len(seen) == 0 {
		return fallbackRun(exitCode)
	}
	for id, v := range seen {
		switch v {
		case "pass":
			run.Passing = append(run.Passing, id)
		case "fail":
			run.Failing = append(run.Failing, id)
		case "skip":
			run.Skipped = append(run.Skipped, id)
		}
	}
	run.Parsed = true
	sortRun(run)
	return run
}

func normalizeVerdict(v string) string {
	switch v {
	case "PASS", "PASSED", "ok":
		return "pass"
	case "SKIP", "SKIPPED":
		return "skip"
	default:
		return "fail"
	}
}
