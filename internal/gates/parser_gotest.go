package gates

import (
	"bufio"
	"encoding/json"
	"sort"
	"strings"
)

// GoTestParser parses `go test -json` output. Test ids are
// "<package>.<Test>"; a failing package with no failing test (build
// failure, TestMain panic) is reported under the package path.
type GoTestParser struct{}

type goTestEvent struct {
	Action  string `json:"Action"`
	Package string `json:"Package"`
	Test    string `json:"Test"`
}

func (p *GoTestParser) Parse(stdout string, stderr string, exitCode int) *TestRun {
	results := make(map[string]string)
	pkgFailed := make(map[string]bool)
	pkgHasFailingTest := make(map[string]bool)
	parsed := false

	sc := bufio.NewScanner(strings.NewReader(stdout))
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "{") {
			continue
		}
		var ev goTestEvent
		if err := json.Unmarshal([]byte(line), &ev); err != nil {
			continue
		}
		parsed = true
		switch ev.Action {
		case "pass", "fail", "skip":
		default:
			continue
		}
		if ev.Test == "" {
			if ev.Action == "fail" {
				pkgFailed[ev.Package] = true
			}
			continue
		}
		id := ev.Package + "." + ev.Test
		results[id] = ev.Action
		if ev.Action == "fail" {
			pkgHasFailingTest[ev.Package] = true
		}
	}

	if !parsed {
		return fallbackRun(exitCode)
	}

	run := &TestRun{Parsed: true}
	for id, action := range results {
		switch action {
		case "pass":
			run.Passing = append(run.Passing, id)
		case "fail":
			run.Failing = append(run.Failing, id)
		case "skip":
			run.Skipped = append(run.Skipped, id)
		}
	}
	for pkg := range pkgFailed {
		if !pkgHasFailingTest[pkg] {
			run.Failing = append(run.Failing, pkg)
		}
	}
	sortRun(run)
	return run
}

func sortRun(run *TestRun) {
	sort.Strings(run.Passing)
	sort.Strings(run.Failing)
	sort.Strings(run.Skipped)
}
