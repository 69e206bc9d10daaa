package gates

import (
	"encoding/json"
	"strings"
)

// VitestParser parses vitest/jest JSON reporter output. Test ids are
// "<file> > <full name>".
type VitestParser struct{}

type vitestOutput struct {
	NumTotalTests int                 `json:"numTotalTests"`
	TestResults   []vitestSuiteResult `json:"testResults"`
}

type vitestSuiteResult struct {
	Name             string                  `json:"name"`
	Status           string                  `json:"status"`
	AssertionResults []vitestAssertionResult `json:"assertionResults"`
}

type vitestAssertionResult struct {
	FullName string `json:"fullName"`
	Status   string `json:"status"`
}

func (p *VitestParser) Parse(stdout string, stderr string, exitCode int) *TestRun {
	start := strings.Index(stdout, "{")
	if start < 0 {
		return fallbackRun(exitCode)
	}
	var raw vitestOutput
	if err := json.Unmarshal([]byte(stdout[start:]), &raw); err != nil {
		return fallbackRun(exitCode)
	}

	run := &TestRun{Parsed: true}
	for _, suite := range raw.TestResults {
		if len(suite.AssertionResults) == 0 && suite.Status == "failed" {
			// Suite failed to load.
			run.Failing = append(run.Failing, suite.Name)
			continue
		}
		for _, a := range suite.AssertionResults {
			id := suite.Name + " > " + a.FullName
			switch a.Status {
			case "passed":
				run.Passing = append(run.Passing, id)
			case "failed":
				run.Failing = append(run.Failing, id)
			default:
				run.Skipped = append(run.Skipped, id)
			}
		}
	}
	sortRun(run)
	return run
}
