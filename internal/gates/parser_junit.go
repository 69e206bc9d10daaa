package gates

import (
	"strings"

	"github.com/beevik/etree"
)

// JUnitParser parses JUnit XML reports (pytest --junitxml, surefire,
// gotestsum). Test ids are "<classname>.<name>".
type JUnitParser struct{}

func (p *JUnitParser) Parse(stdout string, stderr string, exitCode int) *TestRun {
	start := strings.Index(stdout, "<")
	if start < 0 {
		return fallbackRun(exitCode)
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromString(stdout[start:]); err != nil {
		return fallbackRun(exitCode)
	}
	cases := doc.FindElements("//testcase")
	if len(cases) == 0 {
		return fallbackRun(exitCode)
	}

	run := &TestRun{Parsed: true}
	for _, tc := range cases {
		id := tc.SelectAttrValue("name", "")
		if class := tc.SelectAttrValue("classname", ""); class != "" {
			id = class + "." + id
		}
		switch {
		case tc.SelectElement("failure") != nil, tc.SelectElement("error") != nil:
			run.Failing = append(run.Failing, id)
		case tc.SelectElement("skipped") != nil:
			run.Skipped = append(run.Skipped, id)
		default:
			run.Passing = append(run.Passing, id)
		}
	}
	sortRun(run)
	return run
}
