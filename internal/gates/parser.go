package gates

// TestParser converts raw test command output into a TestRun.
type TestParser interface {
	Parse(stdout string, stderr string, exitCode int) *TestRun
}

// DefaultParsers returns the built-in parsers keyed by config name.
func DefaultParsers() map[string]TestParser {
	return map[string]TestParser{
		"gotest":  &GoTestParser{},
		"junit":   &JUnitParser{},
		"vitest":  &VitestParser{},
		"generic": &GenericParser{},
	}
}

// ParserNames lists the names accepted in configuration.
func ParserNames() []string {
	return []string{"generic", "gotest", "junit", "vitest"}
}

// unparsedID stands in for a whole suite whose output could not be parsed.
const unparsedID = "(unparsed test output)"

// fallbackRun is used when output cannot be parsed. A non-zero exit still
// has to fail the gate, so the suite itself becomes a failing test.
func fallbackRun(exitCode int) *TestRun {
	if exitCode == 0 {
		return &TestRun{}
	}
	return &TestRun{Failing: []string{unparsedID}}
}
