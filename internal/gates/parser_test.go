package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGoTestParser(t *testing.T) {
	out := `{"Action":"start","Package":"app/a"}
{"Action":"run","Package":"app/a","Test":"TestOne"}
{"Action":"output","Package":"app/a","Test":"TestOne","Output":"--- PASS\n"}
{"Action":"pass","Package":"app/a","Test":"TestOne"}
{"Action":"skip","Package":"app/a","Test":"TestSkip"}
{"Action":"pass","Package":"app/a"}
{"Action":"output","Package":"app/b","Output":"build failed\n"}
{"Action":"fail","Package":"app/b"}
not json at all
`
	run := (&GoTestParser{}).Parse(out, "", 1)
	assert.True(t, run.Parsed)
	assert.Equal(t, []string{"app/a.TestOne"}, run.Passing)
	assert.Equal(t, []string{"app/b"}, run.Failing)
	assert.Equal(t, []string{"app/a.TestSkip"}, run.Skipped)
	assert.Equal(t, []string{"app/a.TestOne", "app/a.TestSkip", "app/b"}, run.Known())
}

func TestGoTestParserUnparseable(t *testing.T) {
	run := (&GoTestParser{}).Parse("panic: boom", "", 2)
	assert.False(t, run.Parsed)
	assert.Equal(t, []string{unparsedID}, run.Failing)

	run = (&GoTestParser{}).Parse("", "", 0)
	assert.Empty(t, run.Failing)
}

func TestJUnitParser(t *testing.T) {
	out := `<?xml version="1.0" encoding="utf-8"?>
<testsuites>
  <testsuite name="pytest" tests="4">
    <testcase classname="tests.test_api" name="test_ok" time="0.1"/>
    <testcase classname="tests.test_api" name="test_bad"><failure message="assert 1 == 2"/></testcase>
    <testcase classname="tests.test_api" name="test_err"><error message="ImportError"/></testcase>
    <testcase classname="tests.test_api" name="test_skip"><skipped/></testcase>
  </testsuite>
</testsuites>`
	run := (&JUnitParser{}).Parse(out, "", 1)
	assert.True(t, run.Parsed)
	assert.Equal(t, []string{"tests.test_api.test_ok"}, run.Passing)
	assert.Equal(t, []string{"tests.test_api.test_bad", "tests.test_api.test_err"}, run.Failing)
	assert.Equal(t, []string{"tests.test_api.test_skip"}, run.Skipped)
}

func TestJUnitParserGarbage(t *testing.T) {
	run := (&JUnitParser{}).Parse("no xml here", "", 1)
	assert.False(t, run.Parsed)
	assert.Equal(t, []string{unparsedID}, run.Failing)
}

func TestVitestParser(t *testing.T) {
	out := `{"numTotalTests":3,"testResults":[
  {"name":"src/a.test.ts","status":"failed","assertionResults":[
    {"fullName":"a adds","status":"passed"},
    {"fullName":"a subtracts","status":"failed"},
    {"fullName":"a todo","status":"pending"}]},
  {"name":"src/broken.test.ts","status":"failed","assertionResults":[]}
]}`
	run := (&VitestParser{}).Parse(out, "", 1)
	assert.True(t, run.Parsed)
	assert.Equal(t, []string{"src/a.test.ts > a adds"}, run.Passing)
	assert.Equal(t, []string{"src/a.test.ts > a subtracts", "src/broken.test.ts"}, run.Failing)
	assert.Equal(t, []string{"src/a.test.ts > a todo"}, run.Skipped)
}

func TestGenericParser(t *testing.T) {
	out := `running tests
PASS: test_login
FAIL: test_logout
--- FAIL: TestGo (0.00s)
tests/test_x.py::test_a PASSED
tests/test_x.py::test_b FAILED
SKIP test_later
Error: this is just a log line
`
	run := (&GenericParser{}).Parse(out, "", 1)
	assert.True(t, run.Parsed)
	assert.Equal(t, []string{"test_login", "tests/test_x.py::test_a"}, run.Passing)
	assert.Equal(t, []string{"TestGo", "test_logout", "tests/test_x.py::test_b"}, run.Failing)
	assert.Equal(t, []string{"test_later"}, run.Skipped)
}

func TestGenericParserLastVerdictWins(t *testing.T) {
	run := (&GenericParser{}).Parse("FAIL: a\nPASS: a\n", "", 0)
	assert.Equal(t, []string{"a"}, run.Passing)
	assert.Empty(t, run.Failing)
}

func TestSettleAddsSuiteFailure(t *testing.T) {
	run := settle(&TestRun{Passing: []string{"a"}, Parsed: true}, 2)
	assert.Equal(t, []string{unparsedID}, run.Failing)

	run = settle(&TestRun{Passing: []string{"a"}, Parsed: true}, 0)
	assert.Empty(t, run.Failing)
}
