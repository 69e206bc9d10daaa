package gates

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uke16/Helix-sub001/internal/phase"
)

// mockCmd records calls and returns configured results.
type mockCmd struct {
	mu      sync.Mutex
	calls   []mockCall
	results []mockResult
	callIdx int
}

type mockCall struct {
	Dir     string
	Command string
}

type mockResult struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Err      error
}

func (m *mockCmd) Run(ctx context.Context, dir string, command string) (string, string, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, mockCall{Dir: dir, Command: command})
	if m.callIdx >= len(m.results) {
		return "", "", 0, nil
	}
	r := m.results[m.callIdx]
	m.callIdx++
	return r.Stdout, r.Stderr, r.ExitCode, r.Err
}

func writeOutput(t *testing.T, dir string, files map[string]string) {
	t.Helper()
	for rel, content := range files {
		p := filepath.Join(dir, filepath.FromSlash(rel))
		require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
		require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	}
}

func TestRunner_FilesExist(t *testing.T) {
	out := t.TempDir()
	writeOutput(t, out, map[string]string{"src/main.go": "package main"})

	r := NewRunner(&mockCmd{}, Config{}, zaptest.NewLogger(t))
	def := &phase.Definition{
		ID:      "build",
		Outputs: []string{"src/*.go", "README.md"},
		Gates:   []phase.GateConfig{{Kind: phase.GateFilesExist}},
	}

	report, err := r.Run(context.Background(), def, out, RunContext{Attempt: 1})
	require.NoError(t, err)
	assert.False(t, report.Passed)
	require.Len(t, report.Results, 1)
	assert.Equal(t, []string{`no file matches "README.md"`}, report.Results[0].Errors)
	assert.Equal(t, []string{`files_exist: no file matches "README.md"`}, report.Errors())

	writeOutput(t, out, map[string]string{"README.md": "# hi"})
	report, err = r.Run(context.Background(), def, out, RunContext{Attempt: 2})
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, 2, report.Attempt)
}

func TestRunner_FilesExistUsesGatePaths(t *testing.T) {
	out := t.TempDir()
	writeOutput(t, out, map[string]string{"docs/a.md": "x"})

	r := NewRunner(&mockCmd{}, Config{}, nil)
	def := &phase.Definition{
		ID:      "docs",
		Outputs: []string{"missing/*"},
		Gates:   []phase.GateConfig{{Kind: phase.GateFilesExist, Paths: []string{"docs/**/*.md"}}},
	}
	report, err := r.Run(context.Background(), def, out, RunContext{})
	require.NoError(t, err)
	assert.True(t, report.Passed)
}

func TestRunner_SyntaxCheck(t *testing.T) {
	out := t.TempDir()
	writeOutput(t, out, map[string]string{
		"ok.go":      "package main\n\nfunc main() {}\n",
		"bad.go":     "package main\n\nfunc main() {\n",
		"ok.json":    `{"a": [1, 2]}`,
		"bad.json":   `{"a": }`,
		"ok.yaml":    "a: 1\n---\nb: [1, 2]\n",
		"bad.yml":    "a: [1, 2\n",
		"script.py":  "print('hi')\n",
		"notes.txt":  "free text",
		"sub/ok.yml": "k: v\n",
	})

	mock := &mockCmd{results: []mockResult{{Stderr: "SyntaxError: invalid syntax", ExitCode: 1}}}
	r := NewRunner(mock, Config{SyntaxCommands: map[string]string{".py": "python3 -m py_compile {file}"}}, nil)
	def := &phase.Definition{ID: "gen", Gates: []phase.GateConfig{{Kind: phase.GateSyntaxCheck}}}

	report, err := r.Run(context.Background(), def, out, RunContext{})
	require.NoError(t, err)
	assert.False(t, report.Passed)

	errs := report.Results[0].Errors
	require.Len(t, errs, 4, "%v", errs)
	assert.True(t, strings.HasPrefix(errs[0], "bad.go: "))
	assert.True(t, strings.HasPrefix(errs[1], "bad.json: "))
	assert.True(t, strings.HasPrefix(errs[2], "bad.yml: "))
	assert.Equal(t, "script.py: SyntaxError: invalid syntax", errs[3])

	require.Len(t, mock.calls, 1)
	assert.Equal(t, "python3 -m py_compile '"+filepath.Join(out, "script.py")+"'", mock.calls[0].Command)
}

func TestRunner_SyntaxCheckExtensionFilter(t *testing.T) {
	out := t.TempDir()
	writeOutput(t, out, map[string]string{"bad.json": "{", "ok.go": "package x\n"})

	r := NewRunner(&mockCmd{}, Config{}, nil)
	def := &phase.Definition{ID: "gen", Gates: []phase.GateConfig{{Kind: phase.GateSyntaxCheck, Extensions: []string{".go"}}}}
	report, err := r.Run(context.Background(), def, out, RunContext{})
	require.NoError(t, err)
	assert.True(t, report.Passed)
}

const goTestBaseline = `{"Action":"run","Package":"app/x","Test":"TestA"}
{"Action":"pass","Package":"app/x","Test":"TestA"}
{"Action":"fail","Package":"app/x","Test":"TestB"}
{"Action":"pass","Package":"app/x","Test":"TestC"}
{"Action":"fail","Package":"app/x","Test":"TestFlaky"}
{"Action":"fail","Package":"app/x"}
`

func TestRunner_TestsPassBaselineAware(t *testing.T) {
	baseline := &Baseline{
		Failing: []string{"app/x.TestB", "app/x.TestFlaky"},
		Known:   []string{"app/x.TestA", "app/x.TestB", "app/x.TestC", "app/x.TestFlaky"},
	}

	tests := []struct {
		name       string
		stdout     string
		exitCode   int
		passed     bool
		regression []string
		newFail    []string
	}{
		{
			name: "only pre-existing failures",
			stdout: `{"Action":"pass","Package":"app/x","Test":"TestA"}
{"Action":"fail","Package":"app/x","Test":"TestB"}
{"Action":"pass","Package":"app/x","Test":"TestC"}
{"Action":"fail","Package":"app/x"}`,
			exitCode:   1,
			passed:     true,
			regression: []string{},
			newFail:    []string{},
		},
		{
			name: "regression",
			stdout: `{"Action":"fail","Package":"app/x","Test":"TestA"}
{"Action":"fail","Package":"app/x","Test":"TestB"}
{"Action":"fail","Package":"app/x"}`,
			exitCode:   1,
			passed:     false,
			regression: []string{"app/x.TestA"},
			newFail:    []string{},
		},
		{
			name: "new failing test",
			stdout: `{"Action":"pass","Package":"app/x","Test":"TestA"}
{"Action":"fail","Package":"app/x","Test":"TestNew"}
{"Action":"fail","Package":"app/x"}`,
			exitCode:   1,
			passed:     false,
			regression: []string{},
			newFail:    []string{"app/x.TestNew"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mock := &mockCmd{results: []mockResult{{Stdout: tt.stdout, ExitCode: tt.exitCode}}}
			r := NewRunner(mock, Config{TestCommand: "go test -json ./...", TestParser: "gotest", PermanentSkips: []string{"app/x.TestFlaky"}}, nil)
			def := &phase.Definition{ID: "impl", Gates: []phase.GateConfig{{Kind: phase.GateTestsPass}}}

			report, err := r.Run(context.Background(), def, t.TempDir(), RunContext{WorkDir: "/repo", Baseline: baseline})
			require.NoError(t, err)
			assert.Equal(t, tt.passed, report.Passed, "%v", report.Errors())

			cls := report.Results[0].Tests
			require.NotNil(t, cls)
			assert.Equal(t, tt.regression, cls.Regressions)
			assert.Equal(t, tt.newFail, cls.NewFailures)
			assert.Equal(t, "/repo", mock.calls[0].Dir)
		})
	}
}

func TestRunner_TestsPassGateCommandOverride(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: "PASS: test_a\n", ExitCode: 0}}}
	r := NewRunner(mock, Config{TestCommand: "make test"}, nil)
	def := &phase.Definition{ID: "impl", Gates: []phase.GateConfig{{Kind: phase.GateTestsPass, Command: "pytest -q", Parser: "generic"}}}

	report, err := r.Run(context.Background(), def, t.TempDir(), RunContext{})
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.Equal(t, "pytest -q", mock.calls[0].Command)
}

func TestRunner_TestsPassUnknownParser(t *testing.T) {
	r := NewRunner(&mockCmd{}, Config{TestCommand: "make test"}, nil)
	def := &phase.Definition{ID: "impl", Gates: []phase.GateConfig{{Kind: phase.GateTestsPass, Parser: "tap"}}}

	report, err := r.Run(context.Background(), def, t.TempDir(), RunContext{})
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Contains(t, report.Results[0].Errors[0], `unknown test parser "tap"`)
}

func TestRunner_CommandErrorFailsGate(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Err: errors.New("sh: not found"), ExitCode: -1}}}
	r := NewRunner(mock, Config{TestCommand: "make test"}, nil)
	def := &phase.Definition{ID: "impl", Gates: []phase.GateConfig{{Kind: phase.GateTestsPass}}}

	report, err := r.Run(context.Background(), def, t.TempDir(), RunContext{})
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.Contains(t, report.Results[0].Errors[0], "gate error: run tests: sh: not found")
}

func TestRunner_AutoFix(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{Stdout: "FAIL: test_fmt\n", ExitCode: 1}, // check fails
		{ExitCode: 1},                             // fix command, exit code ignored
		{Stdout: "PASS: test_fmt\n", ExitCode: 0}, // re-check passes
	}}
	r := NewRunner(mock, Config{TestCommand: "make check"}, nil)
	def := &phase.Definition{ID: "fmt", Gates: []phase.GateConfig{{
		Kind:       phase.GateTestsPass,
		AutoFix:    true,
		FixCommand: "make fmt",
	}}}

	report, err := r.Run(context.Background(), def, t.TempDir(), RunContext{Baseline: &Baseline{Known: []string{"test_fmt"}}})
	require.NoError(t, err)
	assert.True(t, report.Passed)
	assert.True(t, report.Results[0].AutoFixed)
	require.Len(t, mock.calls, 3)
	assert.Equal(t, "make fmt", mock.calls[1].Command)
}

func TestRunner_AutoFixStillFailing(t *testing.T) {
	mock := &mockCmd{results: []mockResult{
		{Stdout: "FAIL: a\n", ExitCode: 1},
		{ExitCode: 0},
		{Stdout: "FAIL: a\n", ExitCode: 1},
	}}
	r := NewRunner(mock, Config{TestCommand: "make check"}, nil)
	def := &phase.Definition{ID: "fmt", Gates: []phase.GateConfig{{Kind: phase.GateTestsPass, AutoFix: true, FixCommand: "make fmt"}}}

	report, err := r.Run(context.Background(), def, t.TempDir(), RunContext{})
	require.NoError(t, err)
	assert.False(t, report.Passed)
	assert.True(t, report.Results[0].AutoFixed)
}

func TestRunner_ContinuesAfterFailure(t *testing.T) {
	out := t.TempDir()
	writeOutput(t, out, map[string]string{"a.json": "{"})
	r := NewRunner(&mockCmd{}, Config{}, nil)
	def := &phase.Definition{ID: "x", Outputs: []string{"*.json"}, Gates: []phase.GateConfig{
		{Kind: phase.GateSyntaxCheck},
		{Kind: phase.GateFilesExist, Name: "outputs"},
	}}

	report, err := r.Run(context.Background(), def, out, RunContext{})
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	assert.False(t, report.Results[0].Passed)
	assert.True(t, report.Results[1].Passed)
	assert.Equal(t, "outputs", report.Results[1].Gate)
	require.Len(t, report.Failed(), 1)

	js, err := report.JSON()
	require.NoError(t, err)
	assert.Contains(t, js, `"kind": "syntax_check"`)
}

func TestRunner_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(&mockCmd{}, Config{}, nil)
	def := &phase.Definition{ID: "x", Gates: []phase.GateConfig{{Kind: phase.GateFilesExist}}}
	_, err := r.Run(ctx, def, t.TempDir(), RunContext{})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCaptureBaseline(t *testing.T) {
	mock := &mockCmd{results: []mockResult{{Stdout: goTestBaseline, ExitCode: 1}}}
	r := NewRunner(mock, Config{
		TestCommand:    "go test -json ./...",
		TestParser:     "gotest",
		PermanentSkips: []string{"app/x.TestFlaky"},
		DefaultTimeout: time.Minute,
	}, zaptest.NewLogger(t))

	b, err := r.CaptureBaseline(context.Background(), t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, []string{"app/x.TestB"}, b.Failing)
	assert.Equal(t, []string{"app/x.TestA", "app/x.TestB", "app/x.TestC"}, b.Known)
	assert.Equal(t, "go test -json ./...", b.Command)
	assert.False(t, b.CapturedAt.IsZero())
}

func TestCaptureBaselineWithoutCommand(t *testing.T) {
	r := NewRunner(&mockCmd{}, Config{}, nil)
	_, err := r.CaptureBaseline(context.Background(), t.TempDir())
	assert.Error(t, err)
}

func TestNewCoversEveryGateKind(t *testing.T) {
	env := Env{Cmd: &mockCmd{}, Parsers: DefaultParsers(), Config: Config{TestParser: "generic"}}
	for _, k := range phase.GateKinds {
		g, err := New(phase.GateConfig{Kind: k, Document: "*.md"}, env)
		require.NoError(t, err, "kind %s", k)
		assert.Equal(t, k, g.Kind())
	}
	_, err := New(phase.GateConfig{Kind: "bogus"}, env)
	assert.Error(t, err)
}

func TestExecRunner(t *testing.T) {
	e := &ExecRunner{}
	stdout, stderr, code, err := e.Run(context.Background(), t.TempDir(), "echo out; echo err >&2; exit 4")
	require.NoError(t, err)
	assert.Equal(t, "out\n", stdout)
	assert.Equal(t, "err\n", stderr)
	assert.Equal(t, 4, code)
}
