package gates

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/uke16/Helix-sub001/internal/phase"
)

// Input is what a gate inspects.
type Input struct {
	Phase     *phase.Definition
	OutputDir string
	WorkDir   string
	Baseline  *Baseline
}

// Result is the outcome of a single gate.
type Result struct {
	Gate      string              `json:"gate"`
	Kind      phase.GateKind      `json:"kind"`
	Passed    bool                `json:"passed"`
	Errors    []string            `json:"errors,omitempty"`
	Warnings  []string            `json:"warnings,omitempty"`
	Tests     *TestClassification `json:"tests,omitempty"`
	AutoFixed bool                `json:"auto_fixed,omitempty"`
	Duration  time.Duration       `json:"duration"`
}

func (r *Result) fail(format string, args ...any) {
	r.Passed = false
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Gate checks one property of a phase's output.
type Gate interface {
	Kind() phase.GateKind
	Name() string
	Check(ctx context.Context, in Input) (*Result, error)
}

// Env carries the collaborators gates need.
type Env struct {
	Cmd      CommandRunner
	Config   Config
	Reviewer Reviewer
	Parsers  map[string]TestParser
}

// New builds the gate for gc. Every phase.GateKind has exactly one case.
func New(gc phase.GateConfig, env Env) (Gate, error) {
	switch gc.Kind {
	case phase.GateFilesExist:
		return &filesExistGate{cfg: gc}, nil
	case phase.GateSyntaxCheck:
		return &syntaxGate{cfg: gc, cmd: env.Cmd, commands: env.Config.SyntaxCommands}, nil
	case phase.GateTestsPass:
		command := gc.Command
		if command == "" {
			command = env.Config.TestCommand
		}
		parserName := gc.Parser
		if parserName == "" {
			parserName = env.Config.TestParser
		}
		parser, ok := env.Parsers[parserName]
		if !ok {
			return nil, fmt.Errorf("gate %q: unknown test parser %q", gc.DisplayName(), parserName)
		}
		return &testsGate{
			cfg:     gc,
			cmd:     env.Cmd,
			command: command,
			parser:  parser,
			skips:   append(append([]string(nil), env.Config.PermanentSkips...), gc.PermanentSkips...),
			timeout: gc.TimeoutOr(env.Config.DefaultTimeout),
		}, nil
	case phase.GateReviewApproved:
		reviewer := env.Reviewer
		if gc.Command != "" {
			reviewer = &CommandReviewer{Cmd: env.Cmd, Command: gc.Command}
		}
		return &reviewGate{cfg: gc, reviewer: reviewer}, nil
	case phase.GateStructuralDocumentValid:
		return &documentGate{cfg: gc}, nil
	default:
		return nil, fmt.Errorf("unknown gate kind %q", gc.Kind)
	}
}

// Report aggregates the gate results of one phase attempt.
type Report struct {
	Phase     string        `json:"phase"`
	Attempt   int           `json:"attempt"`
	Passed    bool          `json:"passed"`
	Results   []*Result     `json:"results"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
}

// Errors returns every gate error prefixed with its gate name.
func (r *Report) Errors() []string {
	var out []string
	for _, res := range r.Results {
		for _, e := range res.Errors {
			out = append(out, fmt.Sprintf("%s: %s", res.Gate, e))
		}
	}
	return out
}

// Failed returns the results that did not pass.
func (r *Report) Failed() []*Result {
	var out []*Result
	for _, res := range r.Results {
		if !res.Passed {
			out = append(out, res)
		}
	}
	return out
}

// JSON returns the report as indented JSON.
func (r *Report) JSON() (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
