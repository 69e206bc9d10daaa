package gates

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/uke16/Helix-sub001/internal/phase"
)

type testsGate struct {
	cfg     phase.GateConfig
	cmd     CommandRunner
	command string
	parser  TestParser
	skips   []string
	timeout time.Duration
}

func (g *testsGate) Kind() phase.GateKind { return phase.GateTestsPass }
func (g *testsGate) Name() string         { return g.cfg.DisplayName() }

func (g *testsGate) Check(ctx context.Context, in Input) (*Result, error) {
	if g.command == "" {
		return nil, errors.New("no test command configured")
	}
	res := &Result{Passed: true}

	tctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	stdout, stderr, exitCode, err := g.cmd.Run(tctx, in.WorkDir, g.command)
	if err != nil {
		return nil, fmt.Errorf("run tests: %w", err)
	}
	if errors.Is(tctx.Err(), context.DeadlineExceeded) {
		res.fail("test command timeout after %s", g.timeout)
		return res, nil
	}

	run := settle(g.parser.Parse(stdout, stderr, exitCode), exitCode)
	if !run.Parsed {
		res.warn("could not parse test output (exit code %d)", exitCode)
	}

	cls := Classify(in.Baseline, run, g.skips)
	res.Tests = cls
	for _, id := range cls.Regressions {
		res.fail("regression: %s", id)
	}
	for _, id := range cls.NewFailures {
		res.fail("new failure: %s", id)
	}
	if len(cls.PreExisting) > 0 {
		res.warn("%d pre-existing failures", len(cls.PreExisting))
	}
	if len(cls.Fixed) > 0 {
		res.warn("%d baseline failures now pass", len(cls.Fixed))
	}
	return res, nil
}

// settle makes a non-zero exit with no failing test visible as a failure
// of the suite itself.
func settle(run *TestRun, exitCode int) *TestRun {
	if exitCode != 0 && len(run.Failing) == 0 {
		run.Failing = []string{unparsedID}
	}
	return run
}
