package gates

import (
	"context"

	"github.com/uke16/Helix-sub001/internal/dataflow"
	"github.com/uke16/Helix-sub001/internal/phase"
)

type filesExistGate struct {
	cfg phase.GateConfig
}

func (g *filesExistGate) Kind() phase.GateKind { return phase.GateFilesExist }
func (g *filesExistGate) Name() string         { return g.cfg.DisplayName() }

// Check requires every pattern to match at least one file in the output dir.
func (g *filesExistGate) Check(ctx context.Context, in Input) (*Result, error) {
	patterns := g.cfg.Paths
	if len(patterns) == 0 {
		patterns = in.Phase.Outputs
	}
	res := &Result{Passed: true}
	if len(patterns) == 0 {
		res.warn("no output patterns declared")
		return res, nil
	}
	for _, p := range patterns {
		matches, err := dataflow.Glob(in.OutputDir, p)
		if err != nil {
			res.fail("pattern %q: %v", p, err)
			continue
		}
		if len(matches) == 0 {
			res.fail("no file matches %q", p)
		}
	}
	return res, nil
}
