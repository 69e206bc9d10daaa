package gates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/uke16/Helix-sub001/internal/phase"
)

// ReviewRequest describes what is to be reviewed.
type ReviewRequest struct {
	Phase     string
	OutputDir string
	WorkDir   string
}

// Review is a reviewer's verdict.
type Review struct {
	Approved bool     `json:"approved"`
	Comments []string `json:"comments"`
}

// Reviewer approves or rejects a phase's output.
type Reviewer interface {
	Review(ctx context.Context, req ReviewRequest) (*Review, error)
}

// CommandReviewer runs a shell command that prints a Review as JSON.
// {output_dir}, {workdir} and {phase} in Command are substituted.
type CommandReviewer struct {
	Cmd     CommandRunner
	Command string
}

func (c *CommandReviewer) Review(ctx context.Context, req ReviewRequest) (*Review, error) {
	command := strings.NewReplacer(
		"{output_dir}", shellQuote(req.OutputDir),
		"{workdir}", shellQuote(req.WorkDir),
		"{phase}", shellQuote(req.Phase),
	).Replace(c.Command)

	stdout, stderr, exitCode, err := c.Cmd.Run(ctx, req.WorkDir, command)
	if err != nil {
		return nil, fmt.Errorf("run reviewer: %w", err)
	}
	var rv Review
	if err := json.Unmarshal([]byte(strings.TrimSpace(stdout)), &rv); err != nil {
		return nil, fmt.Errorf("reviewer output (exit code %d, stderr %q): %w", exitCode, lastLines(stderr, 3), err)
	}
	return &rv, nil
}

type reviewGate struct {
	cfg      phase.GateConfig
	reviewer Reviewer
}

func (g *reviewGate) Kind() phase.GateKind { return phase.GateReviewApproved }
func (g *reviewGate) Name() string         { return g.cfg.DisplayName() }

// Check passes when the reviewer approves. Comments on an approval are
// warnings; comments on a rejection are errors.
func (g *reviewGate) Check(ctx context.Context, in Input) (*Result, error) {
	if g.reviewer == nil {
		return nil, errors.New("no reviewer configured")
	}
	rv, err := g.reviewer.Review(ctx, ReviewRequest{Phase: in.Phase.ID, OutputDir: in.OutputDir, WorkDir: in.WorkDir})
	if err != nil {
		return nil, err
	}
	res := &Result{Passed: true}
	if rv.Approved {
		res.Warnings = append(res.Warnings, rv.Comments...)
		return res, nil
	}
	if len(rv.Comments) == 0 {
		res.fail("review rejected")
	}
	for _, c := range rv.Comments {
		res.fail("%s", c)
	}
	return res, nil
}
