package gates

import (
	"fmt"
	"path"
	"sort"
	"time"
)

// Baseline is the test state of the work directory before any phase ran.
type Baseline struct {
	Failing        []string  `json:"failing"`
	Known          []string  `json:"known"`
	Commit         string    `json:"commit,omitempty"`
	Command        string    `json:"command"`
	PermanentSkips []string  `json:"permanent_skips,omitempty"`
	CapturedAt     time.Time `json:"captured_at"`
}

// TestRun is a parsed test run.
type TestRun struct {
	Passing []string `json:"passing,omitempty"`
	Failing []string `json:"failing,omitempty"`
	Skipped []string `json:"skipped,omitempty"`
	// Parsed is false when the output could not be understood.
	Parsed bool `json:"parsed"`
}

// Known returns every test id the run reported.
func (r *TestRun) Known() []string {
	set := make(map[string]bool)
	for _, list := range [][]string{r.Passing, r.Failing, r.Skipped} {
		for _, id := range list {
			set[id] = true
		}
	}
	return sortedKeys(set)
}

// TestClassification buckets post-phase failures against the baseline.
type TestClassification struct {
	Regressions []string `json:"regressions"`
	NewFailures []string `json:"new_failures"`
	PreExisting []string `json:"pre_existing"`
	Fixed       []string `json:"fixed"`
	Skipped     []string `json:"skipped,omitempty"`
	Total       int      `json:"total"`
}

// Blocking returns the number of failures that fail the gate.
func (c *TestClassification) Blocking() int {
	return len(c.Regressions) + len(c.NewFailures)
}

// Passed reports whether no regressions and no new failures were found.
func (c *TestClassification) Passed() bool {
	return c.Blocking() == 0
}

// Summary returns the bucket counts as one line.
func (c *TestClassification) Summary() string {
	return fmt.Sprintf("%d regressions, %d new failures, %d pre-existing, %d fixed, %d skipped (%d tests)",
		len(c.Regressions), len(c.NewFailures), len(c.PreExisting), len(c.Fixed), len(c.Skipped), c.Total)
}

// Classify compares a post-phase run with the baseline. Permanently
// skipped ids are removed from both sides first. A failing test is a
// regression when it existed before and passed, a new failure when it did
// not exist before, and pre-existing when it already failed. Baseline
// failures that now pass are reported as fixed. A nil baseline counts as
// an empty one.
func Classify(b *Baseline, run *TestRun, skips []string) *TestClassification {
	if b == nil {
		b = &Baseline{}
	}
	c := &TestClassification{
		Regressions: []string{},
		NewFailures: []string{},
		PreExisting: []string{},
		Fixed:       []string{},
	}

	before := toSet(removeSkipped(b.Failing, skips))
	known := toSet(removeSkipped(b.Known, skips))
	for id := range before {
		known[id] = true
	}

	now := make(map[string]bool)
	skipped := make(map[string]bool)
	for _, id := range run.Failing {
		if isSkipped(id, skips) {
			skipped[id] = true
			continue
		}
		now[id] = true
	}
	for _, id := range run.Known() {
		if isSkipped(id, skips) {
			skipped[id] = true
		} else {
			c.Total++
		}
	}

	for id := range now {
		switch {
		case before[id]:
			c.PreExisting = append(c.PreExisting, id)
		case known[id]:
			c.Regressions = append(c.Regressions, id)
		default:
			c.NewFailures = append(c.NewFailures, id)
		}
	}
	for id := range before {
		if !now[id] {
			c.Fixed = append(c.Fixed, id)
		}
	}
	c.Skipped = sortedKeys(skipped)

	sort.Strings(c.Regressions)
	sort.Strings(c.NewFailures)
	sort.Strings(c.PreExisting)
	sort.Strings(c.Fixed)
	return c
}

// isSkipped matches id against skip entries, which may be exact ids or
// path.Match patterns.
func isSkipped(id string, skips []string) bool {
	for _, s := range skips {
		if s == id {
			return true
		}
		if ok, err := path.Match(s, id); err == nil && ok {
			return true
		}
	}
	return false
}

func removeSkipped(ids, skips []string) []string {
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !isSkipped(id, skips) {
			out = append(out, id)
		}
	}
	return out
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}

func sortedKeys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
