package phase

import "time"

// Type distinguishes agent-executed phases from pure gate phases.
type Type string

const (
	TypeAgent      Type = "agent"
	TypeChecksOnly Type = "checks_only"
)

// GateKind is the closed set of quality gate kinds a phase may declare.
type GateKind string

const (
	GateFilesExist              GateKind = "files_exist"
	GateSyntaxCheck             GateKind = "syntax_check"
	GateTestsPass               GateKind = "tests_pass"
	GateReviewApproved          GateKind = "review_approved"
	GateStructuralDocumentValid GateKind = "structural_document_valid"
)

// GateKinds lists every recognised gate kind.
var GateKinds = []GateKind{
	GateFilesExist,
	GateSyntaxCheck,
	GateTestsPass,
	GateReviewApproved,
	GateStructuralDocumentValid,
}

// IsValidGateKind reports whether k is one of GateKinds.
func IsValidGateKind(k GateKind) bool {
	for _, known := range GateKinds {
		if known == k {
			return true
		}
	}
	return false
}

// Definition is one node of the phase graph. It is never mutated after Parse.
type Definition struct {
	ID           string         `yaml:"id" json:"id"`
	Type         Type           `yaml:"type" json:"type"`
	Description  string         `yaml:"description" json:"description,omitempty"`
	DependsOn    []string       `yaml:"depends_on" json:"depends_on,omitempty"`
	Instructions string         `yaml:"instructions" json:"instructions,omitempty"`
	Profile      string         `yaml:"profile" json:"profile,omitempty"`
	Timeout      string         `yaml:"timeout" json:"timeout,omitempty"`
	Outputs      []string       `yaml:"outputs" json:"outputs,omitempty"`
	Inputs       []InputSource  `yaml:"inputs" json:"inputs,omitempty"`
	Gates        []GateConfig   `yaml:"gates" json:"gates,omitempty"`
	Retry        RetryOverrides `yaml:"retry" json:"retry,omitempty"`
	AffectsTests *bool          `yaml:"affects_tests" json:"affects_tests,omitempty"`
}

// InputSource declares that files matching Pattern in the output of phase
// From are copied into this phase's input directory.
type InputSource struct {
	From    string `yaml:"from" json:"from"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// GateConfig configures one gate. Which fields apply depends on Kind.
type GateConfig struct {
	Kind    GateKind `yaml:"kind" json:"kind"`
	Name    string   `yaml:"name" json:"name,omitempty"`
	Timeout string   `yaml:"timeout" json:"timeout,omitempty"`

	// files_exist: patterns checked instead of the phase outputs.
	Paths []string `yaml:"paths" json:"paths,omitempty"`

	// syntax_check: restrict to these extensions (".go", ".py").
	Extensions []string `yaml:"extensions" json:"extensions,omitempty"`

	// tests_pass and review_approved.
	Command        string   `yaml:"command" json:"command,omitempty"`
	Parser         string   `yaml:"parser" json:"parser,omitempty"`
	PermanentSkips []string `yaml:"permanent_skips" json:"permanent_skips,omitempty"`

	// Auto-fix: run FixCommand once and re-check when the gate fails.
	AutoFix    bool   `yaml:"auto_fix" json:"auto_fix,omitempty"`
	FixCommand string `yaml:"fix_command" json:"fix_command,omitempty"`

	// structural_document_valid.
	Document          string   `yaml:"document" json:"document,omitempty"`
	RequiredFields    []string `yaml:"required_fields" json:"required_fields,omitempty"`
	RequiredSections  []string `yaml:"required_sections" json:"required_sections,omitempty"`
	MinChecklistItems int      `yaml:"min_checklist_items" json:"min_checklist_items,omitempty"`
}

// DisplayName returns Name, falling back to the gate kind.
func (g GateConfig) DisplayName() string {
	if g.Name != "" {
		return g.Name
	}
	return string(g.Kind)
}

// TimeoutOr parses Timeout, returning def when unset or invalid.
func (g GateConfig) TimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(g.Timeout, def)
}

// RetryOverrides replaces fields of the global retry policy for one phase.
type RetryOverrides struct {
	MaxRetries *int   `yaml:"max_retries" json:"max_retries,omitempty"`
	BaseDelay  string `yaml:"base_delay" json:"base_delay,omitempty"`
	MaxDelay   string `yaml:"max_delay" json:"max_delay,omitempty"`
}

// TimeoutOr parses the phase timeout, returning def when unset or invalid.
func (d *Definition) TimeoutOr(def time.Duration) time.Duration {
	return parseDurationOr(d.Timeout, def)
}

// AffectsTestSuite reports whether running this phase can change test
// outcomes. An explicit affects_tests wins; otherwise any tests_pass gate
// makes the phase test-bearing.
func (d *Definition) AffectsTestSuite() bool {
	if d.AffectsTests != nil {
		return *d.AffectsTests
	}
	return d.HasGate(GateTestsPass)
}

// HasGate reports whether the phase declares a gate of kind k.
func (d *Definition) HasGate(k GateKind) bool {
	for _, g := range d.Gates {
		if g.Kind == k {
			return true
		}
	}
	return false
}

func parseDurationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
