package config

import (
	"time"

	"github.com/uke16/Helix-sub001/internal/agent"
	"github.com/uke16/Helix-sub001/internal/escalation"
	"github.com/uke16/Helix-sub001/internal/evolution"
	"github.com/uke16/Helix-sub001/internal/gates"
	"github.com/uke16/Helix-sub001/internal/logging"
	"github.com/uke16/Helix-sub001/internal/retry"
)

// Config is the top-level configuration parsed from helix.yaml.
type Config struct {
	Agent        Agent             `koanf:"agent" yaml:"agent" json:"agent"`
	Orchestrator Orchestrator      `koanf:"orchestrator" yaml:"orchestrator" json:"orchestrator"`
	Retry        Retry             `koanf:"retry" yaml:"retry" json:"retry"`
	Escalation   escalation.Config `koanf:"escalation" yaml:"escalation" json:"escalation"`
	Gates        Gates             `koanf:"gates" yaml:"gates" json:"gates"`
	Evolution    evolution.Config  `koanf:"evolution" yaml:"evolution" json:"evolution"`
	Events       Events            `koanf:"events" yaml:"events" json:"events"`
	Notify       Notify            `koanf:"notify" yaml:"notify" json:"notify"`
	Log          logging.Config    `koanf:"log" yaml:"log" json:"log"`
}

// Agent describes the external code-generation agent.
type Agent struct {
	Command         string        `koanf:"command" yaml:"command" json:"command"`
	Args            []string      `koanf:"args" yaml:"args,omitempty" json:"args,omitempty"`
	Env             []string      `koanf:"env" yaml:"env,omitempty" json:"env,omitempty"`
	Profile         string        `koanf:"profile" yaml:"profile,omitempty" json:"profile,omitempty"`
	FallbackProfile string        `koanf:"fallback_profile" yaml:"fallback_profile,omitempty" json:"fallback_profile,omitempty"`
	Timeout         time.Duration `koanf:"timeout" yaml:"timeout" json:"timeout"`
	KillGrace       time.Duration `koanf:"kill_grace" yaml:"kill_grace" json:"kill_grace"`
}

// Orchestrator holds run-wide settings.
type Orchestrator struct {
	MaxParallel int    `koanf:"max_parallel" yaml:"max_parallel" json:"max_parallel"`
	StateDir    string `koanf:"state_dir" yaml:"state_dir" json:"state_dir"`
	WorkDir     string `koanf:"workdir" yaml:"workdir,omitempty" json:"workdir,omitempty"`
	// MetricsFile, when set, receives a Prometheus text dump after each run.
	MetricsFile string `koanf:"metrics_file" yaml:"metrics_file,omitempty" json:"metrics_file,omitempty"`
}

// Retry is the global retry policy.
type Retry struct {
	MaxRetries int           `koanf:"max_retries" yaml:"max_retries" json:"max_retries"`
	BaseDelay  time.Duration `koanf:"base_delay" yaml:"base_delay" json:"base_delay"`
	MaxDelay   time.Duration `koanf:"max_delay" yaml:"max_delay" json:"max_delay"`
	Jitter     float64       `koanf:"jitter" yaml:"jitter" json:"jitter"`
}

// Gates holds project-wide gate settings.
type Gates struct {
	TestCommand    string            `koanf:"test_command" yaml:"test_command,omitempty" json:"test_command,omitempty"`
	TestParser     string            `koanf:"test_parser" yaml:"test_parser,omitempty" json:"test_parser,omitempty"`
	PermanentSkips []string          `koanf:"permanent_skips" yaml:"permanent_skips,omitempty" json:"permanent_skips,omitempty"`
	SyntaxCommands map[string]string `koanf:"syntax_commands" yaml:"syntax_commands,omitempty" json:"syntax_commands,omitempty"`
	ReviewCommand  string            `koanf:"review_command" yaml:"review_command,omitempty" json:"review_command,omitempty"`
	Timeout        time.Duration     `koanf:"timeout" yaml:"timeout" json:"timeout"`
}

// Events configures the PostgreSQL event log. An empty DSN disables it.
type Events struct {
	DSN string `koanf:"dsn" yaml:"dsn,omitempty" json:"dsn,omitempty"`
}

// Notify configures NATS notifications. An empty URL disables them.
type Notify struct {
	NATSURL       string `koanf:"nats_url" yaml:"nats_url,omitempty" json:"nats_url,omitempty"`
	SubjectPrefix string `koanf:"subject_prefix" yaml:"subject_prefix,omitempty" json:"subject_prefix,omitempty"`
}

// AgentConfig converts the agent section for agent.New.
func (c *Config) AgentConfig() agent.Config {
	return agent.Config{
		Command:        c.Agent.Command,
		Args:           append([]string(nil), c.Agent.Args...),
		Env:            append([]string(nil), c.Agent.Env...),
		DefaultTimeout: c.Agent.Timeout,
		KillGrace:      c.Agent.KillGrace,
	}
}

// GatesConfig converts the gates section for gates.NewRunner.
func (c *Config) GatesConfig() gates.Config {
	return gates.Config{
		TestCommand:    c.Gates.TestCommand,
		TestParser:     c.Gates.TestParser,
		PermanentSkips: append([]string(nil), c.Gates.PermanentSkips...),
		SyntaxCommands: c.Gates.SyntaxCommands,
		ReviewCommand:  c.Gates.ReviewCommand,
		DefaultTimeout: c.Gates.Timeout,
	}
}

// RetryPolicy converts the retry section.
func (c *Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		MaxRetries: c.Retry.MaxRetries,
		BaseDelay:  c.Retry.BaseDelay,
		MaxDelay:   c.Retry.MaxDelay,
		Jitter:     c.Retry.Jitter,
	}
}

// EscalationConfig returns the escalation section. The agent's fallback
// profile is used when escalation does not name its own.
func (c *Config) EscalationConfig() escalation.Config {
	ec := c.Escalation
	ec.Strategies = append([]escalation.Strategy(nil), c.Escalation.Strategies...)
	if ec.FallbackProfile == "" {
		ec.FallbackProfile = c.Agent.FallbackProfile
	}
	ec.ApplyDefaults()
	return ec
}
