package config

import (
	"fmt"
	"path/filepath"
	"sort"

	"go.uber.org/zap/zapcore"

	"github.com/uke16/Helix-sub001/internal/evolution"
	"github.com/uke16/Helix-sub001/internal/gates"
)

// ValidationError represents a single validation issue with a config.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks a Config for structural and semantic errors.
// It returns a slice of all validation errors found (empty if valid).
func Validate(cfg *Config) []ValidationError {
	var errs []ValidationError
	add := func(field, format string, args ...any) {
		errs = append(errs, ValidationError{Field: field, Message: fmt.Sprintf(format, args...)})
	}

	if cfg.Agent.Command == "" {
		add("agent.command", "is required")
	}
	if cfg.Agent.Timeout < 0 {
		add("agent.timeout", "must not be negative")
	}

	if cfg.Orchestrator.MaxParallel < 1 {
		add("orchestrator.max_parallel", "must be at least 1")
	}
	if cfg.Orchestrator.StateDir == "" {
		add("orchestrator.state_dir", "is required")
	}

	if cfg.Retry.BaseDelay < 0 {
		add("retry.base_delay", "must not be negative")
	}
	if cfg.Retry.MaxDelay > 0 && cfg.Retry.MaxDelay < cfg.Retry.BaseDelay {
		add("retry.max_delay", "must not be less than base_delay")
	}
	if cfg.Retry.Jitter < 0 || cfg.Retry.Jitter > 1 {
		add("retry.jitter", "must be between 0 and 1")
	}

	if err := cfg.Escalation.ValidateStrategies(); err != nil {
		add("escalation.strategies", "%v", err)
	}
	if cfg.Escalation.HumanTimeout < 0 {
		add("escalation.human_timeout", "must not be negative")
	}

	if p := cfg.Gates.TestParser; p != "" && !recognizedParser(p) {
		add("gates.test_parser", "unrecognized parser %q", p)
	}

	validateEvolution(cfg.Evolution, add)

	if cfg.Notify.NATSURL != "" && cfg.Notify.SubjectPrefix == "" {
		add("notify.subject_prefix", "is required when nats_url is set")
	}

	if cfg.Log.Level != "" {
		if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
			add("log.level", "unrecognized level %q", cfg.Log.Level)
		}
	}
	switch cfg.Log.Format {
	case "", "console", "json":
	default:
		add("log.format", "must be console or json, got %q", cfg.Log.Format)
	}
	return errs
}

func recognizedParser(name string) bool {
	for _, p := range gates.ParserNames() {
		if p == name {
			return true
		}
	}
	return false
}

func validateEvolution(ec evolution.Config, add func(field, format string, args ...any)) {
	if len(ec.Environments) > 0 && ec.StateDir == "" {
		add("evolution.state_dir", "is required when environments are configured")
	}

	names := make([]string, 0, len(ec.Environments))
	for name := range ec.Environments {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		env := ec.Environments[name]
		prefix := "evolution.environments." + name
		if env.TestDir == "" {
			add(prefix+".test_dir", "is required")
		}
		if env.ProdDir == "" {
			add(prefix+".prod_dir", "is required")
		}
		if env.TestDir != "" && filepath.Clean(env.TestDir) == filepath.Clean(env.ProdDir) {
			add(prefix+".test_dir", "must differ from prod_dir")
		}
		validateService(prefix+".test_service", env.TestService, add)
		validateService(prefix+".prod_service", env.ProdService, add)
		if env.Timeout < 0 {
			add(prefix+".timeout", "must not be negative")
		}
	}
}

func validateService(field string, sc evolution.ServiceConfig, add func(field, format string, args ...any)) {
	switch sc.Kind {
	case "", evolution.ServiceNone:
	case evolution.ServiceCommand:
		if sc.Command == "" {
			add(field+".command", "is required for command services")
		}
	case evolution.ServiceDocker:
		if sc.Container == "" {
			add(field+".container", "is required for docker services")
		}
	default:
		add(field+".kind", "unrecognized service kind %q", sc.Kind)
	}
}
