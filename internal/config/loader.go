package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/rawbytes"
	"github.com/knadh/koanf/v2"

	"github.com/uke16/Helix-sub001/internal/escalation"
	"github.com/uke16/Helix-sub001/internal/evolution"
	"github.com/uke16/Helix-sub001/internal/logging"
	"github.com/uke16/Helix-sub001/internal/notify"
	"github.com/uke16/Helix-sub001/internal/retry"
)

// EnvPrefix marks environment variables that override the config file.
// Nested keys are separated by a double underscore:
//
//	HELIX_ORCHESTRATOR__MAX_PARALLEL=8 -> orchestrator.max_parallel
//	HELIX_EVOLUTION__ENVIRONMENTS__STAGING__TEST_DIR -> evolution.environments.staging.test_dir
const EnvPrefix = "HELIX_"

// Default returns the configuration used when no file sets a value.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	base := filepath.Join(home, ".helix")
	p := retry.DefaultPolicy()
	return &Config{
		Agent: Agent{
			Timeout:   30 * time.Minute,
			KillGrace: 10 * time.Second,
		},
		Orchestrator: Orchestrator{
			MaxParallel: 4,
			StateDir:    filepath.Join(base, "state"),
		},
		Retry: Retry{
			MaxRetries: p.MaxRetries,
			BaseDelay:  p.BaseDelay,
			MaxDelay:   p.MaxDelay,
			Jitter:     p.Jitter,
		},
		Escalation: escalation.DefaultConfig(),
		Gates: Gates{
			TestParser: "generic",
			Timeout:    10 * time.Minute,
		},
		Evolution: evolution.Config{
			StateDir: filepath.Join(base, "evolution"),
		},
		Notify: Notify{SubjectPrefix: notify.DefaultSubjectPrefix},
		Log:    logging.DefaultConfig(),
	}
}

// Load reads the YAML file at path, applies HELIX_ environment overrides
// and returns the result layered over Default. An empty path loads only
// defaults and environment.
func Load(path string) (*Config, error) {
	var data []byte
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		data = b
	}
	return parse(data)
}

// LoadDefault searches for a config in standard locations and loads the
// first one found. Search order: ./helix.yaml, ~/.helix/config.yaml. When
// none exists the defaults are used. The returned path is empty in that
// case.
func LoadDefault() (*Config, string, error) {
	for _, path := range Candidates() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := Load(path)
			return cfg, path, err
		}
	}
	cfg, err := Load("")
	return cfg, "", err
}

// Candidates lists the paths LoadDefault searches.
func Candidates() []string {
	candidates := []string{"helix.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".helix", "config.yaml"))
	}
	return candidates
}

func parse(data []byte) (*Config, error) {
	k := koanf.New(".")
	if len(data) > 0 {
		if err := k.Load(rawbytes.Provider(data), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("parsing config YAML: %w", err)
		}
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("decoding config: %w", err)
	}
	return cfg, nil
}

// envKey maps HELIX_A__B_C to a.b_c. Variables without a section
// separator, such as the HELIX_PHASE_ID handed to agents, are ignored.
func envKey(s string) string {
	key := strings.TrimPrefix(s, EnvPrefix)
	if !strings.Contains(key, "__") {
		return ""
	}
	return strings.ReplaceAll(strings.ToLower(key), "__", ".")
}
