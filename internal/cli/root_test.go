package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/uke16/Helix-sub001/internal/status"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

// isolate points the CLI at a config file under a temp dir and returns the
// state dir it uses.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	state := filepath.Join(dir, "state")
	cfg := "agent:\n  command: /bin/true\norchestrator:\n  state_dir: " + state + "\nevolution:\n  state_dir: " + filepath.Join(dir, "evo") + "\nlog:\n  level: error\n"
	path := filepath.Join(dir, "helix.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0644); err != nil {
		t.Fatal(err)
	}
	configFile = path
	t.Cleanup(func() { configFile = "" })
	return state
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(out, "test-version") {
		t.Errorf("expected version output to contain 'test-version', got: %s", out)
	}
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	expectedSubcommands := []string{
		"run", "resume", "status", "list", "history", "phases",
		"signal", "evolution", "config", "db", "version",
	}
	for _, sub := range expectedSubcommands {
		if !strings.Contains(out, sub) {
			t.Errorf("help output missing subcommand %q", sub)
		}
	}
}

func TestEvolutionSubcommands(t *testing.T) {
	subcmds := []string{"create", "develop", "ready", "deploy", "validate", "integrate", "rollback", "release", "status"}
	for _, sub := range subcmds {
		out, err := executeCommand("evolution", sub, "--help")
		if err != nil {
			t.Errorf("evolution %s --help failed: %v", sub, err)
		}
		if out == "" {
			t.Errorf("evolution %s --help produced no output", sub)
		}
	}
}

func TestPhasesValidate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phases.yaml")
	content := `
phases:
  - id: design
    outputs: ["ADR.md"]
    gates:
      - kind: files_exist
  - id: build
    depends_on: [design]
    gates:
      - kind: tests_pass
        command: go test ./...
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("phases", "validate", path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for _, want := range []string{"2 phases, 2 levels", "design", "build", "test baseline"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestPhasesValidateRejectsCycle(t *testing.T) {
	path := filepath.Join(t.TempDir(), "phases.yaml")
	content := `
phases:
  - id: a
    depends_on: [b]
  - id: b
    depends_on: [a]
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := executeCommand("phases", "validate", path); err == nil {
		t.Error("expected error for cyclic phase file")
	}
}

func TestStatusCommands(t *testing.T) {
	state := isolate(t)
	tracker := status.NewTracker(state, nil)
	p := &status.ProjectStatus{ID: "demo", PhaseOrder: []string{"design"}}
	p.Phase("design").Status = status.PhaseCompleted
	if err := tracker.Create(p); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("list")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "demo") || !strings.Contains(out, "1/1") {
		t.Errorf("list output = %q", out)
	}

	out, err = executeCommand("status", "demo", "--format", "json")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var got status.ProjectStatus
	if err := json.Unmarshal([]byte(out), &got); err != nil {
		t.Fatalf("status json: %v\n%s", err, out)
	}
	if got.ID != "demo" || got.Phases["design"].Status != status.PhaseCompleted {
		t.Errorf("status = %+v", got)
	}
}

func TestSignalResumeWritesSignalFile(t *testing.T) {
	state := isolate(t)
	tracker := status.NewTracker(state, nil)
	p := &status.ProjectStatus{ID: "demo", PhaseOrder: []string{"build"}}
	p.Phase("build").Status = status.PhasePausedForHuman
	if err := tracker.Create(p); err != nil {
		t.Fatal(err)
	}

	out, err := executeCommand("signal", "resume", "demo", "build", "--action", "skip")
	if err != nil {
		t.Fatalf("signal: %v", err)
	}
	if !strings.Contains(out, "Sent skip") {
		t.Errorf("output = %q", out)
	}
	data, err := os.ReadFile(filepath.Join(state, "demo", "signals", "build.resume"))
	if err != nil {
		t.Fatal(err)
	}
	if strings.TrimSpace(string(data)) != "skip" {
		t.Errorf("signal file = %q", data)
	}

	if _, err := executeCommand("signal", "resume", "demo", "build", "--action", "later"); err == nil {
		t.Error("expected error for unknown action")
	}
}

func TestConfigValidate(t *testing.T) {
	isolate(t)
	out, err := executeCommand("config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v\n%s", err, out)
	}
	if !strings.Contains(out, "Configuration is valid") {
		t.Errorf("output = %q", out)
	}
}

func TestUnknownCommand(t *testing.T) {
	_, err := executeCommand("nonexistent")
	if err == nil {
		t.Error("expected error for unknown command")
	}
}
