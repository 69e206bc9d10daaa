package gates

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/uke16/Helix-sub001/internal/dataflow"
	"github.com/uke16/Helix-sub001/internal/phase"
)

type syntaxGate struct {
	cfg      phase.GateConfig
	cmd      CommandRunner
	commands map[string]string
}

func (g *syntaxGate) Kind() phase.GateKind { return phase.GateSyntaxCheck }
func (g *syntaxGate) Name() string         { return g.cfg.DisplayName() }

// Check parses every output file with a known extension without running it.
func (g *syntaxGate) Check(ctx context.Context, in Input) (*Result, error) {
	files, err := g.files(in)
	if err != nil {
		return nil, err
	}
	res := &Result{Passed: true}
	checked := 0
	for _, rel := range files {
		ext := strings.ToLower(filepath.Ext(rel))
		if !g.wants(ext) {
			continue
		}
		path := filepath.Join(in.OutputDir, filepath.FromSlash(rel))
		ok, msg, err := g.checkFile(ctx, path, ext, in.OutputDir)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		checked++
		if msg != "" {
			res.fail("%s: %s", rel, msg)
		}
	}
	if checked == 0 {
		res.warn("no files with a checkable extension")
	}
	return res, nil
}

func (g *syntaxGate) files(in Input) ([]string, error) {
	patterns := in.Phase.Outputs
	if len(patterns) == 0 {
		patterns = []string{"**"}
	}
	seen := make(map[string]bool)
	var out []string
	for _, p := range patterns {
		matches, err := dataflow.Glob(in.OutputDir, p)
		if err != nil {
			return nil, err
		}
		for _, m := range matches {
			if !seen[m] {
				seen[m] = true
				out = append(out, m)
			}
		}
	}
	return out, nil
}

func (g *syntaxGate) wants(ext string) bool {
	if len(g.cfg.Extensions) == 0 {
		return true
	}
	for _, e := range g.cfg.Extensions {
		if strings.EqualFold(e, ext) {
			return true
		}
	}
	return false
}

// checkFile returns handled=false when no checker exists for ext, and a
// non-empty message when the file is malformed.
func (g *syntaxGate) checkFile(ctx context.Context, path, ext, dir string) (handled bool, msg string, err error) {
	switch ext {
	case ".go":
		src, err := os.ReadFile(path)
		if err != nil {
			return true, "", err
		}
		if _, perr := parser.ParseFile(token.NewFileSet(), filepath.Base(path), src, parser.AllErrors); perr != nil {
			return true, perr.Error(), nil
		}
		return true, "", nil
	case ".json":
		src, err := os.ReadFile(path)
		if err != nil {
			return true, "", err
		}
		var v any
		if jerr := json.Unmarshal(src, &v); jerr != nil {
			return true, jerr.Error(), nil
		}
		return true, "", nil
	case ".yaml", ".yml":
		src, err := os.ReadFile(path)
		if err != nil {
			return true, "", err
		}
		return true, yamlError(src), nil
	}

	tmpl, ok := g.commands[ext]
	if !ok || g.cmd == nil {
		return false, "", nil
	}
	command := strings.ReplaceAll(tmpl, "{file}", shellQuote(path))
	stdout, stderr, exitCode, err := g.cmd.Run(ctx, dir, command)
	if err != nil {
		return true, "", fmt.Errorf("syntax command for %s: %w", ext, err)
	}
	if exitCode != 0 {
		out := strings.TrimSpace(stderr)
		if out == "" {
			out = strings.TrimSpace(stdout)
		}
		if out == "" {
			out = fmt.Sprintf("exit code %d", exitCode)
		}
		return true, lastLines(out, 5), nil
	}
	return true, "", nil
}

// yamlError decodes every document in src and returns the first error.
func yamlError(src []byte) string {
	dec := yaml.NewDecoder(bytes.NewReader(src))
	for {
		var node yaml.Node
		err := dec.Decode(&node)
		if errors.Is(err, io.EOF) {
			return ""
		}
		if err != nil {
			return err.Error()
		}
	}
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
