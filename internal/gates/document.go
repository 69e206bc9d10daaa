package gates

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/uke16/Helix-sub001/internal/dataflow"
	"github.com/uke16/Helix-sub001/internal/phase"
)

var checklistItem = regexp.MustCompile(`^\s*[-*]\s+\[[ xX]\]\s+\S`)

// DecisionRecord is the parsed structure of a Markdown decision record
// with YAML front matter.
type DecisionRecord struct {
	Fields    map[string]any
	Sections  map[string]string
	Checklist int
}

// ParseDecisionRecord splits src into front matter, `##` sections and
// checklist items.
func ParseDecisionRecord(src string) (*DecisionRecord, error) {
	rec := &DecisionRecord{Fields: map[string]any{}, Sections: map[string]string{}}
	body := strings.ReplaceAll(src, "\r\n", "\n")

	if strings.HasPrefix(body, "---\n") {
		end := strings.Index(body[4:], "\n---")
		if end < 0 {
			return nil, fmt.Errorf("unterminated front matter")
		}
		front := body[4 : 4+end]
		if err := yaml.Unmarshal([]byte(front), &rec.Fields); err != nil {
			return nil, fmt.Errorf("front matter: %w", err)
		}
		body = body[4+end+len("\n---"):]
		if nl := strings.Index(body, "\n"); nl >= 0 {
			body = body[nl+1:]
		} else {
			body = ""
		}
	}

	var current string
	var content strings.Builder
	flush := func() {
		if current != "" {
			rec.Sections[current] = strings.TrimSpace(content.String())
		}
		content.Reset()
	}
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "## "):
			flush()
			current = strings.TrimSpace(strings.TrimPrefix(line, "## "))
			continue
		case strings.HasPrefix(line, "# "):
			flush()
			current = ""
			continue
		}
		if checklistItem.MatchString(line) {
			rec.Checklist++
		}
		if current != "" {
			content.WriteString(line)
			content.WriteByte('\n')
		}
	}
	flush()
	return rec, nil
}

type documentGate struct {
	cfg phase.GateConfig
}

func (g *documentGate) Kind() phase.GateKind { return phase.GateStructuralDocumentValid }
func (g *documentGate) Name() string         { return g.cfg.DisplayName() }

// Check validates every output document matching the configured pattern.
func (g *documentGate) Check(ctx context.Context, in Input) (*Result, error) {
	res := &Result{Passed: true}
	docs, err := dataflow.Glob(in.OutputDir, g.cfg.Document)
	if err != nil {
		return nil, err
	}
	if len(docs) == 0 {
		res.fail("no document matches %q", g.cfg.Document)
		return res, nil
	}
	for _, rel := range docs {
		src, err := os.ReadFile(filepath.Join(in.OutputDir, filepath.FromSlash(rel)))
		if err != nil {
			return nil, err
		}
		rec, err := ParseDecisionRecord(string(src))
		if err != nil {
			res.fail("%s: %v", rel, err)
			continue
		}
		for _, f := range g.cfg.RequiredFields {
			v, ok := rec.Fields[f]
			if !ok || v == nil || fmt.Sprint(v) == "" {
				res.fail("%s: missing metadata field %q", rel, f)
			}
		}
		for _, s := range g.cfg.RequiredSections {
			body, ok := rec.Sections[s]
			switch {
			case !ok:
				res.fail("%s: missing section %q", rel, s)
			case body == "":
				res.fail("%s: section %q is empty", rel, s)
			}
		}
		if rec.Checklist < g.cfg.MinChecklistItems {
			res.fail("%s: %d checklist items, want at least %d", rel, rec.Checklist, g.cfg.MinChecklistItems)
		}
	}
	return res, nil
}
