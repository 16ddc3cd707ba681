package pipeline

import (
	"context"
	"fmt"
	"strings"

	"github.com/doctrine-review/inkwell/internal/docparse"
	"github.com/doctrine-review/inkwell/internal/faults"
)

// Section is a normalized document span: a heading (inferred when the
// source has none), its breadcrumb path, and the covered paragraphs
// with their rune bounds in the canonical plain text.
type Section struct {
	Heading    string
	Path       string // "Intro > Scope" breadcrumb
	Level      int
	Paragraphs []string
	Start      int
	End        int
}

// Text joins the section's paragraphs back into one block.
func (s Section) Text() string {
	return strings.Join(s.Paragraphs, "\n\n")
}

// runStructure normalizes the parsed tree. Pure computation, no IO.
func (p *Pipeline) runStructure(ctx context.Context, pc *Context) error {
	sections := structureTree(pc.Tree)
	if len(sections) == 0 {
		return faults.New(faults.KindFatal, "empty_document", "document has no reviewable text")
	}
	pc.Sections = sections
	pc.progress(100)
	return nil
}

// structureTree flattens a DocumentTree into reviewable sections:
// empty sections are dropped, unnamed ones get inferred headings, and
// each section carries the breadcrumb of headings above it.
func structureTree(tree *docparse.DocumentTree) []Section {
	sections := make([]Section, 0, len(tree.Sections))
	var crumbs []string // heading per level, 1-based
	unnamed := 0

	for _, src := range tree.Sections {
		paras := make([]string, 0, len(src.Paragraphs))
		for _, para := range src.Paragraphs {
			if strings.TrimSpace(para.Text) != "" {
				paras = append(paras, para.Text)
			}
		}
		if len(paras) == 0 {
			continue
		}

		level := src.Level
		if level < 1 {
			level = 1
		}
		heading := strings.TrimSpace(src.Heading)
		if heading == "" {
			if len(sections) == 0 {
				heading = "Preamble"
			} else {
				unnamed++
				heading = fmt.Sprintf("Section %d", unnamed)
			}
		}

		if level > len(crumbs) {
			for len(crumbs) < level {
				crumbs = append(crumbs, "")
			}
		} else {
			crumbs = crumbs[:level]
		}
		crumbs[level-1] = heading

		path := make([]string, 0, level)
		for _, c := range crumbs {
			if c != "" {
				path = append(path, c)
			}
		}

		sections = append(sections, Section{
			Heading:    heading,
			Path:       strings.Join(path, " > "),
			Level:      level,
			Paragraphs: paras,
			Start:      src.Start,
			End:        src.End,
		})
	}
	return sections
}
