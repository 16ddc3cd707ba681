package docparse

import (
	"context"
	"fmt"
	"io"
	"strings"
)

// textParser splits plain text into paragraphs on blank lines, all
// under one unnamed section.
type textParser struct{}

func (textParser) Parse(ctx context.Context, r io.Reader) (*DocumentTree, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read text: %w", err)
	}
	var a assembler
	a.startSection("", 0)
	for _, block := range splitBlocks(string(data)) {
		a.addParagraph(block)
	}
	return a.tree(), nil
}

// markdownParser treats ATX headings as section boundaries. Everything
// before the first heading lands in an unnamed preamble section.
type markdownParser struct{}

func (markdownParser) Parse(ctx context.Context, r io.Reader) (*DocumentTree, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read markdown: %w", err)
	}

	var a assembler
	var title string
	var para []string
	flushPara := func() {
		if len(para) > 0 {
			a.addParagraph(strings.Join(para, "\n"))
			para = nil
		}
	}

	for _, line := range strings.Split(normalize(string(data)), "\n") {
		if heading, level, ok := atxHeading(line); ok {
			flushPara()
			a.startSection(heading, level)
			if title == "" && level == 1 {
				title = heading
			}
			continue
		}
		if strings.TrimSpace(line) == "" {
			flushPara()
			continue
		}
		para = append(para, line)
	}
	flushPara()

	tree := a.tree()
	tree.Title = title
	return tree, nil
}

// atxHeading recognizes "#" through "######" headings.
func atxHeading(line string) (text string, level int, ok bool) {
	trimmed := strings.TrimSpace(line)
	for level < len(trimmed) && trimmed[level] == '#' {
		level++
	}
	if level == 0 || level > 6 {
		return "", 0, false
	}
	rest := trimmed[level:]
	if rest != "" && rest[0] != ' ' && rest[0] != '\t' {
		return "", 0, false
	}
	return strings.TrimSpace(strings.TrimRight(rest, "#")), level, true
}

func normalize(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// splitBlocks cuts text into paragraph blocks on blank lines.
func splitBlocks(s string) []string {
	var blocks []string
	var cur []string
	for _, line := range strings.Split(normalize(s), "\n") {
		if strings.TrimSpace(line) == "" {
			if len(cur) > 0 {
				blocks = append(blocks, strings.Join(cur, "\n"))
				cur = nil
			}
			continue
		}
		cur = append(cur, line)
	}
	if len(cur) > 0 {
		blocks = append(blocks, strings.Join(cur, "\n"))
	}
	return blocks
}
