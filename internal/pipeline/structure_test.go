package pipeline

import (
	"testing"

	"github.com/doctrine-review/inkwell/internal/docparse"
)

func para(text string) docparse.Paragraph {
	return docparse.Paragraph{Text: text}
}

func TestStructureTreeBreadcrumbs(t *testing.T) {
	tree := &docparse.DocumentTree{
		Sections: []docparse.Section{
			{Heading: "Terms", Level: 1, Paragraphs: []docparse.Paragraph{para("Definitions apply throughout.")}},
			{Heading: "Payment", Level: 2, Paragraphs: []docparse.Paragraph{para("Net 30 days.")}},
			{Heading: "Late fees", Level: 3, Paragraphs: []docparse.Paragraph{para("Two percent monthly.")}},
			{Heading: "Termination", Level: 1, Paragraphs: []docparse.Paragraph{para("Either party may terminate.")}},
		},
	}

	sections := structureTree(tree)
	if len(sections) != 4 {
		t.Fatalf("sections: got %d, want 4", len(sections))
	}

	wantPaths := []string{
		"Terms",
		"Terms > Payment",
		"Terms > Payment > Late fees",
		"Termination",
	}
	for i, want := range wantPaths {
		if sections[i].Path != want {
			t.Errorf("section %d path: got %q, want %q", i, sections[i].Path, want)
		}
	}
}

func TestStructureTreeDropsEmptySections(t *testing.T) {
	tree := &docparse.DocumentTree{
		Sections: []docparse.Section{
			{Heading: "Empty", Level: 1, Paragraphs: []docparse.Paragraph{para("   "), para("")}},
			{Heading: "Body", Level: 1, Paragraphs: []docparse.Paragraph{para("Actual text.")}},
		},
	}

	sections := structureTree(tree)
	if len(sections) != 1 {
		t.Fatalf("sections: got %d, want 1", len(sections))
	}
	if sections[0].Heading != "Body" {
		t.Errorf("heading: got %q, want Body", sections[0].Heading)
	}
}

func TestStructureTreeInfersHeadings(t *testing.T) {
	tree := &docparse.DocumentTree{
		Sections: []docparse.Section{
			{Level: 0, Paragraphs: []docparse.Paragraph{para("Opening text before any heading.")}},
			{Heading: "Scope", Level: 1, Paragraphs: []docparse.Paragraph{para("Covers everything.")}},
			{Level: 1, Paragraphs: []docparse.Paragraph{para("An unnamed stretch.")}},
		},
	}

	sections := structureTree(tree)
	if len(sections) != 3 {
		t.Fatalf("sections: got %d, want 3", len(sections))
	}
	if sections[0].Heading != "Preamble" {
		t.Errorf("first heading: got %q, want Preamble", sections[0].Heading)
	}
	if sections[2].Heading != "Section 1" {
		t.Errorf("unnamed heading: got %q, want Section 1", sections[2].Heading)
	}
	if sections[0].Level != 1 {
		t.Errorf("level floor: got %d, want 1", sections[0].Level)
	}
}

func TestStructureTreeLevelGaps(t *testing.T) {
	// A level-3 section directly under a level-1 parent must not leave
	// a phantom crumb in the path.
	tree := &docparse.DocumentTree{
		Sections: []docparse.Section{
			{Heading: "Top", Level: 1, Paragraphs: []docparse.Paragraph{para("a")}},
			{Heading: "Deep", Level: 3, Paragraphs: []docparse.Paragraph{para("b")}},
		},
	}

	sections := structureTree(tree)
	if got := sections[1].Path; got != "Top > Deep" {
		t.Errorf("path: got %q, want %q", got, "Top > Deep")
	}
}

func TestSectionText(t *testing.T) {
	s := Section{Paragraphs: []string{"one", "two"}}
	if got := s.Text(); got != "one\n\ntwo" {
		t.Errorf("Text: got %q", got)
	}
}
