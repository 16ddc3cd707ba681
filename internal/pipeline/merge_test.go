package pipeline

import (
	"reflect"
	"strings"
	"testing"
)

func TestPackSectionsSingleChunk(t *testing.T) {
	sections := []Section{
		{Path: "Intro", Paragraphs: []string{"first", "second"}},
		{Path: "Body", Paragraphs: []string{"third"}},
	}

	chunks := packSections(sections, 100)
	if len(chunks) != 1 {
		t.Fatalf("chunks: got %d, want 1", len(chunks))
	}
	if want := "first\n\nsecond\n\nthird"; chunks[0].Text != want {
		t.Errorf("text: got %q, want %q", chunks[0].Text, want)
	}
	if want := []string{"Intro", "Body"}; !reflect.DeepEqual(chunks[0].Sections, want) {
		t.Errorf("sections: got %v, want %v", chunks[0].Sections, want)
	}
}

func TestPackSectionsRespectsBudget(t *testing.T) {
	sections := []Section{
		{Path: "A", Paragraphs: []string{
			strings.Repeat("a", 40),
			strings.Repeat("b", 40),
			strings.Repeat("c", 40),
		}},
	}

	chunks := packSections(sections, 100)
	if len(chunks) != 2 {
		t.Fatalf("chunks: got %d, want 2", len(chunks))
	}
	for i, c := range chunks {
		if n := len([]rune(c.Text)); n > 100 {
			t.Errorf("chunk %d: %d runes over budget", i, n)
		}
		if c.Index != i {
			t.Errorf("chunk %d index: got %d", i, c.Index)
		}
	}
	// Nothing lost, nothing duplicated.
	joined := chunks[0].Text + "\n\n" + chunks[1].Text
	want := strings.Repeat("a", 40) + "\n\n" + strings.Repeat("b", 40) + "\n\n" + strings.Repeat("c", 40)
	if joined != want {
		t.Errorf("reassembled text differs from input")
	}
}

func TestPackSectionsSplitsOversizedParagraph(t *testing.T) {
	huge := strings.Repeat("x", 250)
	sections := []Section{
		{Path: "Short", Paragraphs: []string{"lead-in"}},
		{Path: "Huge", Paragraphs: []string{huge}},
	}

	chunks := packSections(sections, 100)
	if len(chunks) != 4 {
		t.Fatalf("chunks: got %d, want 4", len(chunks))
	}
	if chunks[0].Text != "lead-in" {
		t.Errorf("chunk 0: got %q", chunks[0].Text)
	}
	var rebuilt strings.Builder
	for _, c := range chunks[1:] {
		if n := len([]rune(c.Text)); n > 100 {
			t.Errorf("split piece %d runes over budget", n)
		}
		if !reflect.DeepEqual(c.Sections, []string{"Huge"}) {
			t.Errorf("split piece sections: got %v", c.Sections)
		}
		rebuilt.WriteString(c.Text)
	}
	if rebuilt.String() != huge {
		t.Errorf("split pieces do not reassemble the paragraph")
	}
}

func TestPackSectionsMultibyteBudget(t *testing.T) {
	// Budget counts runes, not bytes.
	text := strings.Repeat("素", 10)
	chunks := packSections([]Section{{Path: "P", Paragraphs: []string{text}}}, 10)
	if len(chunks) != 1 {
		t.Fatalf("chunks: got %d, want 1", len(chunks))
	}
	if chunks[0].Text != text {
		t.Errorf("text mangled: got %q", chunks[0].Text)
	}
}

func TestPackSectionsDeterministic(t *testing.T) {
	sections := []Section{
		{Path: "A", Paragraphs: []string{"alpha", "beta"}},
		{Path: "B", Paragraphs: []string{strings.Repeat("g", 30), "delta"}},
	}

	first := packSections(sections, 24)
	second := packSections(sections, 24)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("same input produced different chunks:\n%v\n%v", first, second)
	}
}
