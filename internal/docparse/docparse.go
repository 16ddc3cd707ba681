// Package docparse turns uploaded documents into a DocumentTree: an
// ordered list of sections and paragraphs with rune offsets into one
// canonical plain text. Supported formats are plain text, markdown,
// docx, and pdf, selected by mime type or file extension.
package docparse

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// DocumentTree is the parse output handed to the structuring stage.
type DocumentTree struct {
	Title     string    `json:"title,omitempty"`
	Format    string    `json:"format"`
	Sections  []Section `json:"sections"`
	CharCount int       `json:"char_count"`
}

// Section groups consecutive paragraphs under one inferred heading.
type Section struct {
	Heading    string      `json:"heading,omitempty"`
	Level      int         `json:"level"`
	Start      int         `json:"start"`
	End        int         `json:"end"`
	Paragraphs []Paragraph `json:"paragraphs"`
}

// Paragraph is one block of text with rune offsets into PlainText.
type Paragraph struct {
	Text  string `json:"text"`
	Start int    `json:"start"`
	End   int    `json:"end"`
}

// PlainText reconstructs the canonical text the offsets refer to:
// paragraphs joined by blank lines, in document order.
func (t *DocumentTree) PlainText() string {
	var b strings.Builder
	first := true
	for _, s := range t.Sections {
		for _, p := range s.Paragraphs {
			if !first {
				b.WriteString("\n\n")
			}
			b.WriteString(p.Text)
			first = false
		}
	}
	return b.String()
}

// Parser decodes one document format.
type Parser interface {
	Parse(ctx context.Context, r io.Reader) (*DocumentTree, error)
}

// Service routes documents to format parsers, bounded by the size cap,
// with a parse cache keyed on content hash in front.
type Service struct {
	byExt    map[string]Parser
	byMIME   map[string]Parser
	cache    *cache
	maxBytes int64
}

// Config carries the parse limits and cache sizing.
type Config struct {
	MaxFileSizeBytes int64
	CacheEntries     int    // in-memory LRU size; 0 disables
	CacheDir         string // compressed on-disk cache; "" disables
}

// New builds the service with all built-in parsers registered.
func New(cfg Config) (*Service, error) {
	s := &Service{
		byExt:    make(map[string]Parser),
		byMIME:   make(map[string]Parser),
		maxBytes: cfg.MaxFileSizeBytes,
	}
	c, err := newCache(cfg.CacheEntries, cfg.CacheDir)
	if err != nil {
		return nil, err
	}
	s.cache = c

	text := &textParser{}
	md := &markdownParser{}
	s.register(text, []string{".txt"}, []string{"text/plain"})
	s.register(md, []string{".md", ".markdown"}, []string{"text/markdown"})
	s.register(&docxParser{}, []string{".docx"},
		[]string{"application/vnd.openxmlformats-officedocument.wordprocessingml.document"})
	s.register(&pdfParser{}, []string{".pdf"}, []string{"application/pdf"})
	return s, nil
}

func (s *Service) register(p Parser, exts, mimes []string) {
	for _, e := range exts {
		s.byExt[e] = p
	}
	for _, m := range mimes {
		s.byMIME[m] = p
	}
}

// Supported reports whether the name/mime pair routes to a parser.
func (s *Service) Supported(name, mime string) bool {
	return s.lookup(name, mime) != nil
}

func (s *Service) lookup(name, mime string) Parser {
	if base, _, ok := strings.Cut(mime, ";"); ok {
		mime = base
	}
	if p, ok := s.byMIME[strings.TrimSpace(strings.ToLower(mime))]; ok {
		return p
	}
	if p, ok := s.byExt[strings.ToLower(filepath.Ext(name))]; ok {
		return p
	}
	return nil
}

// Parse decodes the document, consulting the cache by content hash
// first. Unsupported formats and oversized inputs are fatal: retrying
// the same bytes cannot succeed.
func (s *Service) Parse(ctx context.Context, sha256Hex, name, mime string, r io.Reader) (*DocumentTree, error) {
	if tree, ok := s.cache.get(sha256Hex); ok {
		return tree, nil
	}

	p := s.lookup(name, mime)
	if p == nil {
		return nil, faults.Fatal("unsupported_format",
			fmt.Sprintf("no parser for %q (%s)", name, mime), nil)
	}

	var bounded io.Reader = r
	if s.maxBytes > 0 {
		bounded = &limitedReader{r: r, remaining: s.maxBytes}
	}
	tree, err := p.Parse(ctx, bounded)
	if err != nil {
		return nil, err
	}
	tree.Format = strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")
	if tree.Title == "" {
		tree.Title = strings.TrimSuffix(filepath.Base(name), filepath.Ext(name))
	}

	s.cache.put(sha256Hex, tree)
	return tree, nil
}

// limitedReader errors (rather than truncating) past the size cap. It
// reads one byte beyond the cap so input exactly at the limit passes.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func (l *limitedReader) Read(p []byte) (int, error) {
	if l.remaining < 0 {
		return 0, faults.Fatal("file_too_large", "document exceeds the size limit", nil)
	}
	if int64(len(p)) > l.remaining+1 {
		p = p[:l.remaining+1]
	}
	n, err := l.r.Read(p)
	l.remaining -= int64(n)
	if l.remaining < 0 {
		return n, faults.Fatal("file_too_large", "document exceeds the size limit", nil)
	}
	return n, err
}

// assembler accumulates paragraphs and sections while tracking rune
// offsets into the canonical plain text.
type assembler struct {
	sections []Section
	current  *Section
	offset   int
}

func (a *assembler) startSection(heading string, level int) {
	a.flushSection()
	a.current = &Section{Heading: heading, Level: level, Start: a.offset}
}

func (a *assembler) addParagraph(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	if a.current == nil {
		a.current = &Section{Start: a.offset}
	}
	start := a.offset
	runes := len([]rune(text))
	a.current.Paragraphs = append(a.current.Paragraphs, Paragraph{
		Text:  text,
		Start: start,
		End:   start + runes,
	})
	a.offset = start + runes + 2 // blank-line separator
}

func (a *assembler) flushSection() {
	if a.current == nil {
		return
	}
	if len(a.current.Paragraphs) > 0 || a.current.Heading != "" {
		ps := a.current.Paragraphs
		if len(ps) > 0 {
			a.current.End = ps[len(ps)-1].End
		} else {
			a.current.End = a.current.Start
		}
		a.sections = append(a.sections, *a.current)
	}
	a.current = nil
}

func (a *assembler) tree() *DocumentTree {
	a.flushSection()
	count := 0
	if a.offset > 0 {
		count = a.offset - 2
	}
	return &DocumentTree{Sections: a.sections, CharCount: count}
}
