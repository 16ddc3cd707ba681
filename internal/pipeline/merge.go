package pipeline

import (
	"context"
	"strings"

	"github.com/doctrine-review/inkwell/internal/faults"
)

const defaultChunkRuneBudget = 6000

// Chunk is one model-sized excerpt with the section paths it covers.
type Chunk struct {
	Index    int
	Text     string
	Sections []string
}

// runMerge packs structured sections into chunks within the rune
// budget. Deterministic: same sections and budget, same chunks.
func (p *Pipeline) runMerge(ctx context.Context, pc *Context) error {
	budget := p.cfg.ChunkRuneBudget
	if budget <= 0 {
		budget = defaultChunkRuneBudget
	}

	chunks := packSections(pc.Sections, budget)
	if len(chunks) == 0 {
		return faults.New(faults.KindFatal, "empty_document", "nothing to review after merge")
	}
	pc.Chunks = chunks
	pc.progress(100)
	return nil
}

// packSections greedily fills chunks with whole paragraphs, never
// overlapping. Paragraphs larger than the budget are split hard at the
// budget boundary. Section provenance is recorded per chunk.
func packSections(sections []Section, budget int) []Chunk {
	var chunks []Chunk

	var b strings.Builder
	var used int
	var paths []string

	flush := func() {
		if used == 0 {
			return
		}
		chunks = append(chunks, Chunk{
			Index:    len(chunks),
			Text:     b.String(),
			Sections: paths,
		})
		b.Reset()
		used = 0
		paths = nil
	}

	appendPara := func(text, path string) {
		if used > 0 {
			b.WriteString("\n\n")
			used += 2
		}
		b.WriteString(text)
		used += len([]rune(text))
		if len(paths) == 0 || paths[len(paths)-1] != path {
			paths = append(paths, path)
		}
	}

	for _, sec := range sections {
		for _, para := range sec.Paragraphs {
			runes := []rune(para)

			// Oversized paragraph: flush and emit budget-sized pieces.
			if len(runes) > budget {
				flush()
				for start := 0; start < len(runes); start += budget {
					end := start + budget
					if end > len(runes) {
						end = len(runes)
					}
					appendPara(string(runes[start:end]), sec.Path)
					flush()
				}
				continue
			}

			sep := 0
			if used > 0 {
				sep = 2
			}
			if used+sep+len(runes) > budget {
				flush()
			}
			appendPara(para, sec.Path)
		}
	}
	flush()
	return chunks
}
