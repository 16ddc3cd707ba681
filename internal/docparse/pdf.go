package docparse

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/ledongthuc/pdf"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// pdfParser extracts page text, one section per page. The pdf library
// panics on some malformed inputs, so extraction runs under recover.
type pdfParser struct{}

func (pdfParser) Parse(ctx context.Context, r io.Reader) (tree *DocumentTree, err error) {
	data, readErr := io.ReadAll(r)
	if readErr != nil {
		return nil, fmt.Errorf("read pdf: %w", readErr)
	}

	defer func() {
		if rec := recover(); rec != nil {
			tree = nil
			err = faults.Fatal("unsupported_format", fmt.Sprintf("malformed pdf: %v", rec), nil)
		}
	}()

	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, faults.Fatal("unsupported_format", "not a valid pdf", err)
	}

	var a assembler
	for num := 1; num <= reader.NumPage(); num++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		page := reader.Page(num)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			return nil, faults.Fatal("unsupported_format", fmt.Sprintf("extract page %d", num), err)
		}
		a.startSection(fmt.Sprintf("Page %d", num), 1)
		for _, block := range splitBlocks(text) {
			a.addParagraph(block)
		}
	}

	tree = a.tree()
	if len(tree.Sections) == 0 {
		return nil, faults.Fatal("unsupported_format", "pdf contains no extractable text", nil)
	}
	if strings.TrimSpace(tree.PlainText()) == "" {
		return nil, faults.Fatal("unsupported_format", "pdf contains no extractable text", nil)
	}
	return tree, nil
}
