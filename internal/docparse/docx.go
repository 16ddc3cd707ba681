package docparse

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// docxParser extracts paragraph text and heading styles from the
// word/document.xml part of the OOXML archive.
type docxParser struct{}

func (docxParser) Parse(ctx context.Context, r io.Reader) (*DocumentTree, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read docx: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, faults.Fatal("unsupported_format", "not a valid docx archive", err)
	}

	var doc *zip.File
	for _, f := range zr.File {
		if f.Name == "word/document.xml" {
			doc = f
			break
		}
	}
	if doc == nil {
		return nil, faults.Fatal("unsupported_format", "docx archive has no word/document.xml", nil)
	}

	rc, err := doc.Open()
	if err != nil {
		return nil, fmt.Errorf("open document.xml: %w", err)
	}
	defer rc.Close()

	return parseDocumentXML(ctx, rc)
}

func parseDocumentXML(ctx context.Context, r io.Reader) (*DocumentTree, error) {
	dec := xml.NewDecoder(r)

	var a assembler
	a.startSection("", 0)
	var title string
	var text strings.Builder
	var style string
	inPara := false

	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, faults.Fatal("unsupported_format", "malformed docx document", err)
		}

		switch el := tok.(type) {
		case xml.StartElement:
			switch el.Name.Local {
			case "p":
				inPara = true
				text.Reset()
				style = ""
			case "pStyle":
				for _, attr := range el.Attr {
					if attr.Name.Local == "val" {
						style = attr.Value
					}
				}
			case "t":
				if inPara {
					var content string
					if err := dec.DecodeElement(&content, &el); err != nil {
						return nil, faults.Fatal("unsupported_format", "malformed docx run", err)
					}
					text.WriteString(content)
				}
			case "br", "cr":
				if inPara {
					text.WriteString("\n")
				}
			case "tab":
				if inPara {
					text.WriteString("\t")
				}
			}
		case xml.EndElement:
			if el.Name.Local != "p" || !inPara {
				continue
			}
			inPara = false
			content := strings.TrimSpace(text.String())
			if level, isHeading := headingLevel(style); isHeading {
				if content != "" {
					a.startSection(content, level)
					if title == "" && level <= 1 {
						title = content
					}
				}
				continue
			}
			a.addParagraph(content)
		}
	}

	tree := a.tree()
	tree.Title = title
	return tree, nil
}

// headingLevel maps OOXML paragraph styles onto section levels.
func headingLevel(style string) (int, bool) {
	switch {
	case style == "Title":
		return 1, true
	case strings.HasPrefix(style, "Heading"):
		rest := strings.TrimPrefix(style, "Heading")
		if len(rest) == 1 && rest[0] >= '1' && rest[0] <= '9' {
			return int(rest[0] - '0'), true
		}
	}
	return 0, false
}
