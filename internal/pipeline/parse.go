package pipeline

import (
	"context"
	"errors"

	"github.com/doctrine-review/inkwell/internal/faults"
)

// runParse opens the task's blob and decodes it into a document tree.
// Anything wrong here is deterministic, so failures are fatal.
func (p *Pipeline) runParse(ctx context.Context, pc *Context) error {
	rc, err := p.deps.Blobs.Open(ctx, pc.File.Path)
	if err != nil {
		return faults.Fatal("file_unreadable", "stored file cannot be opened", err)
	}
	defer rc.Close()
	pc.progress(10)

	tree, err := p.deps.Parser.Parse(ctx, pc.File.SHA256, pc.File.OriginalName, pc.File.MIME, rc)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		if faults.KindOf(err) == faults.KindFatal {
			return err
		}
		return faults.Fatal("parse_failed", "document could not be parsed", err)
	}
	if tree.CharCount == 0 {
		return faults.New(faults.KindFatal, "empty_document", "document has no reviewable text")
	}

	pc.Tree = tree
	return nil
}
