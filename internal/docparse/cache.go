package docparse

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pierrec/lz4/v4"
)

// cache holds parsed trees keyed by content hash: a small in-memory
// LRU backed by lz4-compressed JSON files. Since FileInfo rows are
// content-addressed, re-submissions and retries of the same document
// skip the parser entirely.
type cache struct {
	mem *lru.Cache[string, *DocumentTree]
	dir string
}

func newCache(entries int, dir string) (*cache, error) {
	c := &cache{dir: dir}
	if entries > 0 {
		m, err := lru.New[string, *DocumentTree](entries)
		if err != nil {
			return nil, fmt.Errorf("parse cache: %w", err)
		}
		c.mem = m
	}
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("parse cache dir: %w", err)
		}
	}
	return c, nil
}

func (c *cache) get(sha string) (*DocumentTree, bool) {
	if sha == "" {
		return nil, false
	}
	if c.mem != nil {
		if tree, ok := c.mem.Get(sha); ok {
			return tree, true
		}
	}
	if c.dir == "" {
		return nil, false
	}

	f, err := os.Open(c.path(sha))
	if err != nil {
		return nil, false
	}
	defer f.Close()

	var tree DocumentTree
	if err := json.NewDecoder(lz4.NewReader(f)).Decode(&tree); err != nil {
		slog.Warn("discarding unreadable parse cache entry", "sha256", sha, "error", err)
		os.Remove(c.path(sha))
		return nil, false
	}
	if c.mem != nil {
		c.mem.Add(sha, &tree)
	}
	return &tree, true
}

func (c *cache) put(sha string, tree *DocumentTree) {
	if sha == "" {
		return
	}
	if c.mem != nil {
		c.mem.Add(sha, tree)
	}
	if c.dir == "" {
		return
	}

	tmp, err := os.CreateTemp(c.dir, "parse-*.tmp")
	if err != nil {
		slog.Warn("parse cache write skipped", "error", err)
		return
	}
	defer os.Remove(tmp.Name())

	zw := lz4.NewWriter(tmp)
	encErr := json.NewEncoder(zw).Encode(tree)
	if err := zw.Close(); encErr == nil {
		encErr = err
	}
	if err := tmp.Close(); encErr == nil {
		encErr = err
	}
	if encErr != nil {
		slog.Warn("parse cache write skipped", "sha256", sha, "error", encErr)
		return
	}
	if err := os.Rename(tmp.Name(), c.path(sha)); err != nil {
		slog.Warn("parse cache write skipped", "sha256", sha, "error", err)
	}
}

func (c *cache) path(sha string) string {
	return filepath.Join(c.dir, sha+".json.lz4")
}
