package blob

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Local stores objects under baseDir/<aa>/<sha256>, written through a
// temp file + rename so readers never observe partial content.
type Local struct {
	baseDir string
}

// NewLocal creates the base directory and returns the store.
func NewLocal(baseDir string) (*Local, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &Local{baseDir: baseDir}, nil
}

// Put spools r to a temp file while hashing, then renames it into its
// content-addressed place. An already-present object wins and the
// spool is discarded.
func (l *Local) Put(ctx context.Context, r io.Reader) (*Info, error) {
	tmp, err := os.CreateTemp(l.baseDir, "upload-*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create spool: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	size, err := io.Copy(tmp, io.TeeReader(r, h))
	if err != nil {
		tmp.Close()
		return nil, fmt.Errorf("spool upload: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return nil, fmt.Errorf("close spool: %w", err)
	}

	sum := hex.EncodeToString(h.Sum(nil))
	key := objectKey(sum)
	dst := filepath.Join(l.baseDir, key)
	info := &Info{SHA256: sum, Size: size, Key: key}

	if _, err := os.Stat(dst); err == nil {
		return info, nil
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return nil, fmt.Errorf("create shard dir: %w", err)
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		return nil, fmt.Errorf("place object: %w", err)
	}
	return info, nil
}

// Open returns a reader over the object file.
func (l *Local) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(filepath.Join(l.baseDir, key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("blob %s not found", key)
		}
		return nil, fmt.Errorf("open blob: %w", err)
	}
	return f, nil
}

// Delete removes the object file, tolerating objects already gone.
func (l *Local) Delete(ctx context.Context, key string) error {
	err := os.Remove(filepath.Join(l.baseDir, key))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete blob: %w", err)
	}
	return nil
}
