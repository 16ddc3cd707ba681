package blob

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

func TestLocalPutOpenDelete(t *testing.T) {
	l, err := NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()
	content := []byte("quarterly report draft, v3")

	info, err := l.Put(ctx, bytes.NewReader(content))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	wantSum := sha256.Sum256(content)
	if info.SHA256 != hex.EncodeToString(wantSum[:]) {
		t.Errorf("sha: got %s", info.SHA256)
	}
	if info.Size != int64(len(content)) {
		t.Errorf("size: got %d, want %d", info.Size, len(content))
	}
	if !strings.HasPrefix(info.Key, info.SHA256[:2]+"/") {
		t.Errorf("key not sharded: %s", info.Key)
	}

	rc, err := l.Open(ctx, info.Key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Errorf("content mismatch: %q", got)
	}

	if err := l.Delete(ctx, info.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := l.Open(ctx, info.Key); err == nil {
		t.Error("expected open to fail after delete")
	}
	// Deleting twice is fine.
	if err := l.Delete(ctx, info.Key); err != nil {
		t.Errorf("second Delete: %v", err)
	}
}

func TestLocalPutDeduplicates(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLocal(dir)
	if err != nil {
		t.Fatalf("NewLocal: %v", err)
	}
	ctx := context.Background()

	first, err := l.Put(ctx, strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}
	second, err := l.Put(ctx, strings.NewReader("same bytes"))
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if first.Key != second.Key {
		t.Errorf("keys differ: %s vs %s", first.Key, second.Key)
	}

	// No spool files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if !e.IsDir() {
			t.Errorf("stray file in blob dir: %s", e.Name())
		}
	}
	if _, err := os.Stat(filepath.Join(dir, first.Key)); err != nil {
		t.Errorf("object missing: %v", err)
	}
}

// fakeS3 implements s3API and s3Uploader over a map.
type fakeS3 struct {
	objects map[string][]byte
	deletes int
}

func newFakeS3() *fakeS3 { return &fakeS3{objects: make(map[string][]byte)} }

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[*in.Key]
	if !ok {
		return nil, &smithyNotFound{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) HeadObject(ctx context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if _, ok := f.objects[*in.Key]; !ok {
		return nil, &smithyNotFound{}
	}
	return &s3.HeadObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(ctx context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	delete(f.objects, *in.Key)
	f.deletes++
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) Upload(ctx context.Context, in *s3.PutObjectInput, _ ...func(*manager.Uploader)) (*manager.UploadOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Key] = data
	return &manager.UploadOutput{}, nil
}

type smithyNotFound struct{}

func (*smithyNotFound) Error() string { return "NotFound" }

func TestS3PutSkipsExistingObject(t *testing.T) {
	fake := newFakeS3()
	s := &S3{api: fake, uploader: fake, bucket: "docs"}
	ctx := context.Background()

	info, err := s.Put(ctx, strings.NewReader("doc body"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if len(fake.objects) != 1 {
		t.Fatalf("objects: got %d, want 1", len(fake.objects))
	}

	// Same content again: head hit, no second upload needed, and the
	// stored bytes stay intact.
	again, err := s.Put(ctx, strings.NewReader("doc body"))
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if again.Key != info.Key {
		t.Errorf("keys differ: %s vs %s", again.Key, info.Key)
	}

	rc, err := s.Open(ctx, info.Key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, _ := io.ReadAll(rc)
	rc.Close()
	if string(got) != "doc body" {
		t.Errorf("content: got %q", got)
	}

	if err := s.Delete(ctx, info.Key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if fake.deletes != 1 {
		t.Errorf("deletes: got %d, want 1", fake.deletes)
	}
	if _, err := s.Open(ctx, info.Key); err == nil {
		t.Error("expected open to fail after delete")
	}
}
