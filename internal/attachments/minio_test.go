package attachments

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

// s3Stub answers the handful of S3 calls the Minio store makes for a single
// bucket.
type s3Stub struct {
	bucket string

	mu      sync.Mutex
	objects map[string]string // key -> content type
}

func (s *s3Stub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	bucket, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
	if bucket != s.bucket {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.URL.Query().Has("location") {
		w.Header().Set("Content-Type", "application/xml")
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><LocationConstraint xmlns="http://s3.amazonaws.com/doc/2006-03-01/">us-east-1</LocationConstraint>`)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case key == "" && r.Method == http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodPut:
		_, _ = io.Copy(io.Discard, r.Body)
		s.objects[key] = r.Header.Get("Content-Type")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodHead:
		ct, ok := s.objects[key]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", ct)
		w.Header().Set("Content-Length", "0")
		w.Header().Set("ETag", `"d41d8cd98f00b204e9800998ecf8427e"`)
		w.Header().Set("Last-Modified", time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC).Format(http.TimeFormat))
		w.WriteHeader(http.StatusOK)
	case r.Method == http.MethodDelete:
		delete(s.objects, key)
		w.WriteHeader(http.StatusNoContent)
	default:
		w.WriteHeader(http.StatusNotImplemented)
	}
}

func newMinioStub(t *testing.T) (*Minio, *s3Stub) {
	t.Helper()
	stub := &s3Stub{bucket: "attachments", objects: map[string]string{}}
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)

	m, err := NewMinio(context.Background(), MinioConfig{
		Endpoint:        strings.TrimPrefix(srv.URL, "http://"),
		AccessKeyID:     "minio",
		SecretAccessKey: "minio123",
		Bucket:          "attachments",
		Prefix:          "scheduled",
		MaxRetries:      1,
	})
	if err != nil {
		t.Fatalf("new minio: %v", err)
	}
	return m, stub
}

func TestMinioPersistKeys(t *testing.T) {
	ctx := context.Background()
	m, stub := newMinioStub(t)
	dir := t.TempDir()
	a := writeTemp(t, dir, "team photo.png", "A")
	a.ContentType = "image/png"
	b := writeTemp(t, dir, "b.jpg", "B")
	b.ContentType = "image/jpeg"

	refs, err := m.Persist(ctx, "task_1", []Upload{a, b})
	if err != nil {
		t.Fatalf("persist: %v", err)
	}
	if len(refs) != 2 {
		t.Fatalf("expected 2 refs, got %v", refs)
	}
	for i, want := range []string{"-0-team_photo.png", "-1-b.jpg"} {
		if !strings.HasPrefix(refs[i], "scheduled/task_1/") || !strings.HasSuffix(refs[i], want) {
			t.Fatalf("ref %d: unexpected key %q", i, refs[i])
		}
	}
	if got := stub.objects[refs[0]]; got != "image/png" {
		t.Fatalf("unexpected content type %q", got)
	}
	for _, u := range []Upload{a, b} {
		if _, err := os.Stat(u.TempPath); !os.IsNotExist(err) {
			t.Fatalf("staged file %s must be removed", filepath.Base(u.TempPath))
		}
	}

	ok, err := m.Exists(ctx, refs[0])
	if err != nil || !ok {
		t.Fatalf("exists: ok=%v err=%v", ok, err)
	}
	if err := m.Delete(ctx, refs[0]); err != nil {
		t.Fatalf("delete: %v", err)
	}
	ok, err = m.Exists(ctx, refs[0])
	if err != nil || ok {
		t.Fatalf("deleted object: ok=%v err=%v", ok, err)
	}
	if err := m.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}
}
