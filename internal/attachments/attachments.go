// Package attachments keeps task images between scheduling and dispatch.
package attachments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// Upload is a file received over HTTP and staged in the uploads directory.
type Upload struct {
	TempPath     string
	OriginalName string
	ContentType  string
	Size         int64
}

// Store persists uploads under a task and hands back opaque references that
// end up in Task.ImagePaths.
type Store interface {
	Persist(ctx context.Context, taskID string, uploads []Upload) ([]string, error)
	Open(ctx context.Context, ref string) (io.ReadCloser, error)
	Delete(ctx context.Context, ref string) error
	Exists(ctx context.Context, ref string) (bool, error)
}

// Stage copies a multipart file into dir under a unique name.
func Stage(dir string, fh *multipart.FileHeader) (Upload, error) {
	src, err := fh.Open()
	if err != nil {
		return Upload{}, err
	}
	defer src.Close()
	return stage(dir, fh.Filename, fh.Header.Get("Content-Type"), src)
}

// StageFile copies a local file into dir, guessing its type from the
// extension.
func StageFile(dir, path string) (Upload, error) {
	src, err := os.Open(path)
	if err != nil {
		return Upload{}, err
	}
	defer src.Close()
	name := filepath.Base(path)
	return stage(dir, name, mime.TypeByExtension(strings.ToLower(filepath.Ext(name))), src)
}

func stage(dir, filename, contentType string, src io.Reader) (Upload, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Upload{}, err
	}
	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), SafeName(filename))
	path := filepath.Join(dir, name)
	dst, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		return Upload{}, err
	}
	n, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(path)
		return Upload{}, err
	}
	return Upload{
		TempPath:     path,
		OriginalName: filename,
		ContentType:  contentType,
		Size:         n,
	}, nil
}

// Discard removes staged temp files.
func Discard(uploads []Upload) {
	for _, u := range uploads {
		if err := os.Remove(u.TempPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("remove staged upload failed", "err", err, "path", u.TempPath)
		}
	}
}

// RemoveAll deletes refs concurrently, logging failures. Missing refs are not
// errors.
func RemoveAll(ctx context.Context, s Store, refs []string) {
	if s == nil || len(refs) == 0 {
		return
	}
	var eg errgroup.Group
	eg.SetLimit(4)
	var mu sync.Mutex
	failed := 0
	for _, ref := range refs {
		eg.Go(func() error {
			if err := s.Delete(ctx, ref); err != nil {
				slog.Warn("remove attachment failed", "err", err, "ref", ref)
				mu.Lock()
				failed++
				mu.Unlock()
			}
			return nil
		})
	}
	_ = eg.Wait()
	if failed > 0 {
		slog.Warn("attachments left behind", "count", failed)
	}
}

// SafeName strips directories and characters that do not belong in a file or
// object name.
func SafeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.Trim(b.String(), ".")
	if out == "" {
		return "file"
	}
	return out
}
