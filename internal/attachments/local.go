package attachments

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wasched/internal/util"
)

// Local keeps attachments under Dir/<taskID>/. References are file paths.
type Local struct {
	Dir string
}

func (l *Local) Persist(ctx context.Context, taskID string, uploads []Upload) ([]string, error) {
	refs := make([]string, 0, len(uploads))
	for i, u := range uploads {
		if err := ctx.Err(); err != nil {
			l.rollback(refs)
			return nil, err
		}
		dst := filepath.Join(l.Dir, taskID, fmt.Sprintf("%d-%d-%s", time.Now().UnixNano(), i, SafeName(u.OriginalName)))
		if err := util.Move(u.TempPath, dst); err != nil {
			l.rollback(refs)
			return nil, fmt.Errorf("persist attachment %s: %w", u.OriginalName, err)
		}
		refs = append(refs, dst)
	}
	return refs, nil
}

func (l *Local) Open(ctx context.Context, ref string) (io.ReadCloser, error) {
	return os.Open(ref)
}

func (l *Local) Delete(ctx context.Context, ref string) error {
	err := os.Remove(ref)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	// drop the per-task directory once it is empty
	dir := filepath.Dir(ref)
	if dir != filepath.Clean(l.Dir) && strings.HasPrefix(dir, filepath.Clean(l.Dir)) {
		_ = os.Remove(dir)
	}
	return nil
}

func (l *Local) Exists(ctx context.Context, ref string) (bool, error) {
	_, err := os.Stat(ref)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return err == nil, err
}

func (l *Local) rollback(refs []string) {
	for _, ref := range refs {
		_ = l.Delete(context.Background(), ref)
	}
}
