// Package diskcheck verifies that a destination has room before a batch starts writing.
package diskcheck

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/shirou/gopsutil/v3/disk"

	"kickgrab/internal/errs"
)

// Checker reports whether path can take at least minFree more bytes.
type Checker interface {
	Check(ctx context.Context, path string, minFree uint64) error
}

// Usage checks free space with gopsutil.
type Usage struct{}

// Free returns the free bytes on the filesystem holding path. Missing directories are
// resolved to their nearest existing ancestor, since the fetcher creates them later.
func (Usage) Free(ctx context.Context, path string) (uint64, error) {
	dir, err := existingAncestor(path)
	if err != nil {
		return 0, err
	}

	stat, err := disk.UsageWithContext(ctx, dir)
	if err != nil {
		return 0, fmt.Errorf("disk usage of %s: %w", dir, err)
	}

	return stat.Free, nil
}

// Check implements Checker. The returned error is a filesystem *errs.DownloadError.
func (u Usage) Check(ctx context.Context, path string, minFree uint64) error {
	if minFree == 0 {
		return nil
	}

	free, err := u.Free(ctx, path)
	if err != nil {
		return errs.NewDownloadError(errs.KindFilesystem, "", "check free space", err)
	}

	if free < minFree {
		return errs.NewDownloadError(errs.KindFilesystem, "",
			fmt.Sprintf("only %d bytes free under %s, need %d", free, path, minFree), nil)
	}

	return nil
}

func existingAncestor(path string) (string, error) {
	dir, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("abs %s: %w", path, err)
	}

	for {
		_, err := os.Stat(dir)
		if err == nil {
			return dir, nil
		}

		if !errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("stat %s: %w", dir, err)
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("no existing ancestor of %s: %w", path, err)
		}

		dir = parent
	}
}
