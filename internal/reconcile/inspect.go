package reconcile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/sync/errgroup"

	"fleetagent/internal/fileutil"
)

// Inspect hashes the files at paths under root using a bounded worker pool.
// Missing files are reported with Exists false; other read errors fail the
// inspection.
func Inspect(ctx context.Context, root string, paths []string, workers int) (map[string]LocalFile, error) {
	if workers <= 0 {
		workers = 1
	}
	var (
		mu  sync.Mutex
		out = make(map[string]LocalFile, len(paths))
	)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	seen := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		if p == "" {
			continue
		}
		if _, dup := seen[p]; dup {
			continue
		}
		seen[p] = struct{}{}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			target, err := ResolvePath(root, p)
			if err != nil {
				return err
			}
			digest, _, err := fileutil.DigestFile(target)
			var lf LocalFile
			switch {
			case err == nil:
				lf = LocalFile{Exists: true, Digest: digest}
			case errors.Is(err, os.ErrNotExist):
			default:
				return err
			}
			mu.Lock()
			out[p] = lf
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// ResolvePath joins a normalized directive path onto root and rejects
// anything that would land outside it.
func ResolvePath(root, rel string) (string, error) {
	if rel == "" || filepath.IsAbs(rel) {
		return "", errors.New("file path must be relative and non-empty")
	}
	target := filepath.Join(root, filepath.FromSlash(rel))
	back, err := filepath.Rel(root, target)
	if err != nil || back == ".." || len(back) >= 3 && back[:3] == ".."+string(filepath.Separator) {
		return "", errors.New("file path escapes the files root")
	}
	return target, nil
}
