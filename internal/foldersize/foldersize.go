// Package foldersize computes the total size of the regular files under a
// directory tree.
package foldersize

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const defaultParallelism = 4

// Estimate returns the sum of the sizes of all regular files nested under dir.
// Any unreadable directory or entry fails the whole estimate.
// Symlinks and irregular files are not counted, matching what gets archived.
func Estimate(ctx context.Context, dir string) (int64, error) {
	return estimate(ctx, dir, defaultParallelism)
}

func estimate(ctx context.Context, dir string, parallelism int) (int64, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", dir, err)
	}

	var total atomic.Int64
	group, groupCtx := errgroup.WithContext(ctx)
	group.SetLimit(parallelism)

	for _, entry := range entries {
		entryPath := filepath.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			group.Go(func() error {
				size, err := walk(groupCtx, entryPath)
				if err != nil {
					return err
				}
				total.Add(size)
				return nil
			})
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				_ = group.Wait()
				return 0, fmt.Errorf("stat %s: %w", entryPath, err)
			}
			total.Add(info.Size())
		}
	}

	if err := group.Wait(); err != nil {
		return 0, err //nolint:wrapcheck // already wrapped with the failing path
	}
	return total.Load(), nil
}

// walk sums a subtree sequentially, checking ctx once per directory.
func walk(ctx context.Context, dir string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err //nolint:wrapcheck
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, fmt.Errorf("read dir %s: %w", dir, err)
	}
	var size int64
	for _, entry := range entries {
		entryPath := filepath.Join(dir, entry.Name())
		switch {
		case entry.IsDir():
			sub, err := walk(ctx, entryPath)
			if err != nil {
				return 0, err
			}
			size += sub
		case entry.Type().IsRegular():
			info, err := entry.Info()
			if err != nil {
				return 0, fmt.Errorf("stat %s: %w", entryPath, err)
			}
			size += info.Size()
		}
	}
	return size, nil
}

// Estimator deduplicates concurrent estimates of the same directory.
type Estimator struct {
	group singleflight.Group
	sum   func(ctx context.Context, dir string) (int64, error)
}

func NewEstimator(parallelism int) *Estimator {
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}
	return &Estimator{sum: func(ctx context.Context, dir string) (int64, error) {
		return estimate(ctx, dir, parallelism)
	}}
}

// Estimate behaves like the package level Estimate. Callers asking for the same
// dir while a traversal is running share its result. The shared traversal does
// not inherit any caller's cancellation; a caller whose ctx ends stops waiting
// and gets ctx.Err().
func (e *Estimator) Estimate(ctx context.Context, dir string) (int64, error) {
	ch := e.group.DoChan(dir, func() (any, error) {
		return e.sum(context.WithoutCancel(ctx), dir)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return 0, res.Err //nolint:wrapcheck
		}
		return res.Val.(int64), nil
	case <-ctx.Done():
		return 0, ctx.Err() //nolint:wrapcheck
	}
}
