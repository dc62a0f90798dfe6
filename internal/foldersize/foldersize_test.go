package foldersize

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string, size int) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o750))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o600))
}

func TestEstimateEmptyDir(t *testing.T) {
	size, err := Estimate(context.Background(), t.TempDir())
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestEstimateNested(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"), 10)
	writeFile(t, filepath.Join(root, "sub", "b.bin"), 200)
	writeFile(t, filepath.Join(root, "sub", "deeper", "c.bin"), 3000)
	writeFile(t, filepath.Join(root, "other", "d.bin"), 4)
	require.NoError(t, os.MkdirAll(filepath.Join(root, "empty", "still-empty"), 0o750))

	size, err := Estimate(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, int64(3214), size)
}

func TestEstimateSkipsSymlinks(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "real.bin"), 50)
	if err := os.Symlink(filepath.Join(root, "real.bin"), filepath.Join(root, "link.bin")); err != nil {
		t.Skipf("symlinks unsupported: %v", err)
	}

	size, err := Estimate(context.Background(), root)
	require.NoError(t, err)
	require.Equal(t, int64(50), size)
}

func TestEstimateMissingDirFails(t *testing.T) {
	_, err := Estimate(context.Background(), filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestEstimateUnreadableSubdirFailsWhole(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "ok.bin"), 5)
	locked := filepath.Join(root, "locked")
	writeFile(t, filepath.Join(locked, "hidden.bin"), 5)
	require.NoError(t, os.Chmod(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o750) })

	size, err := Estimate(context.Background(), root)
	require.Error(t, err)
	require.Zero(t, size)
}

func TestEstimatorConcurrentCallsAgree(t *testing.T) {
	root := t.TempDir()
	for i, name := range []string{"x/1", "x/2", "y/3", "z"} {
		writeFile(t, filepath.Join(root, name), (i+1)*100)
	}

	est := NewEstimator(2)
	var wg sync.WaitGroup
	results := make([]int64, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			size, err := est.Estimate(context.Background(), root)
			if err != nil {
				t.Errorf("estimate: %v", err)
				return
			}
			results[i] = size
		}(i)
	}
	wg.Wait()
	for _, got := range results {
		require.Equal(t, int64(1000), got)
	}
}

func TestEstimatorSharedWalkOutlivesCancelledCaller(t *testing.T) {
	entered := make(chan struct{}, 2)
	release := make(chan struct{})
	var walkErr atomic.Value
	est := NewEstimator(1)
	est.sum = func(ctx context.Context, dir string) (int64, error) {
		entered <- struct{}{}
		<-release
		if err := ctx.Err(); err != nil {
			walkErr.CompareAndSwap(nil, err)
			return 0, err
		}
		return 42, nil
	}

	firstCtx, cancelFirst := context.WithCancel(context.Background())
	defer cancelFirst()
	firstErr := make(chan error, 1)
	go func() {
		_, err := est.Estimate(firstCtx, "/media/Shared")
		firstErr <- err
	}()
	<-entered

	type outcome struct {
		size int64
		err  error
	}
	second := make(chan outcome, 1)
	go func() {
		size, err := est.Estimate(context.Background(), "/media/Shared")
		second <- outcome{size, err}
	}()
	time.Sleep(20 * time.Millisecond)

	cancelFirst()
	require.ErrorIs(t, <-firstErr, context.Canceled)

	close(release)
	got := <-second
	require.NoError(t, got.err)
	require.Equal(t, int64(42), got.size)
	require.Nil(t, walkErr.Load(), "shared walk saw a cancelled context")
}
