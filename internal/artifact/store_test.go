package artifact

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const testExpiry = time.Hour

func newTestStore(t *testing.T) (*Store, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Now())
	s, err := New(Options{Dir: t.TempDir(), Expiry: testExpiry, Clock: clock})
	require.NoError(t, err)
	return s, clock
}

func writeArtifact(t *testing.T, s *Store, id, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(s.Path(id), []byte(content), 0o600))
}

func TestFreshnessWindow(t *testing.T) {
	s, clock := newTestStore(t)
	writeArtifact(t, s, "Music", "zipdata")

	_, ok := s.Fresh("Music")
	require.False(t, ok, "uncommitted file must not count as an artifact")

	art, err := s.Commit("Music", "/media/Music")
	require.NoError(t, err)
	require.Equal(t, int64(7), art.Size)

	clock.Advance(testExpiry - time.Millisecond)
	got, ok := s.Fresh("Music")
	require.True(t, ok)
	require.Equal(t, art.CreatedAt, got.CreatedAt)

	clock.Advance(2 * time.Millisecond)
	_, ok = s.Fresh("Music")
	require.False(t, ok, "artifact past its window must be stale even before deletion")
	_, statErr := os.Stat(s.Path("Music"))
	require.NoError(t, statErr, "file is only removed by the sweep")
}

func TestSweepDeletesOnceAfterExpiry(t *testing.T) {
	s, clock := newTestStore(t)
	writeArtifact(t, s, "Docs", "x")
	_, err := s.Commit("Docs", "/media/Docs")
	require.NoError(t, err)

	clock.Advance(30 * time.Minute)
	for i := 0; i < 3; i++ {
		f, _, err := s.Open("Docs")
		require.NoError(t, err)
		require.NoError(t, f.Close())
	}
	require.Zero(t, s.Sweep())

	clock.Advance(30 * time.Minute)
	require.Equal(t, 1, s.Sweep(), "downloads must not extend the window")
	_, statErr := os.Stat(s.Path("Docs"))
	require.True(t, os.IsNotExist(statErr))
	require.Zero(t, s.Sweep())
	require.Zero(t, s.Pending())
}

func TestRemoveIsIdempotentAndStaleTimerIgnored(t *testing.T) {
	s, clock := newTestStore(t)
	writeArtifact(t, s, "Videos", "old")
	_, err := s.Commit("Videos", "/media/Videos")
	require.NoError(t, err)

	require.NoError(t, s.Remove("Videos"))
	require.NoError(t, s.Remove("Videos"))

	clock.Advance(10 * time.Minute)
	writeArtifact(t, s, "Videos", "new")
	_, err = s.Commit("Videos", "/media/Videos")
	require.NoError(t, err)

	clock.Advance(testExpiry - 5*time.Minute)
	require.Zero(t, s.Sweep(), "timer of the removed artifact must not delete its replacement")
	_, ok := s.Fresh("Videos")
	require.True(t, ok)

	clock.Advance(10 * time.Minute)
	require.Equal(t, 1, s.Sweep())
}

func TestSweepKeepsArchiveRebuiltAtSamePath(t *testing.T) {
	s, clock := newTestStore(t)
	writeArtifact(t, s, "Tracks", "old")
	_, err := s.Commit("Tracks", "/media/Tracks")
	require.NoError(t, err)

	clock.Advance(testExpiry)
	rebuilt := s.PartialPath("Tracks")
	require.NoError(t, os.WriteFile(rebuilt, []byte("rebuilt"), 0o600))
	require.NoError(t, os.Rename(rebuilt, s.Path("Tracks")))

	require.Zero(t, s.Sweep(), "only the committed file may be unlinked")
	b, err := os.ReadFile(s.Path("Tracks"))
	require.NoError(t, err)
	require.Equal(t, "rebuilt", string(b))
	require.Zero(t, s.Pending())
}

func TestOpenSurvivesDeletion(t *testing.T) {
	s, clock := newTestStore(t)
	writeArtifact(t, s, "Shows", "streamed bytes")
	_, err := s.Commit("Shows", "/media/Shows")
	require.NoError(t, err)

	f1, _, err := s.Open("Shows")
	require.NoError(t, err)
	defer func() { _ = f1.Close() }()
	f2, _, err := s.Open("Shows")
	require.NoError(t, err)
	defer func() { _ = f2.Close() }()

	clock.Advance(testExpiry)
	require.Equal(t, 1, s.Sweep())

	for _, f := range []*os.File{f1, f2} {
		b, err := io.ReadAll(f)
		require.NoError(t, err)
		require.Equal(t, "streamed bytes", string(b))
	}
	_, _, err = s.Open("Shows")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestNewAdoptsExistingArtifacts(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	write := func(name string, age time.Duration) string {
		p := filepath.Join(dir, name)
		require.NoError(t, os.WriteFile(p, []byte("z"), 0o600))
		require.NoError(t, os.Chtimes(p, now.Add(-age), now.Add(-age)))
		return p
	}
	recent := write("Recent.zip", 10*time.Minute)
	stale := write("Stale.zip", 2*time.Hour)
	partial := write("Broken.zip.partial", time.Minute)
	other := write("notes.txt", time.Minute)

	clock := clockwork.NewFakeClockAt(now)
	s, err := New(Options{Dir: dir, Expiry: testExpiry, Clock: clock})
	require.NoError(t, err)

	_, ok := s.Fresh("Recent")
	require.True(t, ok)
	_, ok = s.Fresh("Stale")
	require.False(t, ok)

	for _, p := range []string{stale, partial} {
		_, err := os.Stat(p)
		require.True(t, os.IsNotExist(err), "%s should be removed", filepath.Base(p))
	}
	for _, p := range []string{recent, other} {
		_, err := os.Stat(p)
		require.NoError(t, err)
	}

	clock.Advance(50 * time.Minute)
	require.Equal(t, 1, s.Sweep(), "adopted artifact expires relative to its mtime")
}

func TestRunRemovesOnDeadline(t *testing.T) {
	s, clock := newTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	writeArtifact(t, s, "Album", "x")
	_, err := s.Commit("Album", "/media/Album")
	require.NoError(t, err)

	bctx, bcancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer bcancel()
	require.NoError(t, clock.BlockUntilContext(bctx, 1))
	clock.Advance(testExpiry)

	require.Eventually(t, func() bool {
		_, err := os.Stat(s.Path("Album"))
		return os.IsNotExist(err)
	}, 2*time.Second, 5*time.Millisecond)
}
