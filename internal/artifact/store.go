// Package artifact manages the on-disk lifetime of finished zip archives:
// freshness checks, download handles and a single scheduled deletion per
// artifact, ordered on a min-heap of deadlines.
package artifact

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	fileutil "mediavault/internal/file"
)

const (
	zipExt        = ".zip"
	partialSuffix = ".partial"

	DefaultExpiry = time.Hour
)

var ErrNotFound = errors.New("artifact not found")

// Artifact describes a finished archive on disk.
type Artifact struct {
	ID        string
	Path      string
	Source    string
	Size      int64
	CreatedAt time.Time
	ExpiresAt time.Time
}

type Options struct {
	Dir    string
	Expiry time.Duration
	Clock  clockwork.Clock
}

type record struct {
	createdAt time.Time
	source    string
	gen       uint64
	// info identifies the committed file so a later rebuild at the same path
	// is never mistaken for it.
	info os.FileInfo
}

// Store owns the temp directory holding artifacts.
type Store struct {
	dir    string
	expiry time.Duration
	clock  clockwork.Clock

	mu      sync.Mutex
	records map[string]record
	queue   expiryQueue
	nextGen uint64
	wake    chan struct{}
}

// New prepares dir, drops leftover partial files and adopts existing archives
// using their modification time as creation time.
func New(opts Options) (*Store, error) {
	if opts.Expiry <= 0 {
		opts.Expiry = DefaultExpiry
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if err := fileutil.EnsureDir(opts.Dir); err != nil {
		return nil, fmt.Errorf("artifact dir: %w", err)
	}
	s := &Store{
		dir:     opts.Dir,
		expiry:  opts.Expiry,
		clock:   opts.Clock,
		records: make(map[string]record),
		wake:    make(chan struct{}, 1),
	}
	if err := s.adopt(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) Dir() string                  { return s.dir }
func (s *Store) Path(id string) string        { return filepath.Join(s.dir, id+zipExt) }
func (s *Store) PartialPath(id string) string { return s.Path(id) + partialSuffix }

// Fresh reports whether a valid, unexpired artifact exists for id.
func (s *Store) Fresh(id string) (Artifact, bool) {
	s.mu.Lock()
	rec, ok := s.records[id]
	s.mu.Unlock()
	if !ok {
		return Artifact{}, false
	}
	expiresAt := rec.createdAt.Add(s.expiry)
	if !s.clock.Now().Before(expiresAt) {
		return Artifact{}, false
	}
	info, err := os.Stat(s.Path(id))
	if err != nil || !info.Mode().IsRegular() {
		return Artifact{}, false
	}
	return Artifact{
		ID:        id,
		Path:      s.Path(id),
		Source:    rec.source,
		Size:      info.Size(),
		CreatedAt: rec.createdAt,
		ExpiresAt: expiresAt,
	}, true
}

// Commit registers the file at Path(id), built from source, as a finished
// artifact created now and arms its deletion. Committing again replaces the
// previous schedule.
func (s *Store) Commit(id, source string) (Artifact, error) {
	info, err := os.Stat(s.Path(id))
	if err != nil {
		return Artifact{}, fmt.Errorf("stat artifact: %w", err)
	}
	createdAt := s.clock.Now()
	s.track(id, source, createdAt, info)
	return Artifact{
		ID:        id,
		Path:      s.Path(id),
		Source:    source,
		Size:      info.Size(),
		CreatedAt: createdAt,
		ExpiresAt: createdAt.Add(s.expiry),
	}, nil
}

// Remove deletes the artifact for id. A missing file is not an error.
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	delete(s.records, id)
	s.mu.Unlock()
	return fileutil.RemoveIfExists(s.Path(id))
}

// Open returns a read handle on a fresh artifact. The handle stays valid even
// if the expiry deletes the file while it is being streamed.
func (s *Store) Open(id string) (*os.File, Artifact, error) {
	art, ok := s.Fresh(id)
	if !ok {
		return nil, Artifact{}, ErrNotFound
	}
	f, err := os.Open(art.Path) //nolint:gosec // path is built from the store dir
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, Artifact{}, ErrNotFound
		}
		return nil, Artifact{}, fmt.Errorf("open artifact: %w", err)
	}
	return f, art, nil
}

// Sweep deletes every artifact whose deadline has passed and returns how many
// were removed. Only the file that was committed is unlinked; a newer archive
// renamed into the same path is left alone.
func (s *Store) Sweep() int {
	now := s.clock.Now()
	removed := 0

	s.mu.Lock()
	defer s.mu.Unlock()
	for s.queue.Len() > 0 {
		next := s.queue[0]
		if now.Before(next.deadline) {
			break
		}
		heap.Pop(&s.queue)
		rec, ok := s.records[next.id]
		if !ok || rec.gen != next.gen {
			continue
		}
		delete(s.records, next.id)
		if s.removeCommittedLocked(next.id, rec.info) {
			removed++
		}
	}
	return removed
}

// removeCommittedLocked unlinks Path(id) if it is still the file described by
// committed. Callers hold s.mu.
func (s *Store) removeCommittedLocked(id string, committed os.FileInfo) bool {
	p := s.Path(id)
	current, err := os.Stat(p)
	if errors.Is(err, os.ErrNotExist) {
		return false
	}
	if err != nil {
		log.Warn().Err(err).Str("zip_id", id).Msg("expired zip stat failed")
		return false
	}
	if committed != nil && !os.SameFile(committed, current) {
		log.Debug().Str("zip_id", id).Msg("expired zip was replaced, keeping the new file")
		return false
	}
	if err := fileutil.RemoveIfExists(p); err != nil {
		log.Warn().Err(err).Str("zip_id", id).Msg("expired zip cleanup failed")
		return false
	}
	log.Info().Str("zip_id", id).Msg("expired zip removed")
	return true
}

// Run sweeps expired artifacts until ctx is done, sleeping on the store clock
// until the earliest deadline.
func (s *Store) Run(ctx context.Context) {
	for {
		var (
			timer  clockwork.Timer
			timerC <-chan time.Time
		)
		if deadline, ok := s.nextDeadline(); ok {
			wait := deadline.Sub(s.clock.Now())
			if wait <= 0 {
				s.Sweep()
				continue
			}
			timer = s.clock.NewTimer(wait)
			timerC = timer.Chan()
		}

		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return
		case <-s.wake:
			if timer != nil {
				timer.Stop()
			}
		case <-timerC:
			s.Sweep()
		}
	}
}

// Pending returns the number of scheduled deletions still tracked.
func (s *Store) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

func (s *Store) nextDeadline() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.queue.Len() == 0 {
		return time.Time{}, false
	}
	return s.queue[0].deadline, true
}

func (s *Store) track(id, source string, createdAt time.Time, info os.FileInfo) {
	s.mu.Lock()
	s.nextGen++
	gen := s.nextGen
	s.records[id] = record{createdAt: createdAt, source: source, gen: gen, info: info}
	heap.Push(&s.queue, expiryEntry{id: id, deadline: createdAt.Add(s.expiry), gen: gen})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Store) adopt() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return fmt.Errorf("read artifact dir: %w", err)
	}
	now := s.clock.Now()
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() {
			continue
		}
		p := filepath.Join(s.dir, name)
		if strings.HasSuffix(name, partialSuffix) {
			_ = fileutil.RemoveIfExists(p)
			continue
		}
		if !strings.HasSuffix(name, zipExt) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		id := strings.TrimSuffix(name, zipExt)
		if now.Sub(info.ModTime()) >= s.expiry {
			_ = fileutil.RemoveIfExists(p)
			continue
		}
		s.track(id, "", info.ModTime(), info)
		log.Debug().Str("zip_id", id).Time("created_at", info.ModTime()).Msg("adopted existing zip")
	}
	return nil
}
