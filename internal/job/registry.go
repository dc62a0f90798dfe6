package job

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"mediavault/internal/archive"
	"mediavault/internal/foldersize"
)

// Registry tracks archive jobs in memory and runs their builders in the background.
// Finished archives are handed to the artifact store; only live and failed jobs
// stay in the registry.
type Registry struct {
	mu           sync.RWMutex
	jobs         map[string]*Job
	store        ArtifactStore
	semaphore    chan struct{}
	buildArchive BuildFunc
	estimateSize SizeFunc
	maxSize      int64
	notifier     Notifier
	clock        clockwork.Clock
	workersWG    sync.WaitGroup
	baseCtx      context.Context
}

// NewRegistry creates a registry publishing finished archives to store.
func NewRegistry(store ArtifactStore, opts Options) *Registry {
	if opts.MaxConcurrentBuilds <= 0 {
		opts.MaxConcurrentBuilds = defaultMaxConcurrent
	}
	if opts.MaxArchiveSize <= 0 {
		opts.MaxArchiveSize = DefaultMaxArchiveSize
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Build == nil {
		opts.Build = archive.NewBuilder(archive.Options{Clock: opts.Clock}).Build
	}
	if opts.EstimateSize == nil {
		opts.EstimateSize = foldersize.Estimate
	}
	return &Registry{
		jobs:         make(map[string]*Job),
		store:        store,
		semaphore:    make(chan struct{}, opts.MaxConcurrentBuilds),
		buildArchive: opts.Build,
		estimateSize: opts.EstimateSize,
		maxSize:      opts.MaxArchiveSize,
		notifier:     opts.Notifier,
		clock:        opts.Clock,
		baseCtx:      context.Background(),
	}
}

// ArchiveID derives the job id from the source folder: its base name.
// Folders sharing a base name share an id.
func ArchiveID(sourcePath string) string {
	return filepath.Base(filepath.Clean(sourcePath))
}

// Admit returns the job for sourcePath, starting a build when there is neither a
// live job nor (unless forceNew) a fresh archive. isNew reports whether a
// builder was started by this call.
func (r *Registry) Admit(ctx context.Context, sourcePath string, forceNew bool) (Snapshot, bool, error) {
	if sourcePath == "" {
		return Snapshot{}, false, ErrInvalidPath
	}
	sourcePath = filepath.Clean(sourcePath)
	id := ArchiveID(sourcePath)

	r.mu.RLock()
	snap, found, err := r.lookupLocked(id, sourcePath, forceNew)
	estimate := r.estimateSize
	r.mu.RUnlock()
	if found || err != nil {
		return snap, false, err
	}

	info, err := os.Stat(sourcePath)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("stat source: %w", err)
	}
	if !info.IsDir() {
		return Snapshot{}, false, ErrNotDirectory
	}
	folderSize, err := estimate(ctx, sourcePath)
	if err != nil {
		return Snapshot{}, false, fmt.Errorf("estimate folder size: %w", err)
	}
	if folderSize > r.maxSize {
		log.Info().Str("zip_id", id).Int64("folder_size", folderSize).Int64("max_size", r.maxSize).Msg("zip rejected: folder too large")
		return Snapshot{}, false, fmt.Errorf("%w: %d bytes exceeds the %d byte limit", ErrTooLarge, folderSize, r.maxSize)
	}

	r.mu.Lock()
	// Another request may have admitted or finished the same folder meanwhile.
	snap, found, err = r.lookupLocked(id, sourcePath, forceNew)
	if found || err != nil {
		r.mu.Unlock()
		return snap, false, err
	}
	if forceNew {
		if err := r.store.Remove(id); err != nil {
			log.Warn().Err(err).Str("zip_id", id).Msg("removing previous zip failed")
		}
	}
	jobCtx, cancel := context.WithCancel(r.baseCtx)
	newJob := &Job{
		ID:           id,
		State:        StatePreparing,
		SourcePath:   sourcePath,
		ArtifactPath: r.store.Path(id),
		CreatedAt:    r.clock.Now(),
		FolderSize:   folderSize,
		cancel:       cancel,
		done:         make(chan struct{}),
	}
	if previous, ok := r.jobs[id]; ok && previous.State.Live() {
		// previous was cancelled but is still cleaning up its files.
		newJob.after = previous.done
	}
	r.jobs[id] = newJob
	snap = newJob.snapshot()
	r.workersWG.Add(1)
	r.mu.Unlock()

	log.Info().Str("zip_id", id).Str("source", sourcePath).Int64("folder_size", folderSize).Bool("force_new", forceNew).Msg("zip job admitted")
	r.notify(Event{ZipID: id, Status: StatePreparing, SourcePath: sourcePath, Size: folderSize})

	go func() {
		defer r.workersWG.Done()
		defer cancel()
		defer close(newJob.done)
		r.startProcessing(jobCtx, newJob)
	}()
	return snap, true, nil
}

// lookupLocked resolves the job or cached archive an admission should reuse.
// A job that is being cancelled is never reused. Callers hold r.mu.
func (r *Registry) lookupLocked(id, sourcePath string, forceNew bool) (Snapshot, bool, error) {
	if existing, ok := r.jobs[id]; ok && existing.State.Live() && !existing.cancelRequested {
		if existing.SourcePath != sourcePath {
			return Snapshot{}, false, fmt.Errorf("%w: %s", ErrIDInUse, existing.SourcePath)
		}
		return existing.snapshot(), true, nil
	}
	if forceNew {
		return Snapshot{}, false, nil
	}
	if art, ok := r.store.Fresh(id); ok && (art.Source == "" || art.Source == sourcePath) {
		return cachedSnapshot(art), true, nil
	}
	return Snapshot{}, false, nil
}

// Status reports the job for id, falling back to a fresh archive on disk.
// A failed job is reported once and then forgotten.
func (r *Registry) Status(id string) (Snapshot, error) {
	r.mu.Lock()
	if existing, ok := r.jobs[id]; ok {
		snap := existing.snapshot()
		if existing.State == StateError {
			delete(r.jobs, id)
		}
		r.mu.Unlock()
		return snap, nil
	}
	r.mu.Unlock()

	if art, ok := r.store.Fresh(id); ok {
		return cachedSnapshot(art), nil
	}
	return Snapshot{}, ErrNotFound
}

// Cancel asks the live job for id to stop. It reports whether such a job existed.
func (r *Registry) Cancel(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	existing, ok := r.jobs[id]
	if !ok || !existing.State.Live() {
		return false
	}
	if !existing.cancelRequested {
		existing.cancelRequested = true
		log.Info().Str("zip_id", id).Str("state", string(existing.State)).Msg("zip cancellation requested")
	}
	existing.cancel()
	return true
}

// Active returns the number of preparing or processing jobs.
func (r *Registry) Active() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, j := range r.jobs {
		if j.State.Live() {
			n++
		}
	}
	return n
}

// SetBaseContext sets the parent context of every job started afterwards.
// Cancelling it during shutdown cancels running builds.
func (r *Registry) SetBaseContext(ctx context.Context) {
	r.mu.Lock()
	r.baseCtx = ctx
	r.mu.Unlock()
}

// WaitAll blocks until all builders finish or the context is done.
// Returns true if all builders finished, false if timed out.
func (r *Registry) WaitAll(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		r.workersWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}

// UseArchiveBuilder replaces the archive builder. Intended for test setup only.
func (r *Registry) UseArchiveBuilder(build BuildFunc) {
	r.mu.Lock()
	r.buildArchive = build
	r.mu.Unlock()
}

// UseSizeEstimator replaces the folder size estimator. Intended for test setup only.
func (r *Registry) UseSizeEstimator(estimate SizeFunc) {
	r.mu.Lock()
	r.estimateSize = estimate
	r.mu.Unlock()
}

func (r *Registry) notify(ev Event) {
	if r.notifier == nil {
		return
	}
	ev.At = r.clock.Now()
	if err := r.notifier.Notify(context.Background(), ev); err != nil {
		log.Warn().Err(err).Str("zip_id", ev.ZipID).Str("status", string(ev.Status)).Msg("job notification failed")
	}
}
