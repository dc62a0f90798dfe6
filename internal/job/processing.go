package job

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"mediavault/internal/archive"
)

// startProcessing waits for a build slot, runs the builder and records the
// outcome. A job cancelled while queued never acquires a slot. A job that
// replaced a cancelled one first waits for that job's cleanup, since both
// write the same archive path.
func (r *Registry) startProcessing(ctx context.Context, j *Job) {
	if j.after != nil {
		<-j.after
	}
	select {
	case r.semaphore <- struct{}{}:
	case <-ctx.Done():
		r.finishCancelled(j)
		return
	}
	defer func() { <-r.semaphore }()

	r.mu.Lock()
	if j.cancelRequested || ctx.Err() != nil {
		r.mu.Unlock()
		r.finishCancelled(j)
		return
	}
	j.State = StateProcessing
	builder := r.buildArchive
	r.mu.Unlock()

	log.Info().Str("zip_id", j.ID).Str("source", j.SourcePath).Msg("zip build started")
	result, err := builder(ctx, j.SourcePath, j.ArtifactPath, r.progressSink(j))
	switch {
	case errors.Is(err, archive.ErrCancelled), err != nil && ctx.Err() != nil:
		r.finishCancelled(j)
	case err != nil:
		r.failJob(j, err)
	default:
		r.completeJob(j, result)
	}
}

// progressSink binds progress updates to a single job. Values never decrease
// and are ignored once the job left the processing state.
func (r *Registry) progressSink(j *Job) archive.Reporter {
	return archive.ReporterFunc(func(percent int) {
		percent = min(max(percent, 0), 100)
		r.mu.Lock()
		if j.State == StateProcessing && percent > j.Progress {
			j.Progress = percent
		}
		r.mu.Unlock()
	})
}

// completeJob publishes the archive unless a cancellation arrived after the
// builder's last check. Commit and the state change share the registry lock,
// so Cancel either lands before the commit or sees a ready job.
func (r *Registry) completeJob(j *Job, result archive.Result) {
	r.mu.Lock()
	if j.cancelRequested {
		r.mu.Unlock()
		r.finishCancelled(j)
		return
	}
	art, err := r.store.Commit(j.ID, j.SourcePath)
	if err != nil {
		r.mu.Unlock()
		r.failJob(j, err)
		return
	}
	j.State = StateReady
	j.Progress = 100
	r.removeLocked(j)
	r.mu.Unlock()

	log.Info().
		Str("zip_id", j.ID).
		Int("entries", result.Entries).
		Int64("bytes_in", result.Bytes).
		Int64("size", art.Size).
		Dur("elapsed", r.clock.Since(j.CreatedAt)).
		Msg("zip ready")
	r.notify(Event{ZipID: j.ID, Status: StateReady, SourcePath: j.SourcePath, Size: art.Size})
}

func (r *Registry) failJob(j *Job, cause error) {
	if err := r.store.Remove(j.ID); err != nil {
		log.Warn().Err(err).Str("zip_id", j.ID).Msg("removing failed zip failed")
	}
	r.mu.Lock()
	j.State = StateError
	j.Error = cause.Error()
	r.mu.Unlock()

	log.Error().Err(cause).Str("zip_id", j.ID).Msg("zip build failed")
	r.notify(Event{ZipID: j.ID, Status: StateError, SourcePath: j.SourcePath, Error: cause.Error()})
}

func (r *Registry) finishCancelled(j *Job) {
	if err := r.store.Remove(j.ID); err != nil {
		log.Warn().Err(err).Str("zip_id", j.ID).Msg("removing cancelled zip failed")
	}
	r.mu.Lock()
	j.State = StateCancelled
	r.removeLocked(j)
	r.mu.Unlock()

	log.Info().Str("zip_id", j.ID).Msg("zip build cancelled")
	r.notify(Event{ZipID: j.ID, Status: StateCancelled, SourcePath: j.SourcePath})
}

// removeLocked drops j from the registry unless a later job took its id.
func (r *Registry) removeLocked(j *Job) {
	if current, ok := r.jobs[j.ID]; ok && current == j {
		delete(r.jobs, j.ID)
	}
}
